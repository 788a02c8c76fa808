/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package index

import (
	"context"
	"fmt"
	"math"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
)

// spatialMaintainer implements spec §4.3.8: entries keyed
// `I/<name>/<cellId>/<primaryKey...> -> empty`, where cellId locates the
// record's coordinates on a space-filling curve so a bounding-box query
// becomes a small number of contiguous range scans. Geo kinds use a
// Hilbert curve over normalized lat/lon, which (unlike Z-order) has no
// long-range jumps between adjacent cells; cartesian kinds use Z-order
// (Morton codes), which is cheaper to compute and adequate once the
// coordinate space is already locally dense.
type spatialMaintainer struct {
	deps Deps
}

const defaultCellLevel = 20

func newSpatialMaintainer(deps Deps) *spatialMaintainer {
	return &spatialMaintainer{deps: deps}
}

func (m *spatialMaintainer) level() int {
	if m.deps.Def.Spatial.CellLevel > 0 {
		return m.deps.Def.Spatial.CellLevel
	}
	return defaultCellLevel
}

func (m *spatialMaintainer) coords(rec codec.Record) ([]float64, bool) {
	fields := m.deps.Def.Spatial.Fields
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, ok := rec[f]
		if !ok {
			return nil, false
		}
		switch x := v.(type) {
		case float64:
			out = append(out, x)
		case int64:
			out = append(out, float64(x))
		default:
			return nil, false
		}
	}
	return out, true
}

func (m *spatialMaintainer) cellID(coords []float64) (uint64, error) {
	level := m.level()
	switch m.deps.Def.Spatial.Kind {
	case schema.Spatial2DGeo:
		if len(coords) != 2 {
			return 0, fmt.Errorf("recordlayer/index: spatial index %q needs 2 geo coordinates", m.deps.Def.Name)
		}
		return hilbertD2(level, normalizeLat(coords[0]), normalizeLon(coords[1])), nil
	case schema.Spatial3DGeo:
		if len(coords) != 3 {
			return 0, fmt.Errorf("recordlayer/index: spatial index %q needs 3 geo coordinates", m.deps.Def.Name)
		}
		// the lat/lon Hilbert distance at half resolution per axis, shifted
		// left by level/2 bits, with the normalized altitude in the low
		// level/2 bits, so the combined cell id still fits a uint64.
		base := hilbertD2(level/2, normalizeLat(coords[0]), normalizeLon(coords[1]))
		alt := normalizeAlt(coords[2], level/2)
		return base<<uint(level/2) | alt, nil
	case schema.Spatial2DCartesian:
		if len(coords) != 2 {
			return 0, fmt.Errorf("recordlayer/index: spatial index %q needs 2 cartesian coordinates", m.deps.Def.Name)
		}
		return mortonD2(level, coords[0], coords[1]), nil
	case schema.Spatial3DCartesian:
		if len(coords) != 3 {
			return 0, fmt.Errorf("recordlayer/index: spatial index %q needs 3 cartesian coordinates", m.deps.Def.Name)
		}
		return mortonD3(level, coords[0], coords[1], coords[2]), nil
	default:
		return 0, fmt.Errorf("recordlayer/index: unknown spatial kind %v", m.deps.Def.Spatial.Kind)
	}
}

func (m *spatialMaintainer) entryKey(rec codec.Record) ([]byte, bool) {
	coords, complete := m.coords(rec)
	if !complete {
		return nil, false
	}
	cell, err := m.cellID(coords)
	if err != nil {
		return nil, false
	}
	pk := primaryKeyTuple(m.deps.RecordType, rec)
	full := append(keyval.Tuple{int64(cell)}, pk...)
	return m.deps.IndexSub.Pack(full), true
}

func (m *spatialMaintainer) Update(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error {
	ok, err := m.deps.writable(ctx, tx)
	if err != nil || !ok {
		return err
	}

	if old != nil {
		if key, complete := m.entryKey(old); complete {
			if err := tx.Clear(key); err != nil {
				return fmt.Errorf("recordlayer/index: spatial clear old: %w", err)
			}
		}
	}
	if new != nil {
		if key, complete := m.entryKey(new); complete {
			if err := tx.Set(key, nil); err != nil {
				return fmt.Errorf("recordlayer/index: spatial set: %w", err)
			}
		}
	}
	return nil
}

// Scan returns every entry whose cell id falls in [r.Begin, r.End); callers
// (the planner's spatial-range operator) are expected to issue one Scan per
// contiguous cell-id run covering a bounding box, then post-filter by exact
// distance/containment since cell coverage is necessarily approximate.
func (m *spatialMaintainer) Scan(ctx context.Context, tx keyval.Transaction, r ScanRange, snapshot bool) ([]Entry, error) {
	if !snapshot {
		ok, err := m.deps.scannable(ctx, tx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, rlerrors.ErrIndexNotReady
		}
	}

	begin := m.deps.IndexSub.Pack(r.Begin)
	var end []byte
	switch {
	case r.Prefix:
		end = keyval.StrInc(begin)
	case r.End != nil:
		end = m.deps.IndexSub.Pack(r.End)
	default:
		_, end = m.deps.IndexSub.Range()
	}

	kvs, err := tx.GetRange(ctx, begin, end, snapshot, keyval.RangeOptions{Reverse: r.Reverse, Limit: r.Limit})
	if err != nil {
		return nil, fmt.Errorf("recordlayer/index: spatial scan: %w", err)
	}

	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		t, err := m.deps.IndexSub.Unpack(kv.Key)
		if err != nil || len(t) < 1 {
			continue
		}
		entries = append(entries, Entry{IndexKey: t[:1], Primary: t[1:]})
	}
	return entries, nil
}

func (m *spatialMaintainer) Scrub(ctx context.Context, tx keyval.Transaction, phase ScrubPhase, r ScanRange) (ScrubResult, error) {
	return scrubGeneric(ctx, tx, m.deps, phase, r, func(rec codec.Record) ([]keyval.Tuple, error) {
		coords, complete := m.coords(rec)
		if !complete {
			return nil, nil
		}
		cell, err := m.cellID(coords)
		if err != nil {
			return nil, nil
		}
		pk := primaryKeyTuple(m.deps.RecordType, rec)
		return []keyval.Tuple{append(keyval.Tuple{int64(cell)}, pk...)}, nil
	})
}

// Coords exposes a record's indexed coordinates, in the same order as the
// index's declared Spatial.Fields, for the planner's exact post-filter.
func (m *spatialMaintainer) Coords(rec codec.Record) ([]float64, bool) {
	return m.coords(rec)
}

const earthRadiusMeters = 6371000.0

// haversineMeters returns the great-circle distance in meters between two
// lat/lon points given in degrees.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	phi1, phi2 := lat1*rad, lat2*rad
	dPhi := (lat2 - lat1) * rad
	dLambda := (lon2 - lon1) * rad
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance reports the exact distance between two coordinate tuples in
// this index's coordinate system: great-circle meters for geo kinds
// (altitude folded in by quadrature for the 3D geo kind), plain Euclidean
// units for cartesian kinds. The planner uses this to post-filter a
// cover-cell scan down to the exact radius/box match spec §4.3.8 requires.
func (m *spatialMaintainer) Distance(a, b []float64) (float64, error) {
	switch m.deps.Def.Spatial.Kind {
	case schema.Spatial2DGeo:
		if len(a) != 2 || len(b) != 2 {
			return 0, fmt.Errorf("recordlayer/index: spatial index %q needs 2 geo coordinates", m.deps.Def.Name)
		}
		return haversineMeters(a[0], a[1], b[0], b[1]), nil
	case schema.Spatial3DGeo:
		if len(a) != 3 || len(b) != 3 {
			return 0, fmt.Errorf("recordlayer/index: spatial index %q needs 3 geo coordinates", m.deps.Def.Name)
		}
		flat := haversineMeters(a[0], a[1], b[0], b[1])
		return math.Hypot(flat, a[2]-b[2]), nil
	case schema.Spatial2DCartesian, schema.Spatial3DCartesian:
		if len(a) != len(b) {
			return 0, fmt.Errorf("recordlayer/index: spatial index %q coordinate dimension mismatch", m.deps.Def.Name)
		}
		var sum float64
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return math.Sqrt(sum), nil
	default:
		return 0, fmt.Errorf("recordlayer/index: unknown spatial kind %v", m.deps.Def.Spatial.Kind)
	}
}

// BoxForRadius returns a bounding box that fully contains the disc (geo)
// or ball (cartesian) of radiusMeters around center, for CellRangeForBox
// to turn into a cover-cell scan range. The box is a deliberate superset
// of the exact region; Distance still needs to post-filter the scan's
// results down to the exact set.
func (m *spatialMaintainer) BoxForRadius(center []float64, radiusMeters float64) (min, max []float64, err error) {
	switch m.deps.Def.Spatial.Kind {
	case schema.Spatial2DGeo, schema.Spatial3DGeo:
		if len(center) < 2 {
			return nil, nil, fmt.Errorf("recordlayer/index: spatial index %q needs at least 2 geo coordinates", m.deps.Def.Name)
		}
		dLat := (radiusMeters / earthRadiusMeters) * (180 / math.Pi)
		cosLat := math.Cos(center[0] * math.Pi / 180)
		if cosLat < 1e-9 {
			cosLat = 1e-9 // near the poles a degree of longitude covers almost no distance
		}
		dLon := (radiusMeters / (earthRadiusMeters * cosLat)) * (180 / math.Pi)
		min = []float64{center[0] - dLat, center[1] - dLon}
		max = []float64{center[0] + dLat, center[1] + dLon}
		if m.deps.Def.Spatial.Kind == schema.Spatial3DGeo {
			alt := 0.0
			if len(center) > 2 {
				alt = center[2]
			}
			min = append(min, alt-radiusMeters)
			max = append(max, alt+radiusMeters)
		}
		return min, max, nil
	case schema.Spatial2DCartesian, schema.Spatial3DCartesian:
		min = make([]float64, len(center))
		max = make([]float64, len(center))
		for i, c := range center {
			min[i] = c - radiusMeters
			max[i] = c + radiusMeters
		}
		return min, max, nil
	default:
		return nil, nil, fmt.Errorf("recordlayer/index: unknown spatial kind %v", m.deps.Def.Spatial.Kind)
	}
}

// CellRangeForBox returns the [begin, end) cell-id range covering a
// lat/lon (or x/y) bounding box, for the planner to turn into a ScanRange.
// It returns one contiguous range rather than the curve's minimal cell
// set. For cartesian kinds the Morton code never decreases as any one
// coordinate grows, so the range runs from the min corner's cell to the
// max corner's cell. For geo kinds the Hilbert order has no such
// property, so the range is every cell id.
func (m *spatialMaintainer) CellRangeForBox(minCoord, maxCoord []float64) (begin, end keyval.Tuple, err error) {
	lo, err := m.cellID(minCoord)
	if err != nil {
		return nil, nil, err
	}
	hi, err := m.cellID(maxCoord)
	if err != nil {
		return nil, nil, err
	}
	switch m.deps.Def.Spatial.Kind {
	case schema.Spatial2DGeo, schema.Spatial3DGeo:
		return keyval.Tuple{int64(0)}, keyval.Tuple{int64(math.MaxInt64)}, nil
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	return keyval.Tuple{int64(lo)}, keyval.Tuple{int64(hi) + 1}, nil
}

// --- space-filling curve encoders ---

func normalizeLat(lat float64) float64 { return (lat + 90) / 180 }
func normalizeLon(lon float64) float64 { return (lon + 180) / 360 }

func normalizeAlt(alt float64, bits int) uint64 {
	const maxAlt = 20000.0 // meters, clamps plausible terrestrial+low-orbit range
	f := (alt + maxAlt) / (2 * maxAlt)
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return uint64(f * float64(uint64(1)<<uint(bits)-1))
}

// hilbertD2 maps normalized [0,1)x[0,1) coordinates to a distance along a
// 2D Hilbert curve of the given bit order, via the standard xy2d
// bit-rotation algorithm.
func hilbertD2(order int, nx, ny float64) uint64 {
	if order <= 0 {
		order = defaultCellLevel
	}
	if order > 31 {
		order = 31
	}
	side := uint64(1) << uint(order)
	x := clampCoord(nx, side)
	y := clampCoord(ny, side)

	var d uint64
	for s := side / 2; s > 0; s /= 2 {
		var rx, ry uint64
		if x&s > 0 {
			rx = 1
		}
		if y&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		x, y = hilbertRotate(side, x, y, rx, ry)
	}
	return d
}

func hilbertRotate(side, x, y, rx, ry uint64) (uint64, uint64) {
	if ry != 0 {
		return x, y
	}
	if rx == 1 {
		x = side - 1 - x
		y = side - 1 - y
	}
	return y, x
}

func clampCoord(n float64, side uint64) uint64 {
	if n < 0 {
		n = 0
	}
	if n >= 1 {
		n = math.Nextafter(1, 0)
	}
	return uint64(n * float64(side))
}

// mortonD2 interleaves the bits of two normalized-to-integer coordinates
// into a single Z-order code.
func mortonD2(order int, x, y float64) uint64 {
	if order <= 0 || order > 32 {
		order = defaultCellLevel
	}
	ix := floatToBits(x, order)
	iy := floatToBits(y, order)
	return spreadBits(ix) | spreadBits(iy)<<1
}

// mortonD3 interleaves three coordinates' bits for a 3D Z-order code.
func mortonD3(order int, x, y, z float64) uint64 {
	if order <= 0 || order > 21 {
		order = 21
	}
	ix := floatToBits(x, order)
	iy := floatToBits(y, order)
	iz := floatToBits(z, order)
	return spreadBits3(ix) | spreadBits3(iy)<<1 | spreadBits3(iz)<<2
}

func floatToBits(v float64, bits int) uint64 {
	max := uint64(1)<<uint(bits) - 1
	if v < 0 {
		v = 0
	}
	scaled := v
	if scaled > 1 {
		// values above 1 are clamped to 1, the top of the representable
		// range, instead of silently wrapping.
		scaled = 1
	}
	return uint64(scaled * float64(max))
}

// spreadBits spaces out the low 32 bits of v with a zero between each bit,
// the standard "insert one zero bit" trick for 2D Morton codes.
func spreadBits(v uint64) uint64 {
	v &= 0xFFFFFFFF
	v = (v | (v << 16)) & 0x0000FFFF0000FFFF
	v = (v | (v << 8)) & 0x00FF00FF00FF00FF
	v = (v | (v << 4)) & 0x0F0F0F0F0F0F0F0F
	v = (v | (v << 2)) & 0x3333333333333333
	v = (v | (v << 1)) & 0x5555555555555555
	return v
}

// spreadBits3 spaces out the low 21 bits of v with two zeros between each
// bit, for 3D Morton codes.
func spreadBits3(v uint64) uint64 {
	v &= 0x1FFFFF
	v = (v | (v << 32)) & 0x1F00000000FFFF
	v = (v | (v << 16)) & 0x1F0000FF0000FF
	v = (v | (v << 8)) & 0x100F00F00F00F00F
	v = (v | (v << 4)) & 0x10C30C30C30C30C3
	v = (v | (v << 2)) & 0x1249249249249249
	return v
}
