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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	imetrics "github.com/recordlayer-go/recordlayer/pkg/recordlayer/index/metrics"
)

// instrumentedMaintainer wraps a Maintainer and reports Update/Scan/Scrub
// activity to imetrics, labeled by index name and kind so a single
// dashboard can break down cost per index.
type instrumentedMaintainer struct {
	next       Maintainer
	name, kind string
}

// NewInstrumented wraps next so every call reports Prometheus metrics.
// imetrics.Register must be called once, separately, before scraping.
func NewInstrumented(next Maintainer, name, kind string) Maintainer {
	return &instrumentedMaintainer{next: next, name: name, kind: kind}
}

func (m *instrumentedMaintainer) Update(ctx context.Context, tx keyval.Transaction, old, new codec.Record) error {
	timer := prometheus.NewTimer(imetrics.UpdateLatency.WithLabelValues(m.name, m.kind))
	defer timer.ObserveDuration()

	err := m.next.Update(ctx, tx, old, new)
	imetrics.UpdatesTotal.WithLabelValues(m.name, m.kind).Inc()
	return err
}

func (m *instrumentedMaintainer) Scan(ctx context.Context, tx keyval.Transaction, r ScanRange, snapshot bool) ([]Entry, error) {
	timer := prometheus.NewTimer(imetrics.ScanLatency.WithLabelValues(m.name, m.kind))
	defer timer.ObserveDuration()

	entries, err := m.next.Scan(ctx, tx, r, snapshot)
	imetrics.ScansTotal.WithLabelValues(m.name, m.kind).Inc()
	imetrics.ScanEntriesTotal.WithLabelValues(m.name, m.kind).Add(float64(len(entries)))
	return entries, err
}

func (m *instrumentedMaintainer) Scrub(ctx context.Context, tx keyval.Transaction, phase ScrubPhase, r ScanRange) (ScrubResult, error) {
	res, err := m.next.Scrub(ctx, tx, phase, r)
	imetrics.ScrubFixedTotal.WithLabelValues(m.name, m.kind, phase.String()).Add(float64(res.Fixed))
	return res, err
}
