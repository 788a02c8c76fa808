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

// Command recordctl drives a handful of end-to-end scenarios against an
// in-memory engine, useful for manually exercising a schema change or a
// new index kind without standing up a real KV cluster.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/recordlayer-go/recordlayer/pkg/keyval"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/codec"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/index"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexer"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/indexstate"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/planner"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/schema"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/scrubber"
	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/store"
)

func main() {
	scenario := flag.String("scenario", "all", "scenario to run: save-fetch, aggregate, online-build, rank, or all")
	flag.Parse()

	ctx := context.Background()
	runs := map[string]func(context.Context) error{
		"save-fetch":   runSaveFetch,
		"aggregate":    runAggregate,
		"online-build": runOnlineBuild,
		"rank":         runRank,
	}

	if *scenario != "all" {
		fn, ok := runs[*scenario]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown scenario %q\n", *scenario)
			os.Exit(2)
		}
		if err := fn(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", *scenario, err)
			os.Exit(1)
		}
		return
	}

	for _, name := range []string{"save-fetch", "aggregate", "online-build", "rank"} {
		if err := runs[name](ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			os.Exit(1)
		}
	}
}

func newMemStore(rt schema.RecordTypeDescriptor) (*store.RecordStore, error) {
	engine := keyval.NewMemEngine(keyval.DefaultLimits())
	return store.New(engine, rt, store.Options{
		Sub:      keyval.NewSubspace([]byte("R")),
		StateSub: keyval.NewSubspace([]byte("S")),
	})
}

func markReadable(ctx context.Context, s *store.RecordStore, name string) error {
	tx, err := s.OpenSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := s.StateManager().Transition(ctx, tx, name, indexstate.Disabled, indexstate.WriteOnly); err != nil {
		return err
	}
	if err := s.StateManager().Transition(ctx, tx, name, indexstate.WriteOnly, indexstate.Readable); err != nil {
		return err
	}
	_, err = tx.Commit(ctx)
	return err
}

// runSaveFetch is scenario S1: save a record, fetch it back, query it by
// a unique index, then confirm a colliding unique value is rejected.
func runSaveFetch(ctx context.Context) error {
	rt := schema.RecordTypeDescriptor{
		Name:       "User",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "email", Number: 2, Wire: schema.WireLengthDelimited},
			{Name: "age", Number: 3, Wire: schema.WireVarint},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "by_email", Kind: schema.IndexValue, KeyExpression: []string{"email"}, Unique: true},
		},
	}
	s, err := newMemStore(rt)
	if err != nil {
		return err
	}
	if err := markReadable(ctx, s, "by_email"); err != nil {
		return err
	}

	if err := s.Save(ctx, codec.Record{"id": int64(1), "email": "alice@example.com", "age": int64(30)}, nil); err != nil {
		return err
	}

	rec, found, err := s.Fetch(ctx, keyval.Tuple{int64(1)}, nil)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("fetch(1) found nothing")
	}
	fmt.Printf("save-fetch: fetch(1) -> %v\n", rec)

	fp := [32]byte{1}
	p, err := planner.New(s, func() [32]byte { return fp }, 16)
	if err != nil {
		return err
	}
	results, err := s.Query(p).Where(planner.Eq("email", "alice@example.com")).Execute(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("save-fetch: query(email==alice@example.com) -> %d record(s)\n", len(results))

	err = s.Save(ctx, codec.Record{"id": int64(2), "email": "alice@example.com", "age": int64(25)}, nil)
	if !errors.Is(err, rlerrors.ErrDuplicateKey) {
		return fmt.Errorf("expected duplicate_key inserting a colliding email, got %v", err)
	}
	fmt.Println("save-fetch: colliding email correctly rejected with duplicate_key")
	return nil
}

// runAggregate is scenario S2: a count index grouped by city, observed
// across a batch of inserts and a batch of deletes.
func runAggregate(ctx context.Context) error {
	rt := schema.RecordTypeDescriptor{
		Name:       "Resident",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "city", Number: 2, Wire: schema.WireLengthDelimited},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "by_city_count", Kind: schema.IndexCount, KeyExpression: []string{"city"}, GroupingLen: 1},
		},
	}
	s, err := newMemStore(rt)
	if err != nil {
		return err
	}
	if err := markReadable(ctx, s, "by_city_count"); err != nil {
		return err
	}

	var id int64
	for i := 0; i < 700; i++ {
		if err := s.Save(ctx, codec.Record{"id": id, "city": "Tokyo"}, nil); err != nil {
			return err
		}
		id++
	}
	tokyoToDelete := make([]int64, 0, 50)
	for i := 0; i < 300; i++ {
		if err := s.Save(ctx, codec.Record{"id": id, "city": "Osaka"}, nil); err != nil {
			return err
		}
		id++
	}
	for i := int64(0); i < 700; i++ {
		if i < 50 {
			tokyoToDelete = append(tokyoToDelete, i)
		}
	}

	count := func(city string) (int64, error) {
		maintainer, ok := s.Maintainer("by_city_count")
		if !ok {
			return 0, errors.New("by_city_count maintainer missing")
		}
		tx, err := s.OpenSnapshot(ctx)
		if err != nil {
			return 0, err
		}
		entries, err := maintainer.Scan(ctx, tx, index.ScanRange{Begin: keyval.Tuple{city}, Prefix: true}, true)
		if err != nil || len(entries) == 0 {
			return 0, err
		}
		return decodeLE64(entries[0].RawValue), nil
	}

	tokyo, err := count("Tokyo")
	if err != nil {
		return err
	}
	osaka, err := count("Osaka")
	if err != nil {
		return err
	}
	fmt.Printf("aggregate: before delete Tokyo=%d Osaka=%d\n", tokyo, osaka)

	for _, pk := range tokyoToDelete {
		if err := s.Delete(ctx, keyval.Tuple{pk}, nil); err != nil {
			return err
		}
	}
	tokyo, err = count("Tokyo")
	if err != nil {
		return err
	}
	osaka, err = count("Osaka")
	if err != nil {
		return err
	}
	fmt.Printf("aggregate: after delete Tokyo=%d Osaka=%d\n", tokyo, osaka)
	return nil
}

func decodeLE64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return int64(v)
}

// runOnlineBuild is scenario S3: seed records, declare a new index
// write-only, run the online builder in bounded batches, confirm it
// reaches readable, then scrub and confirm zero discrepancies.
func runOnlineBuild(ctx context.Context) error {
	rt := schema.RecordTypeDescriptor{
		Name:       "Order",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "status", Number: 2, Wire: schema.WireLengthDelimited},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "by_status", Kind: schema.IndexValue, KeyExpression: []string{"status"}},
		},
	}
	s, err := newMemStore(rt)
	if err != nil {
		return err
	}

	const seeded = 10000
	for i := int64(0); i < seeded; i++ {
		if err := s.Save(ctx, codec.Record{"id": i, "status": "pending"}, nil); err != nil {
			return err
		}
	}

	tx, err := s.OpenSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := s.StateManager().Transition(ctx, tx, "by_status", indexstate.Disabled, indexstate.WriteOnly); err != nil {
		return err
	}
	if _, err := tx.Commit(ctx); err != nil {
		return err
	}

	deps, ok := s.MaintainerDeps("by_status")
	if !ok {
		return errors.New("by_status maintainer deps missing")
	}
	maintainer, ok := s.Maintainer("by_status")
	if !ok {
		return errors.New("by_status maintainer missing")
	}
	builder := indexer.New(deps, maintainer, keyval.NewSubspace([]byte("PROG")), s.Transact, indexer.Config{BatchRecords: 1000})
	if err := builder.Run(ctx); err != nil {
		return err
	}

	snap, err := s.OpenSnapshot(ctx)
	if err != nil {
		return err
	}
	st, err := s.StateManager().Get(ctx, snap, "by_status", true)
	if err != nil {
		return err
	}
	fmt.Printf("online-build: %d records, index state after build = %s\n", seeded, st)

	scrub := scrubber.New(deps, maintainer, keyval.NewSubspace([]byte("SCRUB")), s.Transact, scrubber.Config{BatchRecords: 1000})
	res, err := scrub.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("online-build: scrub checked=%d fixed=%d\n", res.MissingChecked+res.DanglingChecked, res.MissingFixed+res.DanglingFixed)
	return nil
}

// runRank is scenario S4: rank 100 players by score, read the top 10 by
// descending rank, and print rank_of(750).
func runRank(ctx context.Context) error {
	rt := schema.RecordTypeDescriptor{
		Name:       "Player",
		PrimaryKey: []string{"id"},
		Fields: []schema.FieldDescriptor{
			{Name: "id", Number: 1, Wire: schema.WireVarint},
			{Name: "score", Number: 2, Wire: schema.WireVarint},
		},
		Indexes: []schema.IndexDefinition{
			{Name: "by_score", Kind: schema.IndexRank, KeyExpression: []string{"score"}, Rank: schema.RankOptions{Descending: true}},
		},
	}
	s, err := newMemStore(rt)
	if err != nil {
		return err
	}
	if err := markReadable(ctx, s, "by_score"); err != nil {
		return err
	}

	for i := int64(0); i < 100; i++ {
		if err := s.Save(ctx, codec.Record{"id": i, "score": 10 * i}, nil); err != nil {
			return err
		}
	}

	top, err := s.TopN(ctx, "by_score", nil, 10, nil)
	if err != nil {
		return err
	}
	fmt.Printf("rank: top 10 scores (descending) = %v\n", top)

	rank, err := s.RankOf(ctx, "by_score", codec.Record{"id": int64(75), "score": int64(750)}, nil)
	if err != nil {
		return err
	}
	fmt.Printf("rank: rank_of(750) = %d\n", rank)
	return nil
}
