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

package events

import (
	"context"
	"hash/fnv"
	"sync"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/recordlayer-go/recordlayer/pkg/utils/logging"
)

// Handler reacts to one committed mutation. Implementations must be safe
// for concurrent use: the pool dispatches across Concurrency worker
// goroutines.
type Handler interface {
	Handle(ctx context.Context, partition string, ev Event) error
}

// PoolConfig controls a consumer pool's fan-out width.
type PoolConfig struct {
	// Concurrency is the number of parallel worker/queue shards.
	Concurrency int `json:"concurrency"`
}

// DefaultPoolConfig mirrors the feed's outbound default width.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Concurrency: 4}
}

// message is one received wire envelope queued for processing.
type message struct {
	partition string
	seq       uint64
	payload   []byte
}

// Pool is a sharded worker pool that processes batches received from a
// change-feed subscriber, routing every batch's events to handler. Batches
// for the same partition always land on the same shard, so a partition's
// events are handled in publish order, the same guarantee the KV-cache
// manager's pool gives per pod identifier.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*message]
	concurrency int
	handler     Handler
	wg          sync.WaitGroup
}

// NewPool builds a Pool dispatching decoded batches to handler.
func NewPool(cfg PoolConfig, handler Handler) *Pool {
	if cfg.Concurrency == 0 {
		cfg = DefaultPoolConfig()
	}
	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*message], cfg.Concurrency),
		concurrency: cfg.Concurrency,
		handler:     handler,
	}
	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*message]())
	}
	return p
}

// Start launches one worker goroutine per shard. Non-blocking.
func (p *Pool) Start(ctx context.Context) {
	log := klog.FromContext(ctx).WithName("events-pool")
	log.Info("starting change-feed consumer pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go p.worker(ctx, i)
	}
}

// Shutdown drains every shard's queue and waits for its worker to exit.
func (p *Pool) Shutdown() {
	for _, q := range p.queues {
		q.ShutDown()
	}
	p.wg.Wait()
}

// AddTask enqueues one received envelope, selecting its shard by hashing
// the partition name so one partition's batches are always processed by
// the same worker, in order.
func (p *Pool) AddTask(partition string, seq uint64, payload []byte) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partition))
	//nolint:gosec // concurrency shard count never approaches uint32 overflow territory
	shard := h.Sum32() % uint32(p.concurrency)
	p.queues[shard].Add(&message{partition: partition, seq: seq, payload: payload})
}

func (p *Pool) worker(ctx context.Context, shard int) {
	defer p.wg.Done()
	q := p.queues[shard]
	debugLog := klog.FromContext(ctx).WithName("events-pool").V(logging.DEBUG)

	for {
		task, shutdown := q.Get()
		if shutdown {
			return
		}
		func() {
			defer q.Done(task)
			p.process(ctx, task, debugLog)
			q.Forget(task)
		}()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Pool) process(ctx context.Context, task *message, debugLog klog.Logger) {
	batch, err := Unmarshal(task.payload)
	if err != nil {
		debugLog.Error(err, "dropping unparseable batch", "partition", task.partition, "seq", task.seq)
		return
	}
	for _, ev := range batch.Events {
		if err := p.handler.Handle(ctx, batch.Partition, ev); err != nil {
			debugLog.Error(err, "handler failed for event", "kind", ev.Kind, "partition", batch.Partition)
		}
	}
}
