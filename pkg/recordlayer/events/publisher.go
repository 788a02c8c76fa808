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
	"encoding/binary"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"
)

// PublisherConfig configures the outbound feed.
type PublisherConfig struct {
	// ZMQEndpoint is the address the PUB socket binds, e.g. "tcp://*:5560".
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicPrefix prefixes every published topic; a batch for partition p
	// is published under "<prefix>@p", mirroring the KV-cache manager's
	// "kv@<pod>@<model>" topic scheme so a consumer can subscribe to one
	// prefix and still recover the originating partition.
	TopicPrefix string `json:"topicPrefix"`
}

// DefaultPublisherConfig mirrors the feed's consumer-side default prefix.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{ZMQEndpoint: "tcp://*:5560", TopicPrefix: "rl"}
}

// Publisher fans committed-mutation batches out over a ZMQ PUB socket.
// A single Publisher is safe for concurrent use by multiple RecordStores.
type Publisher struct {
	mu     sync.Mutex
	sock   *zmq.Socket
	prefix string
	seq    uint64
}

// NewPublisher binds a PUB socket at cfg.ZMQEndpoint.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.ZMQEndpoint == "" {
		cfg = DefaultPublisherConfig()
	}
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("recordlayer/events: new pub socket: %w", err)
	}
	if err := sock.Bind(cfg.ZMQEndpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("recordlayer/events: bind pub socket %q: %w", cfg.ZMQEndpoint, err)
	}
	return &Publisher{sock: sock, prefix: cfg.TopicPrefix}, nil
}

// Publish sends one batch as a 3-part ZMQ message (topic, sequence,
// payload), the same envelope shape the consumer side expects. The topic
// is derived from b.Partition so a subscriber's topic filter can select a
// subset of partitions.
func (p *Publisher) Publish(b Batch) error {
	payload, err := Marshal(b)
	if err != nil {
		return fmt.Errorf("recordlayer/events: marshal batch: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, p.seq)
	topic := p.prefix + "@" + b.Partition
	if _, err := p.sock.SendMessage(topic, seqBytes, payload); err != nil {
		return fmt.Errorf("recordlayer/events: publish batch: %w", err)
	}
	return nil
}

// PublishBestEffort publishes b and logs, rather than propagates, any
// failure: the change feed is a supplement to the committed mutation, not
// a condition of it, so a transient publish error must never fail a
// caller's already-committed Save/Delete.
func (p *Publisher) PublishBestEffort(b Batch) {
	if err := p.Publish(b); err != nil {
		klog.Background().WithName("recordlayer-events").Error(err, "failed to publish mutation batch")
	}
}

// Close releases the underlying socket.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sock.Close()
}
