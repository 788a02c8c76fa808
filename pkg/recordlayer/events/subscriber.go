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
	"encoding/binary"
	"strings"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/recordlayer-go/recordlayer/pkg/utils/logging"
)

const (
	retryInterval = 5 * time.Second
	pollTimeout   = 250 * time.Millisecond
)

// SubscriberConfig configures the inbound feed.
type SubscriberConfig struct {
	// ZMQEndpoint is the PUB socket address to connect to, e.g.
	// "tcp://recordlayer:5560".
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicPrefix is the subscription filter; it must match the
	// publisher's configured prefix.
	TopicPrefix string `json:"topicPrefix"`
}

// DefaultSubscriberConfig mirrors DefaultPublisherConfig's topic prefix.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{ZMQEndpoint: "tcp://localhost:5560", TopicPrefix: "rl"}
}

// Subscriber connects to a Publisher's PUB socket and forwards received
// batches into a Pool, reconnecting on failure the same way the KV-cache
// manager's subscriber does.
type Subscriber struct {
	pool *Pool
	cfg  SubscriberConfig
}

// NewSubscriber builds a Subscriber feeding pool.
func NewSubscriber(cfg SubscriberConfig, pool *Pool) *Subscriber {
	if cfg.ZMQEndpoint == "" {
		cfg = DefaultSubscriberConfig()
	}
	return &Subscriber{pool: pool, cfg: cfg}
}

// Run connects, subscribes, and forwards batches until ctx is cancelled,
// retrying the connection on any socket error.
func (s *Subscriber) Run(ctx context.Context) {
	log := klog.FromContext(ctx).WithName("events-subscriber")
	for {
		select {
		case <-ctx.Done():
			return
		default:
			s.runOnce(ctx)
			select {
			case <-time.After(retryInterval):
				log.Info("retrying change-feed subscriber")
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context) {
	log := klog.FromContext(ctx).WithName("events-subscriber")
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		log.Error(err, "failed to create subscriber socket")
		return
	}
	defer sub.Close()

	if err := sub.Connect(s.cfg.ZMQEndpoint); err != nil {
		log.Error(err, "failed to connect subscriber socket", "endpoint", s.cfg.ZMQEndpoint)
		return
	}
	if err := sub.SetSubscribe(s.cfg.TopicPrefix + "@"); err != nil {
		log.Error(err, "failed to subscribe to topic", "topic", s.cfg.TopicPrefix)
		return
	}

	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)
	debugLog := log.V(logging.DEBUG)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			debugLog.Error(err, "poll failed", "endpoint", s.cfg.ZMQEndpoint)
			return
		}
		if len(polled) == 0 {
			continue
		}

		parts, err := sub.RecvMessageBytes(0)
		if err != nil {
			debugLog.Error(err, "recv failed", "endpoint", s.cfg.ZMQEndpoint)
			return
		}
		if len(parts) != 3 {
			debugLog.Error(nil, "malformed envelope, expected 3 parts", "parts", len(parts))
			continue
		}
		topic := string(parts[0])
		partition := strings.TrimPrefix(topic, s.cfg.TopicPrefix+"@")
		seq := binary.BigEndian.Uint64(parts[1])
		s.pool.AddTask(partition, seq, parts[2])
	}
}
