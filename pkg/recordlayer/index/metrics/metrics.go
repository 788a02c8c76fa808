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

// Package metrics holds the Prometheus collectors index maintainers report
// against, and the Register hook that publishes them to the
// controller-runtime metrics registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	UpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recordlayer", Subsystem: "index", Name: "updates_total",
		Help: "Total number of index maintainer Update calls",
	}, []string{"index", "kind"})

	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recordlayer", Subsystem: "index", Name: "scans_total",
		Help: "Total number of index maintainer Scan calls",
	}, []string{"index", "kind"})

	ScanEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recordlayer", Subsystem: "index", Name: "scan_entries_total",
		Help: "Total number of entries returned across Scan calls",
	}, []string{"index", "kind"})

	ScrubFixedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recordlayer", Subsystem: "index", Name: "scrub_fixed_total",
		Help: "Total number of inconsistencies repaired by Scrub",
	}, []string{"index", "kind", "phase"})

	UpdateLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recordlayer", Subsystem: "index", Name: "update_latency_seconds",
		Help:    "Latency of index maintainer Update calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"index", "kind"})

	ScanLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recordlayer", Subsystem: "index", Name: "scan_latency_seconds",
		Help:    "Latency of index maintainer Scan calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"index", "kind"})
)

// Collectors returns every collector this package registers.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		UpdatesTotal, ScansTotal, ScanEntriesTotal, ScrubFixedTotal,
		UpdateLatency, ScanLatency,
	}
}

var registerOnce sync.Once

// Register publishes every collector to the controller-runtime registry.
// Safe to call more than once; only the first call takes effect.
func Register() {
	registerOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}
