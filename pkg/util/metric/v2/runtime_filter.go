// Copyright 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package v2

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runtimeFilterStateCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "runtime_filter",
			Name:      "state_total",
			Help:      "Total number of runtime filter state transitions.",
		}, []string{"kind", "state"})
	RuntimeFilterReadyCounter   = runtimeFilterStateCounter.MustCurryWith(prometheus.Labels{"state": "ready"})
	RuntimeFilterTimeoutCounter = runtimeFilterStateCounter.MustCurryWith(prometheus.Labels{"state": "timed_out"})
	RuntimeFilterIgnoredCounter = runtimeFilterStateCounter.MustCurryWith(prometheus.Labels{"state": "ignored"})

	RuntimeFilterMergeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "runtime_filter",
			Name:      "merge_total",
			Help:      "Total number of producer contributions merged into consumers.",
		}, []string{"kind"})

	RuntimeFilterDegradeCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "runtime_filter",
			Name:      "degrade_total",
			Help:      "Total number of IN filters degraded to bloom filters.",
		})

	RuntimeFilterWaitDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mo",
			Subsystem: "runtime_filter",
			Name:      "wait_duration_seconds",
			Help:      "Bucketed histogram of consumer wait duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2.0, 16),
		})

	RuntimeFilterPayloadSizeHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mo",
			Subsystem: "runtime_filter",
			Name:      "payload_bytes",
			Help:      "Bucketed histogram of serialized runtime filter size.",
			Buckets:   prometheus.ExponentialBuckets(64, 4.0, 10),
		})
)

func initRuntimeFilterMetrics() {
	registry.MustRegister(runtimeFilterStateCounter)
	registry.MustRegister(RuntimeFilterMergeCounter)
	registry.MustRegister(RuntimeFilterDegradeCounter)
	registry.MustRegister(RuntimeFilterWaitDurationHistogram)
	registry.MustRegister(RuntimeFilterPayloadSizeHistogram)
}
