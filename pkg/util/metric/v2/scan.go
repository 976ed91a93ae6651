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
	pushdownCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "scan",
			Name:      "pushdown_total",
			Help:      "Total number of classified scan predicates by outcome.",
		}, []string{"type"})
	PushdownAcceptableCounter   = pushdownCounter.WithLabelValues("acceptable")
	PushdownPartialCounter      = pushdownCounter.WithLabelValues("partial")
	PushdownUnacceptableCounter = pushdownCounter.WithLabelValues("unacceptable")

	ScanSkippedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "scan",
			Name:      "skipped_total",
			Help:      "Total number of scans short-circuited to zero rows.",
		})

	ScanLateRuntimeFilterCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "scan",
			Name:      "late_runtime_filter_total",
			Help:      "Total number of runtime filters folded after the scan started.",
		})
)

func initScanMetrics() {
	registry.MustRegister(pushdownCounter)
	registry.MustRegister(ScanSkippedCounter)
	registry.MustRegister(ScanLateRuntimeFilterCounter)
}
