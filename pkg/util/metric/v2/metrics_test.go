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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsRegistered(t *testing.T) {
	RuntimeFilterReadyCounter.WithLabelValues("in").Inc()
	RuntimeFilterDegradeCounter.Inc()
	PushdownAcceptableCounter.Inc()

	families, err := GetPrometheusGatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]struct{}, len(families))
	for _, f := range families {
		names[f.GetName()] = struct{}{}
	}
	require.Contains(t, names, "mo_runtime_filter_state_total")
	require.Contains(t, names, "mo_runtime_filter_degrade_total")
	require.Contains(t, names, "mo_scan_pushdown_total")
}
