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

package table_scan

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lni/goutils/leaktest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/config"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	v2 "github.com/matrixorigin/scanfilter/pkg/util/metric/v2"
	"github.com/matrixorigin/scanfilter/pkg/vm/engine"
	"github.com/matrixorigin/scanfilter/pkg/vm/engine/memoryengine"
	"github.com/matrixorigin/scanfilter/pkg/vm/runtimefilter"
)

// newScanTable returns t(a, b) holding a = 0..rows-1 and b = a % 5 in
// blocks of 10 rows.
func newScanTable(t *testing.T, rows int) *memoryengine.Table {
	tbl := memoryengine.NewTable("t", []*plan.ColRef{colA, colB}, 10)
	for i := 0; i < rows; i++ {
		require.NoError(t, tbl.Append(context.TODO(), []any{int32(i), int32(i % 5)}))
	}
	return tbl
}

type scanTestEnv struct {
	params   *config.RuntimeFilterParameters
	registry *runtimefilter.Registry
	node     *ScanNode
	spec     *plan.RuntimeFilterSpec
}

func newScanTestEnv(t *testing.T, wait time.Duration, filter plan.Expr) *scanTestEnv {
	params := config.NewRuntimeFilterParameters()
	params.WaitTime.Duration = wait
	env := &scanTestEnv{
		params:   params,
		registry: runtimefilter.NewRegistry(uuid.New(), runtimefilter.OptionsFromConfig(params), nil),
		spec:     plan.MakeRuntimeFilter(1, plan.RuntimeFilter_IN, 10, colA),
	}
	env.node = NewScanNode(newScanTable(t, 100), filter, []string{"a"}, params)
	require.NoError(t, env.node.Prepare(context.TODO(), env.registry, env.spec))
	return env
}

func (env *scanTestEnv) close() {
	env.node.Close()
	env.registry.Close()
}

func (env *scanTestEnv) publish(t *testing.T, vals ...any) {
	ctx := context.TODO()
	p, err := env.registry.RegisterProducer(ctx, env.spec)
	require.NoError(t, err)
	require.NoError(t, p.Insert(ctx, vals...))
	require.NoError(t, p.Publish(ctx))
}

func TestScanNodeFilter(t *testing.T) {
	defer leaktest.AfterTest(t)()
	filter := plan.NewFunc(plan.FnAnd,
		plan.NewFunc(plan.FnLt, colA, i32(20)),
		plan.NewFunc(plan.FnEq, colB, i32(3)),
	)
	env := newScanTestEnv(t, time.Second, filter)
	defer env.close()
	env.publish(t, int32(3), int32(8), int32(13), int32(50))

	bat, err := env.node.Call(context.TODO())
	require.NoError(t, err)
	require.Equal(t, 3, bat.RowCount())
	require.Equal(t, int64(3), env.node.ScannedRows())

	explain := env.node.Explain()
	require.Contains(t, explain, "table_scan: t")
	require.Contains(t, explain, "IsPushDown = true")
	require.Contains(t, explain, "range a: {3, 8, 13} not null (runtime filter)")
	require.Contains(t, explain, "range b: {3} not null")
	require.NotContains(t, explain, "residual")
}

func TestScanNodeWaitTimeout(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := newScanTestEnv(t, 50*time.Millisecond, plan.NewFunc(plan.FnGe, colA, i32(90)))
	defer env.close()

	start := time.Now()
	require.NoError(t, env.node.AcquireRuntimeFilters(context.TODO()))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	require.Less(t, elapsed, time.Second)

	c, err := env.registry.LookupConsumer(context.TODO(), 1)
	require.NoError(t, err)
	require.Equal(t, runtimefilter.TimedOut, c.State())
	require.True(t, env.node.RuntimeFiltersReadyOrTimeout())

	var rows atomic.Int64
	require.NoError(t, env.node.StartScanners(context.TODO(), func(bat *engine.Batch) error {
		rows.Add(int64(bat.RowCount()))
		return nil
	}))
	require.Equal(t, int64(10), rows.Load())
	require.Contains(t, env.node.Explain(), "not applied")
}

func TestScanNodeLateArrival(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.TODO()
	env := newScanTestEnv(t, 10*time.Millisecond, nil)
	defer env.close()
	require.NoError(t, env.node.AcquireRuntimeFilters(ctx))

	before := env.node.CloneConjunct()
	require.Empty(t, before.State.ColumnRanges)
	changed, err := env.node.TryAppendLateArrivalRuntimeFilter(ctx)
	require.NoError(t, err)
	require.False(t, changed)

	readers, err := env.node.Relation.NewReaders(ctx, 1)
	require.NoError(t, err)
	r := readers[0]
	defer r.Close()
	bat, err := r.Read(ctx, before.State)
	require.NoError(t, err)
	require.Equal(t, 10, bat.RowCount())

	late := testutil.ToFloat64(v2.ScanLateRuntimeFilterCounter)
	env.publish(t, int32(1), int32(15))
	changed, err = env.node.TryAppendLateArrivalRuntimeFilter(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, late+1, testutil.ToFloat64(v2.ScanLateRuntimeFilterCounter))

	// applied once
	changed, err = env.node.TryAppendLateArrivalRuntimeFilter(ctx)
	require.NoError(t, err)
	require.False(t, changed)

	after := env.node.CloneConjunct()
	require.Greater(t, after.Version, before.Version)
	require.Nil(t, after.Residual)
	require.Equal(t, "a: {1, 15} not null (runtime filter)", after.State.ColumnRanges[0].String())
	// the snapshot taken before is left alone
	require.Empty(t, before.State.ColumnRanges)

	// the first block was read without the filter, the rest with it
	var rows []plan.RowValues
	for {
		bat, err = r.Read(ctx, after.State)
		require.NoError(t, err)
		if bat == nil {
			break
		}
		rows = append(rows, bat.Rows...)
	}
	require.Equal(t, []plan.RowValues{{int32(15), int32(0)}}, rows)
}

func TestScanNodeSkip(t *testing.T) {
	defer leaktest.AfterTest(t)()
	filter := plan.NewFunc(plan.FnAnd,
		plan.NewFunc(plan.FnEq, colA, i32(5)),
		plan.NewFunc(plan.FnEq, colA, i32(6)),
	)
	env := newScanTestEnv(t, time.Second, filter)
	defer env.close()
	env.publish(t, int32(5))
	require.NoError(t, env.node.AcquireRuntimeFilters(context.TODO()))

	skipped := testutil.ToFloat64(v2.ScanSkippedCounter)
	require.NoError(t, env.node.StartScanners(context.TODO(), func(*engine.Batch) error {
		t.Fatal("no block expected")
		return nil
	}))
	require.Equal(t, skipped+1, testutil.ToFloat64(v2.ScanSkippedCounter))
	require.True(t, strings.HasPrefix(strings.SplitN(env.node.Explain(), "\n", 3)[2], "  skip scan"))
}

func TestScanNodeResidual(t *testing.T) {
	defer leaktest.AfterTest(t)()
	filter := plan.NewFunc(plan.FnOr,
		plan.NewFunc(plan.FnEq, colB, i32(1)),
		plan.NewFunc(plan.FnEq, colB, i32(2)),
	)
	env := newScanTestEnv(t, time.Second, filter)
	defer env.close()
	env.publish(t, int32(1), int32(2), int32(3), int32(4))

	bat, err := env.node.Call(context.TODO())
	require.NoError(t, err)
	require.Equal(t, 2, bat.RowCount())
	require.Contains(t, env.node.Explain(), "residual (b = 1 OR b = 2)")
	require.Contains(t, env.node.Explain(), "compound b: {1, 2} not null")
}

func TestScanNodeSinkError(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := newScanTestEnv(t, time.Millisecond, nil)
	defer env.close()
	require.NoError(t, env.node.AcquireRuntimeFilters(context.TODO()))

	err := env.node.StartScanners(context.TODO(), func(*engine.Batch) error {
		return moerr.NewInternalErrorNoCtx("sink full")
	})
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInternal))
}

func TestScanNodeAcquireCanceled(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := newScanTestEnv(t, 10*time.Second, nil)
	defer env.close()
	require.False(t, env.node.RuntimeFiltersReadyOrTimeout())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := env.node.AcquireRuntimeFilters(ctx)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrQueryInterrupted))

	env.publish(t, int32(1))
	require.True(t, env.node.RuntimeFiltersReadyOrTimeout())
}
