// Copyright 2021-2023 Matrix Origin
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
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/config"
	"github.com/matrixorigin/scanfilter/pkg/logutil"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	v2 "github.com/matrixorigin/scanfilter/pkg/util/metric/v2"
	"github.com/matrixorigin/scanfilter/pkg/vm/engine"
	"github.com/matrixorigin/scanfilter/pkg/vm/runtimefilter"
)

const argName = "table_scan"

// ScanNode drives one scan operator instance: it waits for the runtime
// filters targeting the scan, folds them into the pushdown state and runs
// the scanner tasks. Filters arriving after the scan started are folded in
// between blocks and only affect the blocks read afterwards.
type ScanNode struct {
	Relation engine.Relation
	// Filter is the conjunct tree of the scan as planned. It is never
	// modified, every rewrite starts from it.
	Filter plan.Expr
	// BaseState holds ranges known before normalization, may be nil.
	BaseState *engine.PushdownState
	KeyCols   []string

	params     *config.RuntimeFilterParameters
	normalizer *PredicateNormalizer
	consumers  []*runtimefilter.Consumer
	deadline   time.Time
	pool       *ants.Pool

	// mu guards the rewrite below and the clones scanner tasks take of it.
	mu       sync.RWMutex
	applied  map[int32]struct{}
	rfExprs  []plan.Expr
	residual plan.Expr
	state    *engine.PushdownState
	version  atomic.Uint64

	scannedRows atomic.Int64
}

// Snapshot is the rewrite a scanner task reads blocks with. It is a deep
// copy, later rewrites do not change it.
type Snapshot struct {
	Residual plan.Expr
	State    *engine.PushdownState
	Version  uint64
}

func NewScanNode(rel engine.Relation, filter plan.Expr, keyCols []string, params *config.RuntimeFilterParameters) *ScanNode {
	if params == nil {
		params = config.NewRuntimeFilterParameters()
	}
	return &ScanNode{
		Relation: rel,
		Filter:   filter,
		KeyCols:  keyCols,
		params:   params,
		applied:  make(map[int32]struct{}),
	}
}

func (s *ScanNode) String(buf *bytes.Buffer) {
	buf.WriteString(argName)
	buf.WriteString(": ")
	buf.WriteString(s.Relation.Name())
}

// Prepare registers a consumer in registry for each filter of specs and
// normalizes the planned conjuncts. The shared wait deadline starts here.
func (s *ScanNode) Prepare(ctx context.Context, registry *runtimefilter.Registry, specs ...*plan.RuntimeFilterSpec) error {
	for _, spec := range specs {
		c, err := registry.RegisterConsumer(ctx, spec)
		if err != nil {
			return err
		}
		s.consumers = append(s.consumers, c)
	}
	s.deadline = time.Now().Add(s.params.WaitTime.Duration)
	s.normalizer = NewPredicateNormalizer(s.Relation.Columns(), s.KeyCols, NormalizeOptionsFromConfig(s.params))

	concurrency := s.params.ScannerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return moerr.ConvertGoError(ctx, err)
	}
	s.pool = pool

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewriteLocked(ctx)
}

// rewriteLocked normalizes the planned conjuncts together with every
// runtime filter expression applied so far.
func (s *ScanNode) rewriteLocked(ctx context.Context) error {
	exprs := make([]plan.Expr, 0, len(s.rfExprs)+1)
	exprs = append(exprs, s.Filter)
	exprs = append(exprs, s.rfExprs...)
	residual, state, err := s.normalizer.Normalize(ctx, plan.MakeAnd(exprs...), s.BaseState)
	if err != nil {
		return err
	}
	s.residual, s.state = residual, state
	s.version.Add(1)
	return nil
}

// AcquireRuntimeFilters waits for every registered filter, all of them
// sharing the deadline set by Prepare, and folds the ready ones into the
// pushdown state. Timed out filters contribute nothing.
func (s *ScanNode) AcquireRuntimeFilters(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.consumers {
		c := c
		g.Go(func() error {
			_, err := c.Await(gctx, time.Until(s.deadline))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	_, err := s.applyReadyFilters(ctx)
	return err
}

func (s *ScanNode) hasPendingFilter() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.consumers {
		if _, ok := s.applied[c.ID()]; !ok && c.IsReady() {
			return true
		}
	}
	return false
}

// applyReadyFilters pushes the expressions of ready filters not applied
// yet. It reports whether the rewrite changed.
func (s *ScanNode) applyReadyFilters(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := false
	for _, c := range s.consumers {
		if _, ok := s.applied[c.ID()]; ok || !c.IsReady() {
			continue
		}
		s.applied[c.ID()] = struct{}{}
		// an ignored filter is ready and pushes nothing
		if exprs := c.PushExprs(); len(exprs) > 0 {
			s.rfExprs = append(s.rfExprs, exprs...)
			added = true
		}
	}
	if !added {
		return false, nil
	}
	if err := s.rewriteLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// TryAppendLateArrivalRuntimeFilter folds filters that became ready after
// AcquireRuntimeFilters returned. Blocks already read are not revisited.
func (s *ScanNode) TryAppendLateArrivalRuntimeFilter(ctx context.Context) (bool, error) {
	if !s.hasPendingFilter() {
		return false, nil
	}
	changed, err := s.applyReadyFilters(ctx)
	if err != nil || !changed {
		return false, err
	}
	v2.ScanLateRuntimeFilterCounter.Inc()
	logutil.Info("late runtime filter applied to scan",
		zap.String("table", s.Relation.Name()),
		zap.Uint64("version", s.version.Load()))
	return true, nil
}

// CloneConjunct returns a copy of the current rewrite.
func (s *ScanNode) CloneConjunct() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{
		Residual: plan.DeepCopyExpr(s.residual),
		State:    s.state.Clone(),
		Version:  s.version.Load(),
	}
}

// RuntimeFiltersReadyOrTimeout is the non blocking check a scheduler uses
// before starting the scan.
func (s *ScanNode) RuntimeFiltersReadyOrTimeout() bool {
	for _, c := range s.consumers {
		if !c.IsReadyOrTimeout() {
			return false
		}
	}
	return true
}

// StartScanners reads the relation with one task per reader on the scan
// pool and hands the surviving rows of each block to sink. sink is called
// from several goroutines.
func (s *ScanNode) StartScanners(ctx context.Context, sink func(*engine.Batch) error) error {
	snap := s.CloneConjunct()
	if snap.State.SkipScan {
		v2.ScanSkippedCounter.Inc()
		logutil.Debug("scan skipped, no row can match", zap.String("table", s.Relation.Name()))
		return nil
	}
	readers, err := s.Relation.NewReaders(ctx, s.pool.Cap())
	if err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	setErr := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}
	for _, r := range readers {
		r := r
		wg.Add(1)
		if err := s.pool.Submit(func() {
			defer wg.Done()
			if err := s.scan(ctx, r, sink); err != nil {
				setErr(err)
			}
		}); err != nil {
			wg.Done()
			_ = r.Close()
			setErr(moerr.ConvertGoError(ctx, err))
		}
	}
	wg.Wait()
	return firstErr
}

func (s *ScanNode) scan(ctx context.Context, r engine.Reader, sink func(*engine.Batch) error) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = moerr.NewInternalError(ctx, "scanner panic: %v", e)
		}
		_ = r.Close()
	}()

	snap := s.CloneConjunct()
	for {
		if _, err := s.TryAppendLateArrivalRuntimeFilter(ctx); err != nil {
			return err
		}
		if s.version.Load() != snap.Version {
			snap = s.CloneConjunct()
		}
		bat, err := r.Read(ctx, snap.State)
		if err != nil {
			return err
		}
		if bat == nil {
			return nil
		}
		if bat, err = applyResidual(snap.Residual, bat); err != nil {
			return err
		}
		if bat.IsEmpty() {
			continue
		}
		s.scannedRows.Add(int64(bat.RowCount()))
		if err = sink(bat); err != nil {
			return err
		}
	}
}

// applyResidual keeps the rows for which residual is true.
func applyResidual(residual plan.Expr, bat *engine.Batch) (*engine.Batch, error) {
	if residual == nil || bat.IsEmpty() {
		return bat, nil
	}
	rows := make([]plan.RowValues, 0, len(bat.Rows))
	for _, row := range bat.Rows {
		ok, err := plan.EvalFilter(residual, row)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return &engine.Batch{Rows: rows}, nil
}

// Call runs the whole scan: it waits for the runtime filters and returns
// every matching row in one batch.
func (s *ScanNode) Call(ctx context.Context) (*engine.Batch, error) {
	if err := s.AcquireRuntimeFilters(ctx); err != nil {
		return nil, err
	}
	var mu sync.Mutex
	result := &engine.Batch{}
	err := s.StartScanners(ctx, func(bat *engine.Batch) error {
		mu.Lock()
		defer mu.Unlock()
		result.Rows = append(result.Rows, bat.Rows...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ScannedRows is the number of rows handed to the sink so far.
func (s *ScanNode) ScannedRows() int64 {
	return s.scannedRows.Load()
}

// Explain prints the runtime filters of the scan and the current rewrite.
func (s *ScanNode) Explain() string {
	var buf bytes.Buffer
	s.String(&buf)
	buf.WriteString("\n")
	for _, c := range s.consumers {
		buf.WriteString("  ")
		buf.WriteString(c.String())
		buf.WriteString("\n")
		if err := c.Status(); err != nil {
			fmt.Fprintf(&buf, "    not applied: %s\n", err.Error())
		}
	}

	snap := s.CloneConjunct()
	for _, line := range bytes.Split(bytes.TrimSpace([]byte(snap.State.String())), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		buf.WriteString("  ")
		buf.Write(line)
		buf.WriteString("\n")
	}
	if snap.Residual != nil {
		fmt.Fprintf(&buf, "  residual %s\n", snap.Residual)
	}
	return buf.String()
}

// Close releases the scanner pool. The consumers belong to the registry.
func (s *ScanNode) Close() {
	if s.pool != nil {
		s.pool.Release()
	}
}
