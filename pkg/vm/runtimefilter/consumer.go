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

package runtimefilter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	v2 "github.com/matrixorigin/scanfilter/pkg/util/metric/v2"
)

// Consumer is the scan side of a runtime filter. It receives producer
// contributions through Merge and is read by the scan.
type Consumer struct {
	*filter
}

// NewConsumer creates a consumer outside of any registry.
func NewConsumer(ctx context.Context, spec *plan.RuntimeFilterSpec, opts Options) (*Consumer, error) {
	f, err := newFilter(ctx, spec, opts)
	if err != nil {
		return nil, err
	}
	return &Consumer{filter: f}, nil
}

// Merge applies one producer contribution. last marks the contribution
// completing the filter, the consumer becomes ready with it. Contributor
// counting is up to the caller.
//
// A failing merge makes the filter ignored, the error is still returned
// so the caller can report it.
func (c *Consumer) Merge(ctx context.Context, w Wrapper, last bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return moerr.NewRuntimeFilterClosed(ctx, c.spec.Tag)
	}
	if c.ignored {
		return nil
	}
	if c.state == Ready {
		return moerr.NewInvalidState(ctx, "runtime filter %d is ready, merge rejected", c.spec.Tag)
	}
	if err := c.wrapper.Merge(w); err != nil {
		c.ignoreLocked(fmt.Sprintf("merge failed: %v", err))
		return err
	}
	v2.RuntimeFilterMergeCounter.WithLabelValues(c.spec.Kind.String()).Inc()
	c.checkOverflowLocked()
	if last && c.setStateLocked(Ready) {
		c.logger().Debug("runtime filter ready",
			zap.String("filter", c.wrapper.String()),
			zap.Duration("since-registration", now().Sub(c.registeredAt)))
	}
	return nil
}

// AddEstimatedNDV folds the distinct value estimate of one contribution.
// Shuffled producers see disjoint values and their estimates add up, a
// broadcast build is seen whole by every producer.
func (c *Consumer) AddEstimatedNDV(ndv uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spec.IsBroadcast {
		c.estimatedNDV = max(c.estimatedNDV, ndv)
		return
	}
	c.estimatedNDV += ndv
}

// Ignore makes the filter always true.
func (c *Consumer) Ignore(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ignoreLocked(reason)
}

// Await blocks until the filter leaves NotReady, the timeout elapses or
// ctx is done. It reports whether the filter is ready. An elapsed timeout
// moves the filter to TimedOut and is not an error, the caller proceeds
// without the filter. A done ctx returns ErrQueryInterrupted instead of
// the timed out outcome, and the filter stays NotReady, so cancellation
// reaches the scan instead of running it unfiltered.
func (c *Consumer) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	if c.state != NotReady || c.closed {
		ready := c.state == Ready
		c.mu.Unlock()
		return ready, nil
	}
	done := c.done
	c.mu.Unlock()

	start := time.Now()
	defer func() {
		v2.RuntimeFilterWaitDurationHistogram.Observe(time.Since(start).Seconds())
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.mu.Lock()
		if c.setStateLocked(TimedOut) {
			c.logger().Info("runtime filter wait timed out", zap.Duration("timeout", timeout))
		}
		c.mu.Unlock()
	case <-ctx.Done():
		return false, moerr.NewQueryInterrupted(ctx)
	}
	return c.IsReady(), nil
}

// Signal wakes every waiter once the filter left NotReady or was closed.
// State transitions signal on their own.
func (c *Consumer) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != NotReady || c.closed {
		c.signalLocked()
	}
}

// IsReadyOrTimeout is the non blocking poll. A filter still not ready
// once WaitTime elapsed since registration is moved to TimedOut.
func (c *Consumer) IsReadyOrTimeout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == NotReady && !c.closed && now().Sub(c.registeredAt) >= c.opts.WaitTime {
		c.setStateLocked(TimedOut)
	}
	return c.state != NotReady
}

// Status explains why the filter contributes nothing. It returns nil for
// a ready filter, and codes of the OK range otherwise: those are expected
// outcomes, not failures.
func (c *Consumer) Status() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.ignored:
		return moerr.NewRuntimeFilterIgnored(c.ignoredMsg)
	case c.state != Ready:
		return moerr.GetOkRuntimeFilterTimeout()
	}
	return nil
}

// Close wakes the waiters and drops later merges.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.signalLocked()
}

// PushExprs returns the predicates a ready filter adds to the scan
// conjuncts. Ignored and unready filters add nothing.
func (c *Consumer) PushExprs() []plan.Expr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ready || c.ignored {
		return nil
	}
	c.pushedDown = true

	tag := &plan.RuntimeFilterTag{FilterID: c.spec.Tag}
	target := plan.DeepCopyExpr(c.spec.Expr)
	switch w := c.wrapper.(type) {
	case *InFilter:
		return []plan.Expr{inListExpr(target, w, tag)}
	case *InOrBloomFilter:
		if !w.IsBloom() {
			return []plan.Expr{inListExpr(target, w.In(), tag)}
		}
		return []plan.Expr{&plan.RuntimeFilterPred{Kind: plan.BloomFilterPred, FilterID: c.spec.Tag, Target: target, Tester: w}}
	case *MinMaxFilter:
		min, max, ok := w.Bounds()
		if !ok {
			return []plan.Expr{plan.NewBool(false)}
		}
		ge := plan.NewFunc(plan.FnGe, target, plan.NewLiteral(min, w.Type()))
		le := plan.NewFunc(plan.FnLe, plan.DeepCopyExpr(target), plan.NewLiteral(max, w.Type()))
		ge.RF, le.RF = tag, tag
		return []plan.Expr{ge, le}
	case *BloomFilter:
		return []plan.Expr{&plan.RuntimeFilterPred{Kind: plan.BloomFilterPred, FilterID: c.spec.Tag, Target: target, Tester: w}}
	case *BitmapFilter:
		return []plan.Expr{&plan.RuntimeFilterPred{Kind: plan.BitmapFilterPred, FilterID: c.spec.Tag, Target: target, Tester: w}}
	}
	return nil
}

func inListExpr(target plan.Expr, in *InFilter, tag *plan.RuntimeFilterTag) *plan.InList {
	vals := in.Values()
	list := make([]*plan.Literal, len(vals))
	for i, v := range vals {
		list[i] = plan.NewLiteral(v, in.Type())
	}
	e := plan.NewIn(target, list, false)
	e.RF = tag
	return e
}
