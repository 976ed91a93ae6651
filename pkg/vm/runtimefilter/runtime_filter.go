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
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matrixorigin/scanfilter/pkg/logutil"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	v2 "github.com/matrixorigin/scanfilter/pkg/util/metric/v2"
)

// filter is the state shared by both roles. All fields below mu are
// guarded by it.
type filter struct {
	spec         *plan.RuntimeFilterSpec
	opts         Options
	registeredAt time.Time
	logFields    []zap.Field

	mu    sync.Mutex
	state State
	// done is closed on the first transition away from NotReady, or on
	// close. Waiters grab it under mu after checking the state.
	done       chan struct{}
	signaled   bool
	wrapper    Wrapper
	ignored    bool
	ignoredMsg string
	pushedDown bool
	closed     bool
	// estimatedNDV is the build side distinct value estimate, zero when
	// unknown.
	estimatedNDV uint64
}

func newFilter(ctx context.Context, spec *plan.RuntimeFilterSpec, opts Options) (*filter, error) {
	w, err := NewWrapper(ctx, spec, opts)
	if err != nil {
		return nil, err
	}
	return &filter{
		spec:         spec,
		opts:         opts,
		registeredAt: now(),
		logFields:    append(logutil.ContextFields(ctx), logutil.FilterIDField(spec.Tag)),
		done:         make(chan struct{}),
		wrapper:      w,
	}, nil
}

func (f *filter) ID() int32 { return f.spec.Tag }

func (f *filter) Kind() plan.RuntimeFilterKind { return f.spec.Kind }

func (f *filter) Spec() *plan.RuntimeFilterSpec { return f.spec }

// RegisteredAt is the creation time, the origin of timeout accounting.
func (f *filter) RegisteredAt() time.Time { return f.registeredAt }

func (f *filter) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *filter) IsReady() bool {
	return f.State() == Ready
}

func (f *filter) IsIgnored() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ignored
}

// EstimatedNDV returns the estimated number of distinct build side values.
func (f *filter) EstimatedNDV() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimatedNDV
}

func (f *filter) IgnoredReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ignoredMsg
}

// Test reports whether v may pass the filter. A filter that is not ready
// or is ignored filters nothing.
func (f *filter) Test(v any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Ready || f.ignored {
		return true
	}
	return f.wrapper.Test(v)
}

// Describe prints the wrapper content.
func (f *filter) Describe() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ignored {
		return "ignored"
	}
	return f.wrapper.String()
}

func (f *filter) logger() *zap.Logger {
	return logutil.GetGlobalLogger().With(f.logFields...)
}

func (f *filter) signalLocked() {
	if !f.signaled {
		f.signaled = true
		close(f.done)
	}
}

// setStateLocked moves the filter to s if s is later in the state order.
func (f *filter) setStateLocked(s State) bool {
	if s <= f.state {
		return false
	}
	f.state = s
	switch s {
	case Ready:
		v2.RuntimeFilterReadyCounter.WithLabelValues(f.spec.Kind.String()).Inc()
	case TimedOut:
		v2.RuntimeFilterTimeoutCounter.WithLabelValues(f.spec.Kind.String()).Inc()
	}
	f.signalLocked()
	return true
}

// ignoreLocked turns the filter into an always true one. The filter is
// ready afterwards: its value is known, it accepts every row.
func (f *filter) ignoreLocked(reason string) {
	if f.ignored {
		return
	}
	f.ignored = true
	f.ignoredMsg = reason
	v2.RuntimeFilterIgnoredCounter.WithLabelValues(f.spec.Kind.String()).Inc()
	f.logger().Warn("runtime filter ignored", zap.String("reason", reason))
	f.setStateLocked(Ready)
}

// checkOverflowLocked ignores a plain IN filter that outgrew its limit.
func (f *filter) checkOverflowLocked() {
	if in, ok := f.wrapper.(*InFilter); ok && in.Overflow() {
		f.ignoreLocked(fmt.Sprintf("in filter exceeds max in num %d", in.Limit()))
	}
}

func (f *filter) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "RuntimeFilter: (id = %d, type = %s) ", f.spec.Tag, f.spec.Kind)
	fmt.Fprintf(&buf, "[IsPushDown = %t, RuntimeFilterState = %s, IsIgnored = %t, HasRemoteTarget = %t, HasLocalTarget = %t]",
		f.pushedDown, f.state, f.ignored, f.spec.HasRemoteTarget, f.spec.HasLocalTarget)
	if f.ignored {
		fmt.Fprintf(&buf, ", IgnoredMsg = %s", f.ignoredMsg)
	} else if f.estimatedNDV > 0 {
		fmt.Fprintf(&buf, ", EstimatedNDV = %d", f.estimatedNDV)
	}
	return buf.String()
}
