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

	"github.com/google/uuid"

	"github.com/matrixorigin/scanfilter/pkg/config"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
)

// State of a runtime filter. The order is meaningful, a filter only moves
// to a larger state: NotReady < TimedOut < Ready.
type State int32

const (
	NotReady State = iota
	TimedOut
	Ready
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "NOT_READY"
	case TimedOut:
		return "TIMED_OUT"
	case Ready:
		return "READY"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(s))
}

// now is the clock used for registration time accounting.
var now = time.Now

// Options holds the runtime filter knobs of one fragment instance.
type Options struct {
	// WaitTime bounds the wait of a consumer, measured from registration.
	WaitTime time.Duration
	// MaxInNum is the default IN cardinality cap, used when the spec does
	// not carry its own.
	MaxInNum     int
	BloomMinSize int64
	BloomMaxSize int64
	BloomFpp     float64
	// CompressThreshold is the payload size above which the body is lz4
	// compressed.
	CompressThreshold int
}

// OptionsFromConfig extracts the runtime filter options from p.
func OptionsFromConfig(p *config.RuntimeFilterParameters) Options {
	return Options{
		WaitTime:          p.WaitTime.Duration,
		MaxInNum:          p.MaxInNum,
		BloomMinSize:      int64(p.Bloom.MinSize),
		BloomMaxSize:      int64(p.Bloom.MaxSize),
		BloomFpp:          p.Bloom.Fpp,
		CompressThreshold: int(p.CompressThreshold),
	}
}

// DefaultOptions returns the options of a default config.
func DefaultOptions() Options {
	return OptionsFromConfig(config.NewRuntimeFilterParameters())
}

func (o Options) inLimit(spec *plan.RuntimeFilterSpec) int {
	if spec.UpperLimit > 0 {
		return int(spec.UpperLimit)
	}
	return o.MaxInNum
}

// Key identifies a filter inside one query, across fragment instances.
type Key struct {
	QueryID  uuid.UUID
	FilterID int32
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.QueryID, k.FilterID)
}

// Transport ships serialized filters to consumers living in other
// fragment instances.
type Transport interface {
	// Publish sends payload to every consumer registered for key. sender
	// identifies the producing fragment instance, a consumer applies each
	// sender at most once.
	Publish(ctx context.Context, key Key, sender uuid.UUID, payload []byte) error
}

// Filter is the read only view shared by producers and consumers.
type Filter interface {
	plan.FilterTester

	ID() int32
	Kind() plan.RuntimeFilterKind
	Spec() *plan.RuntimeFilterSpec
	State() State
	IsReady() bool
	IsIgnored() bool
	IgnoredReason() string
	String() string
}

var (
	_ Filter = new(Producer)
	_ Filter = new(Consumer)
)
