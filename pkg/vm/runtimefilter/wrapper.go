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
	"sort"

	"github.com/matrixorigin/scanfilter/pkg/common/bloomfilter"
	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
)

// Wrapper holds the data of one filter kind. The set of implementations
// is closed: *InFilter, *MinMaxFilter, *BloomFilter, *InOrBloomFilter and
// *BitmapFilter.
//
// Merge is commutative and associative for every kind, but not
// idempotent: each contribution must be merged exactly once.
type Wrapper interface {
	plan.FilterTester

	Kind() plan.RuntimeFilterKind
	Type() types.Type
	// Insert adds one build side value. NULL never matches a join key and
	// is skipped.
	Insert(v any) error
	Merge(other Wrapper) error
	// Size is the number of distinct values held, or an estimate for
	// probabilistic kinds.
	Size() int
	Clone() Wrapper
	Equal(other Wrapper) bool
	String() string

	marshal(dst []byte) ([]byte, error)
	unmarshal(data []byte) error
}

var (
	_ Wrapper = new(InFilter)
	_ Wrapper = new(MinMaxFilter)
	_ Wrapper = new(BloomFilter)
	_ Wrapper = new(InOrBloomFilter)
	_ Wrapper = new(BitmapFilter)
)

// NewWrapper creates an empty wrapper for spec. Every instance created
// from the same spec and options can be merged with the others.
func NewWrapper(ctx context.Context, spec *plan.RuntimeFilterSpec, opts Options) (Wrapper, error) {
	if err := spec.Validate(ctx); err != nil {
		return nil, err
	}
	typ := spec.Expr.Type()
	switch spec.Kind {
	case plan.RuntimeFilter_IN:
		return NewInFilter(typ, opts.inLimit(spec)), nil
	case plan.RuntimeFilter_MIN_MAX:
		return NewMinMaxFilter(typ), nil
	case plan.RuntimeFilter_BLOOM:
		nbits, k := bloomParameters(spec, opts)
		return NewBloomFilter(typ, nbits, k), nil
	case plan.RuntimeFilter_IN_OR_BLOOM:
		nbits, k := bloomParameters(spec, opts)
		return NewInOrBloomFilter(typ, opts.inLimit(spec), nbits, k), nil
	case plan.RuntimeFilter_BITMAP:
		return NewBitmapFilter(spec.NotIn), nil
	}
	return nil, moerr.NewInvalidArg(ctx, "runtime filter kind", spec.Kind.String())
}

// bloomParameters sizes the bloom filter of spec. The result depends on
// the spec and the options only, so all producers of a filter agree.
func bloomParameters(spec *plan.RuntimeFilterSpec, opts Options) (uint64, uint32) {
	nbits, k := bloomfilter.EstimateParameters(spec.ExpectedCard, opts.BloomFpp)
	if spec.BloomFilterSize > 0 {
		nbits = uint64(spec.BloomFilterSize) * 8
	}
	if opts.BloomMinSize > 0 && nbits < uint64(opts.BloomMinSize)*8 {
		nbits = uint64(opts.BloomMinSize) * 8
	}
	if opts.BloomMaxSize > 0 && nbits > uint64(opts.BloomMaxSize)*8 {
		nbits = uint64(opts.BloomMaxSize) * 8
	}
	return nbits, k
}

// normalize converts v to the go representation of typ.
func normalize(typ types.Type, v any) (any, error) {
	if types.CheckValue(typ.Oid, v) {
		return v, nil
	}
	return plan.CastValue(v, typ.Oid)
}

func sortValues(vals []any) {
	sort.Slice(vals, func(i, j int) bool {
		return types.CompareValue(vals[i], vals[j]) < 0
	})
}

func mismatch(self, other Wrapper) error {
	return moerr.NewInvalidArgNoCtx("merge runtime filter",
		fmt.Sprintf("%s(%s) with %s(%s)", self.Kind(), self.Type(), other.Kind(), other.Type()))
}
