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

package plan

import (
	"context"
	"fmt"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
)

const (
	InFilterCardLimitNonPK   = 10000
	InFilterCardLimitPK      = 320000
	BloomFilterCardLimit     = 100 * InFilterCardLimitNonPK
	InFilterSelectivityLimit = 0.05
)

type RuntimeFilterKind uint8

const (
	RuntimeFilter_IN RuntimeFilterKind = iota
	RuntimeFilter_MIN_MAX
	RuntimeFilter_BLOOM
	RuntimeFilter_IN_OR_BLOOM
	RuntimeFilter_BITMAP
)

func (k RuntimeFilterKind) String() string {
	switch k {
	case RuntimeFilter_IN:
		return "in"
	case RuntimeFilter_MIN_MAX:
		return "minmax"
	case RuntimeFilter_BLOOM:
		return "bloom"
	case RuntimeFilter_IN_OR_BLOOM:
		return "in_or_bloom"
	case RuntimeFilter_BITMAP:
		return "bitmap"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// RuntimeFilterSpec describes one runtime filter as planned. The same spec
// is handed to the build side producer and to every scan side consumer.
type RuntimeFilterSpec struct {
	Tag  int32
	Kind RuntimeFilterKind
	// Expr is the scan side target, usually a column of the scanned table.
	Expr Expr

	IsBroadcast     bool
	HasRemoteTarget bool
	HasLocalTarget  bool

	// ExpectedCard is the estimated build side cardinality, used to size
	// bloom filters.
	ExpectedCard int64
	// BloomFilterSize in bytes, derived from ExpectedCard when zero.
	BloomFilterSize int64
	// UpperLimit is the IN cardinality cap.
	UpperLimit int32
	// NotIn makes a bitmap filter keep rows absent from the bitmap.
	NotIn bool
	// Contributors is the number of producer instances merged into each
	// consumer. Zero means one.
	Contributors int32
}

// MakeRuntimeFilter builds a spec targeting expr.
func MakeRuntimeFilter(tag int32, kind RuntimeFilterKind, upperLimit int32, expr Expr) *RuntimeFilterSpec {
	return &RuntimeFilterSpec{
		Tag:            tag,
		Kind:           kind,
		UpperLimit:     upperLimit,
		Expr:           expr,
		HasLocalTarget: true,
	}
}

// ExpectedContributors returns the number of merges completing a consumer.
func (spec *RuntimeFilterSpec) ExpectedContributors() int {
	if spec.Contributors <= 0 {
		return 1
	}
	return int(spec.Contributors)
}

// TargetColumn returns the column the filter applies to, looking through
// casts between compatible types.
func (spec *RuntimeFilterSpec) TargetColumn() (*ColRef, bool) {
	e := spec.Expr
	for {
		switch x := e.(type) {
		case *ColRef:
			return x, true
		case *CastExpr:
			if !types.CompatibleForPushdown(x.Typ.Oid, x.Child.Type().Oid) {
				return nil, false
			}
			e = x.Child
		default:
			return nil, false
		}
	}
}

// Validate rejects malformed specs.
func (spec *RuntimeFilterSpec) Validate(ctx context.Context) error {
	if spec.Kind > RuntimeFilter_BITMAP {
		return moerr.NewInvalidArg(ctx, "runtime filter kind", spec.Kind.String())
	}
	if spec.Expr == nil {
		return moerr.NewInvalidArg(ctx, fmt.Sprintf("runtime filter %d target", spec.Tag), "nil")
	}
	if spec.UpperLimit < 0 {
		return moerr.NewInvalidArg(ctx, fmt.Sprintf("runtime filter %d max in num", spec.Tag), spec.UpperLimit)
	}
	if spec.Contributors < 0 {
		return moerr.NewInvalidArg(ctx, fmt.Sprintf("runtime filter %d contributors", spec.Tag), spec.Contributors)
	}
	typ := spec.Expr.Type().Oid
	switch spec.Kind {
	case RuntimeFilter_BLOOM, RuntimeFilter_IN_OR_BLOOM:
		if spec.BloomFilterSize < 0 || (spec.BloomFilterSize == 0 && spec.ExpectedCard <= 0) {
			return moerr.NewInvalidArg(ctx, fmt.Sprintf("runtime filter %d bloom filter size", spec.Tag), spec.BloomFilterSize)
		}
	case RuntimeFilter_MIN_MAX:
		if typ == types.T_bool || typ == types.T_any {
			return moerr.NewInvalidArg(ctx, fmt.Sprintf("runtime filter %d minmax type", spec.Tag), typ.String())
		}
	case RuntimeFilter_BITMAP:
		if typ != types.T_uint64 {
			return moerr.NewInvalidArg(ctx, fmt.Sprintf("runtime filter %d bitmap type", spec.Tag), typ.String())
		}
	}
	return nil
}

// GetInFilterCardLimitOnPK widens the IN cap for primary key targets, the
// storage can prune blocks by key so larger sets still pay off.
func GetInFilterCardLimitOnPK(tableCnt float64, limit int32) int32 {
	upper := tableCnt * InFilterSelectivityLimit
	if upper > InFilterCardLimitPK {
		upper = InFilterCardLimitPK
	}
	lower := float64(limit)
	if upper < lower {
		upper = lower
	}
	return int32(upper)
}

// ChooseRuntimeFilterKind picks the filter kind for an estimated build
// side cardinality. The second result is false when no filter is worth
// building.
func ChooseRuntimeFilterKind(buildCard float64, onPK bool, tableCnt float64, limit int32) (RuntimeFilterKind, int32, bool) {
	inLimit := limit
	if onPK {
		inLimit = GetInFilterCardLimitOnPK(tableCnt, limit)
	}
	switch {
	case buildCard <= float64(inLimit):
		return RuntimeFilter_IN_OR_BLOOM, inLimit, true
	case buildCard <= BloomFilterCardLimit:
		return RuntimeFilter_BLOOM, inLimit, true
	}
	return RuntimeFilter_IN, inLimit, false
}
