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

package valuerange

import (
	"bytes"
	"fmt"

	"github.com/google/btree"
	"golang.org/x/exp/constraints"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
)

// New returns the whole range of a column. Types without a total order
// usable for pushdown are rejected.
func New(colName string, typ types.Type) (ColumnValueRange, error) {
	switch typ.Oid {
	case types.T_int8:
		return NewValueRange[int8](colName, typ), nil
	case types.T_int16:
		return NewValueRange[int16](colName, typ), nil
	case types.T_int32:
		return NewValueRange[int32](colName, typ), nil
	case types.T_int64:
		return NewValueRange[int64](colName, typ), nil
	case types.T_uint8:
		return NewValueRange[uint8](colName, typ), nil
	case types.T_uint16:
		return NewValueRange[uint16](colName, typ), nil
	case types.T_uint32:
		return NewValueRange[uint32](colName, typ), nil
	case types.T_uint64:
		return NewValueRange[uint64](colName, typ), nil
	case types.T_float32:
		return NewValueRange[float32](colName, typ), nil
	case types.T_float64:
		return NewValueRange[float64](colName, typ), nil
	case types.T_date:
		return NewValueRange[types.Date](colName, typ), nil
	case types.T_datetime:
		return NewValueRange[types.Datetime](colName, typ), nil
	case types.T_char, types.T_varchar, types.T_text:
		return NewValueRange[string](colName, typ), nil
	}
	return nil, moerr.NewNotSupported(moerr.Context(), "value range of type %s", typ)
}

func NewValueRange[T constraints.Ordered](colName string, typ types.Type) *ValueRange[T] {
	return &ValueRange[T]{colName: colName, typ: typ}
}

func less[T constraints.Ordered](a, b T) bool {
	return a < b
}

func newFixedSet[T constraints.Ordered]() *btree.BTreeG[T] {
	return btree.NewG[T](btreeDegree, less[T])
}

func (r *ValueRange[T]) sealed() {}

func (r *ValueRange[T]) ColumnName() string { return r.colName }

func (r *ValueRange[T]) Type() types.Type { return r.typ }

func (r *ValueRange[T]) NullState() NullState { return r.nullState }

func (r *ValueRange[T]) MarkRuntimeFilter() { r.runtimeFilterMark = true }

func (r *ValueRange[T]) IsRuntimeFilterMarked() bool { return r.runtimeFilterMark }

func (r *ValueRange[T]) IsFixed() bool {
	return r.fixed != nil
}

func (r *ValueRange[T]) FixedValueSize() int {
	if r.fixed == nil {
		return 0
	}
	return r.fixed.Len()
}

// valueEmpty reports whether no non-null value can match.
func (r *ValueRange[T]) valueEmpty() bool {
	if r.noValue {
		return true
	}
	if r.fixed != nil {
		return r.fixed.Len() == 0
	}
	if r.hasLow && r.hasHigh {
		if r.low > r.high {
			return true
		}
		if r.low == r.high && !(r.lowIncl && r.highIncl) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether no row can match, the scan can be skipped.
func (r *ValueRange[T]) IsEmpty() bool {
	return r.valueEmpty() && r.nullState == NullExcluded
}

func (r *ValueRange[T]) IsWholeRange() bool {
	return !r.noValue && r.fixed == nil && !r.hasLow && !r.hasHigh && r.nullState == NullUnknown
}

func (r *ValueRange[T]) inBounds(v T) bool {
	if r.hasLow && (v < r.low || (v == r.low && !r.lowIncl)) {
		return false
	}
	if r.hasHigh && (v > r.high || (v == r.high && !r.highIncl)) {
		return false
	}
	return true
}

// ContainsValue reports whether the non-null value v can match.
func (r *ValueRange[T]) ContainsValue(v T) bool {
	if r.noValue {
		return false
	}
	if r.fixed != nil {
		return r.fixed.Has(v)
	}
	return r.inBounds(v)
}

func (r *ValueRange[T]) Contains(v any) bool {
	if v == nil {
		return r.nullState != NullExcluded
	}
	x, ok := v.(T)
	if !ok {
		return false
	}
	return r.ContainsValue(x)
}

func (r *ValueRange[T]) FixedValues() []any {
	if r.fixed == nil {
		return nil
	}
	vals := make([]any, 0, r.fixed.Len())
	r.fixed.Ascend(func(v T) bool {
		vals = append(vals, v)
		return true
	})
	return vals
}

// TypedFixedValues returns the fixed set in ascending order.
func (r *ValueRange[T]) TypedFixedValues() []T {
	if r.fixed == nil {
		return nil
	}
	vals := make([]T, 0, r.fixed.Len())
	r.fixed.Ascend(func(v T) bool {
		vals = append(vals, v)
		return true
	})
	return vals
}

func (r *ValueRange[T]) Bounds() (low any, lowIncl bool, high any, highIncl bool) {
	if r.fixed != nil {
		if lo, ok := r.fixed.Min(); ok {
			hi, _ := r.fixed.Max()
			return lo, true, hi, true
		}
		return nil, false, nil, false
	}
	if r.hasLow {
		low, lowIncl = r.low, r.lowIncl
	}
	if r.hasHigh {
		high, highIncl = r.high, r.highIncl
	}
	return
}

func (r *ValueRange[T]) toT(v any) (T, error) {
	x, ok := v.(T)
	if !ok {
		var zero T
		return zero, moerr.NewInvalidArgNoCtx(fmt.Sprintf("value for column %s", r.colName), fmt.Sprintf("%v(%T)", v, v))
	}
	return x, nil
}

// IntersectFixed narrows the range to the members of vals it accepts. NULL
// never equals anything so nulls are excluded.
func (r *ValueRange[T]) IntersectFixed(vals []T) {
	set := newFixedSet[T]()
	for _, v := range vals {
		if r.ContainsValue(v) {
			set.ReplaceOrInsert(v)
		}
	}
	r.fixed = set
	r.clearBounds()
	r.nullState = NullExcluded
}

func (r *ValueRange[T]) IntersectFixedValues(vals []any) error {
	typed := make([]T, 0, len(vals))
	for _, v := range vals {
		if v == nil {
			continue
		}
		x, err := r.toT(v)
		if err != nil {
			return err
		}
		typed = append(typed, x)
	}
	r.IntersectFixed(typed)
	return nil
}

func (r *ValueRange[T]) RemoveFixedValue(v any) error {
	if r.fixed == nil {
		return moerr.NewInvalidStateNoCtx("remove value from non fixed range of column %s", r.colName)
	}
	if v == nil {
		return nil
	}
	x, err := r.toT(v)
	if err != nil {
		return err
	}
	r.fixed.Delete(x)
	return nil
}

// Tighten applies one bound. Comparisons reject nulls.
func (r *ValueRange[T]) Tighten(op RangeOp, v T) {
	r.nullState = NullExcluded
	r.tighten(op, v)
}

func (r *ValueRange[T]) tighten(op RangeOp, v T) {
	if r.fixed != nil {
		var drop []T
		r.fixed.Ascend(func(x T) bool {
			if !satisfies(op, x, v) {
				drop = append(drop, x)
			}
			return true
		})
		for _, x := range drop {
			r.fixed.Delete(x)
		}
		return
	}
	switch op {
	case OpGT, OpGE:
		incl := op == OpGE
		if !r.hasLow || v > r.low || (v == r.low && r.lowIncl && !incl) {
			r.low, r.lowIncl, r.hasLow = v, incl, true
		}
	case OpLT, OpLE:
		incl := op == OpLE
		if !r.hasHigh || v < r.high || (v == r.high && r.highIncl && !incl) {
			r.high, r.highIncl, r.hasHigh = v, incl, true
		}
	}
}

func satisfies[T constraints.Ordered](op RangeOp, x, v T) bool {
	switch op {
	case OpGT:
		return x > v
	case OpGE:
		return x >= v
	case OpLT:
		return x < v
	}
	return x <= v
}

func (r *ValueRange[T]) AddRange(op RangeOp, v any) error {
	if v == nil {
		r.SetEmpty()
		return nil
	}
	x, err := r.toT(v)
	if err != nil {
		return err
	}
	r.Tighten(op, x)
	return nil
}

func (r *ValueRange[T]) clearBounds() {
	var zero T
	r.low, r.high = zero, zero
	r.hasLow, r.hasHigh = false, false
	r.lowIncl, r.highIncl = false, false
}

// SetNullOnly keeps rows whose value is NULL, if nulls were not excluded.
func (r *ValueRange[T]) SetNullOnly() {
	r.noValue = true
	r.fixed = nil
	r.clearBounds()
	if r.nullState != NullExcluded {
		r.nullState = NullIncluded
	}
}

func (r *ValueRange[T]) SetNotNull() {
	r.nullState = NullExcluded
}

func (r *ValueRange[T]) SetEmpty() {
	r.noValue = true
	r.fixed = nil
	r.clearBounds()
	r.nullState = NullExcluded
}

func (r *ValueRange[T]) cast(other ColumnValueRange) (*ValueRange[T], error) {
	o, ok := other.(*ValueRange[T])
	if !ok {
		return nil, moerr.NewInvalidArgNoCtx("value range type", fmt.Sprintf("%s vs %s", r.typ, other.Type()))
	}
	return o, nil
}

func (r *ValueRange[T]) Intersect(other ColumnValueRange) error {
	o, err := r.cast(other)
	if err != nil {
		return err
	}
	r.IntersectRange(o)
	return nil
}

// IntersectRange is AND: the result accepts what both accept.
func (r *ValueRange[T]) IntersectRange(o *ValueRange[T]) {
	switch {
	case r.nullState == NullExcluded || o.nullState == NullExcluded:
		r.nullState = NullExcluded
	case r.nullState == NullIncluded || o.nullState == NullIncluded:
		r.nullState = NullIncluded
	}
	r.runtimeFilterMark = r.runtimeFilterMark || o.runtimeFilterMark

	switch {
	case o.valueEmpty():
		r.noValue = true
		r.fixed = nil
		r.clearBounds()
	case r.valueEmpty():
	case o.fixed != nil:
		set := newFixedSet[T]()
		o.fixed.Ascend(func(v T) bool {
			if r.ContainsValue(v) {
				set.ReplaceOrInsert(v)
			}
			return true
		})
		r.fixed = set
		r.clearBounds()
	default:
		if o.hasLow {
			op := OpGT
			if o.lowIncl {
				op = OpGE
			}
			r.tighten(op, o.low)
		}
		if o.hasHigh {
			op := OpLT
			if o.highIncl {
				op = OpLE
			}
			r.tighten(op, o.high)
		}
	}
}

func (r *ValueRange[T]) Union(other ColumnValueRange) error {
	o, err := r.cast(other)
	if err != nil {
		return err
	}
	r.UnionRange(o)
	return nil
}

// UnionRange is OR. Sets union exactly, otherwise the result is the
// smallest bound pair covering both sides, a superset of the OR.
func (r *ValueRange[T]) UnionRange(o *ValueRange[T]) {
	switch {
	case r.nullState == NullExcluded && o.nullState == NullExcluded:
	case r.nullState == NullUnknown || o.nullState == NullUnknown:
		r.nullState = NullUnknown
	default:
		r.nullState = NullIncluded
	}
	r.runtimeFilterMark = r.runtimeFilterMark || o.runtimeFilterMark

	if o.valueEmpty() {
		return
	}
	if r.valueEmpty() {
		r.noValue = false
		r.copyValues(o)
		return
	}
	if r.fixed != nil && o.fixed != nil {
		o.fixed.Ascend(func(v T) bool {
			r.fixed.ReplaceOrInsert(v)
			return true
		})
		return
	}
	rl, rlIncl, rHasLow, rh, rhIncl, rHasHigh := r.hull()
	ol, olIncl, oHasLow, oh, ohIncl, oHasHigh := o.hull()
	r.fixed = nil
	r.clearBounds()
	if rHasLow && oHasLow {
		r.hasLow = true
		switch {
		case rl < ol:
			r.low, r.lowIncl = rl, rlIncl
		case ol < rl:
			r.low, r.lowIncl = ol, olIncl
		default:
			r.low, r.lowIncl = rl, rlIncl || olIncl
		}
	}
	if rHasHigh && oHasHigh {
		r.hasHigh = true
		switch {
		case rh > oh:
			r.high, r.highIncl = rh, rhIncl
		case oh > rh:
			r.high, r.highIncl = oh, ohIncl
		default:
			r.high, r.highIncl = rh, rhIncl || ohIncl
		}
	}
}

func (r *ValueRange[T]) hull() (low T, lowIncl, hasLow bool, high T, highIncl, hasHigh bool) {
	if r.fixed != nil {
		low, _ = r.fixed.Min()
		high, _ = r.fixed.Max()
		return low, true, true, high, true, true
	}
	return r.low, r.lowIncl, r.hasLow, r.high, r.highIncl, r.hasHigh
}

func (r *ValueRange[T]) copyValues(o *ValueRange[T]) {
	r.noValue = o.noValue
	if o.fixed != nil {
		r.fixed = o.fixed.Clone()
	} else {
		r.fixed = nil
	}
	r.low, r.lowIncl, r.hasLow = o.low, o.lowIncl, o.hasLow
	r.high, r.highIncl, r.hasHigh = o.high, o.highIncl, o.hasHigh
}

// Complement returns NOT r when it is expressible as a single range, that
// is for a one sided bound. NOT of a comparison still rejects nulls.
func (r *ValueRange[T]) Complement() (ColumnValueRange, bool) {
	if r.fixed != nil || r.noValue || r.hasLow == r.hasHigh {
		return nil, false
	}
	c := NewValueRange[T](r.colName, r.typ)
	c.nullState = NullExcluded
	if r.hasLow {
		op := OpLE
		if r.lowIncl {
			op = OpLT
		}
		c.tighten(op, r.low)
	} else {
		op := OpGE
		if r.highIncl {
			op = OpGT
		}
		c.tighten(op, r.high)
	}
	return c, true
}

func (r *ValueRange[T]) Clone() ColumnValueRange {
	return r.CloneRange()
}

func (r *ValueRange[T]) CloneRange() *ValueRange[T] {
	c := *r
	if r.fixed != nil {
		c.fixed = r.fixed.Clone()
	}
	return &c
}

func (r *ValueRange[T]) Equal(other ColumnValueRange) bool {
	o, ok := other.(*ValueRange[T])
	if !ok {
		return false
	}
	if r.nullState != o.nullState {
		return false
	}
	re, oe := r.valueEmpty(), o.valueEmpty()
	if re || oe {
		return re == oe
	}
	if (r.fixed == nil) != (o.fixed == nil) {
		return false
	}
	if r.fixed != nil {
		if r.fixed.Len() != o.fixed.Len() {
			return false
		}
		eq := true
		r.fixed.Ascend(func(v T) bool {
			eq = o.fixed.Has(v)
			return eq
		})
		return eq
	}
	if r.hasLow != o.hasLow || r.hasHigh != o.hasHigh {
		return false
	}
	if r.hasLow && (r.low != o.low || r.lowIncl != o.lowIncl) {
		return false
	}
	if r.hasHigh && (r.high != o.high || r.highIncl != o.highIncl) {
		return false
	}
	return true
}

func (r *ValueRange[T]) String() string {
	var buf bytes.Buffer
	buf.WriteString(r.colName)
	buf.WriteString(": ")
	switch {
	case r.valueEmpty():
		buf.WriteString("{}")
	case r.fixed != nil:
		buf.WriteString("{")
		i := 0
		r.fixed.Ascend(func(v T) bool {
			if i > 0 {
				buf.WriteString(", ")
			}
			fmt.Fprintf(&buf, "%v", v)
			i++
			return true
		})
		buf.WriteString("}")
	default:
		if r.hasLow {
			if r.lowIncl {
				buf.WriteString("[")
			} else {
				buf.WriteString("(")
			}
			fmt.Fprintf(&buf, "%v", r.low)
		} else {
			buf.WriteString("(-inf")
		}
		buf.WriteString(", ")
		if r.hasHigh {
			fmt.Fprintf(&buf, "%v", r.high)
			if r.highIncl {
				buf.WriteString("]")
			} else {
				buf.WriteString(")")
			}
		} else {
			buf.WriteString("+inf)")
		}
	}
	if r.nullState != NullUnknown {
		buf.WriteString(" ")
		buf.WriteString(r.nullState.String())
	}
	if r.runtimeFilterMark {
		buf.WriteString(" (runtime filter)")
	}
	return buf.String()
}
