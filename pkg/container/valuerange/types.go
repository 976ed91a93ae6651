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
	"github.com/google/btree"
	"golang.org/x/exp/constraints"

	"github.com/matrixorigin/scanfilter/pkg/container/types"
)

// NullState tells whether rows holding NULL in the column can match.
type NullState uint8

const (
	// NullUnknown means no predicate constrained nulls yet.
	NullUnknown NullState = iota
	// NullIncluded is set by IS NULL.
	NullIncluded
	// NullExcluded is set by IS NOT NULL and by every value comparison.
	NullExcluded
)

func (s NullState) String() string {
	switch s {
	case NullIncluded:
		return "null"
	case NullExcluded:
		return "not null"
	}
	return "unknown"
}

// RangeOp is the comparison used to tighten a bound.
type RangeOp uint8

const (
	OpGT RangeOp = iota
	OpGE
	OpLT
	OpLE
)

func (op RangeOp) String() string {
	switch op {
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	case OpLT:
		return "<"
	}
	return "<="
}

const btreeDegree = 8

// ValueRange is the candidate value summary of one column of go type T.
// It is either a fixed value set or a bound pair, plus a null state.
type ValueRange[T constraints.Ordered] struct {
	colName string
	typ     types.Type

	// fixed is non nil once the range became a finite set.
	fixed *btree.BTreeG[T]

	low, high         T
	hasLow, hasHigh   bool
	lowIncl, highIncl bool
	// noValue is set when no non-null value can match.
	noValue bool

	nullState NullState

	runtimeFilterMark bool
}

// ColumnValueRange is the type-erased view used by the predicate
// normalizer. Values are passed as the go representation documented in
// package types, nil is NULL. Only *ValueRange[T] implements it.
type ColumnValueRange interface {
	ColumnName() string
	Type() types.Type

	IsEmpty() bool
	IsWholeRange() bool
	IsFixed() bool
	FixedValueSize() int
	FixedValues() []any
	Bounds() (low any, lowIncl bool, high any, highIncl bool)
	NullState() NullState
	Contains(v any) bool

	IntersectFixedValues(vals []any) error
	RemoveFixedValue(v any) error
	AddRange(op RangeOp, v any) error
	SetNullOnly()
	SetNotNull()
	SetEmpty()
	Intersect(other ColumnValueRange) error
	Union(other ColumnValueRange) error
	Complement() (ColumnValueRange, bool)
	Clone() ColumnValueRange
	Equal(other ColumnValueRange) bool

	MarkRuntimeFilter()
	IsRuntimeFilterMarked() bool

	String() string

	sealed()
}
