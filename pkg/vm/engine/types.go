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

package engine

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/matrixorigin/scanfilter/pkg/container/valuerange"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
)

type AuxFilterKind uint8

const (
	AuxInFilter AuxFilterKind = iota
	AuxBloomFilter
	AuxBitmapFilter
)

func (k AuxFilterKind) String() string {
	switch k {
	case AuxBloomFilter:
		return "bloom"
	case AuxBitmapFilter:
		return "bitmap"
	}
	return "in"
}

// AuxFilter is a column filter the storage applies besides the value
// ranges: an IN set too large to become a range, or a bloom or bitmap
// runtime filter.
type AuxFilter struct {
	Kind AuxFilterKind
	Col  *plan.ColRef
	// FilterID is the runtime filter the set comes from, 0 for none.
	FilterID int32
	// In holds the members of an IN filter.
	In     map[any]struct{}
	Tester plan.FilterTester
}

// Test reports whether the non-null value v may match.
func (f *AuxFilter) Test(v any) bool {
	if f.Kind == AuxInFilter {
		_, ok := f.In[v]
		return ok
	}
	return f.Tester.Test(v)
}

func (f *AuxFilter) String() string {
	if f.Kind == AuxInFilter {
		return fmt.Sprintf("%s %s(%d values, rf %d)", f.Col.Name, f.Kind, len(f.In), f.FilterID)
	}
	return fmt.Sprintf("%s %s(rf %d)", f.Col.Name, f.Kind, f.FilterID)
}

// FunctionFilter is a like or starts_with predicate with a constant
// pattern, possibly negated. It is only a hint: the predicate itself
// stays in the residual expression.
type FunctionFilter struct {
	Col      *plan.ColRef
	Name     string
	Pattern  string
	Opposite bool
	Expr     plan.Expr
}

func (f *FunctionFilter) String() string {
	not := ""
	if f.Opposite {
		not = "not "
	}
	return fmt.Sprintf("%s%s(%s, '%s')", not, f.Name, f.Col.Name, f.Pattern)
}

// MatchFilter is a full text predicate the storage evaluates in full.
type MatchFilter struct {
	Col  *plan.ColRef
	Expr plan.Expr
}

// CompoundRange is the hull of the rows an OR or NOT predicate on one
// column may accept.
type CompoundRange struct {
	Col   *plan.ColRef
	Range valuerange.ColumnValueRange
}

// PushdownState is what the scan hands to the storage: per column value
// ranges, auxiliary filters and a flag telling that no row can match.
// Every filter of the state is a necessary condition: a row failing one
// of them cannot satisfy the scan predicate.
type PushdownState struct {
	// ColumnRanges is keyed by column position.
	ColumnRanges map[int32]valuerange.ColumnValueRange
	// NotInRanges holds, per column, a fixed set of excluded values.
	NotInRanges     map[int32]valuerange.ColumnValueRange
	CompoundRanges  []*CompoundRange
	AuxFilters      []*AuxFilter
	FunctionFilters []*FunctionFilter
	MatchFilters    []*MatchFilter
	SkipScan        bool
}

func NewPushdownState() *PushdownState {
	return &PushdownState{
		ColumnRanges: make(map[int32]valuerange.ColumnValueRange),
		NotInRanges:  make(map[int32]valuerange.ColumnValueRange),
	}
}

// Clone copies the ranges. Filters are immutable and shared.
func (s *PushdownState) Clone() *PushdownState {
	if s == nil {
		return nil
	}
	c := NewPushdownState()
	for pos, r := range s.ColumnRanges {
		c.ColumnRanges[pos] = r.Clone()
	}
	for pos, r := range s.NotInRanges {
		c.NotInRanges[pos] = r.Clone()
	}
	for _, cr := range s.CompoundRanges {
		c.CompoundRanges = append(c.CompoundRanges, &CompoundRange{Col: cr.Col, Range: cr.Range.Clone()})
	}
	c.AuxFilters = append(c.AuxFilters, s.AuxFilters...)
	c.FunctionFilters = append(c.FunctionFilters, s.FunctionFilters...)
	c.MatchFilters = append(c.MatchFilters, s.MatchFilters...)
	c.SkipScan = s.SkipScan
	return c
}

// Test reports whether row passes every pushed filter. Function filters
// are hints and are not evaluated here.
func (s *PushdownState) Test(row plan.Row) (bool, error) {
	if s == nil {
		return true, nil
	}
	if s.SkipScan {
		return false, nil
	}
	for pos, r := range s.ColumnRanges {
		if !r.Contains(row.Value(pos)) {
			return false, nil
		}
	}
	for pos, r := range s.NotInRanges {
		if v := row.Value(pos); v != nil && r.Contains(v) {
			return false, nil
		}
	}
	for _, cr := range s.CompoundRanges {
		if !cr.Range.Contains(row.Value(cr.Col.ColPos)) {
			return false, nil
		}
	}
	for _, f := range s.AuxFilters {
		v := row.Value(f.Col.ColPos)
		if v == nil || !f.Test(v) {
			return false, nil
		}
	}
	for _, f := range s.MatchFilters {
		ok, err := plan.EvalFilter(f.Expr, row)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func sortedPositions(m map[int32]valuerange.ColumnValueRange) []int32 {
	pos := make([]int32, 0, len(m))
	for p := range m {
		pos = append(pos, p)
	}
	sort.Slice(pos, func(i, j int) bool { return pos[i] < pos[j] })
	return pos
}

func (s *PushdownState) String() string {
	var buf bytes.Buffer
	if s.SkipScan {
		buf.WriteString("skip scan\n")
	}
	for _, pos := range sortedPositions(s.ColumnRanges) {
		r := s.ColumnRanges[pos]
		if r.IsWholeRange() {
			continue
		}
		buf.WriteString("range " + r.String() + "\n")
	}
	for _, pos := range sortedPositions(s.NotInRanges) {
		buf.WriteString("not in " + s.NotInRanges[pos].String() + "\n")
	}
	for _, cr := range s.CompoundRanges {
		buf.WriteString("compound " + cr.Range.String() + "\n")
	}
	for _, f := range s.AuxFilters {
		buf.WriteString("filter " + f.String() + "\n")
	}
	for _, f := range s.FunctionFilters {
		buf.WriteString("function " + f.String() + "\n")
	}
	for _, f := range s.MatchFilters {
		buf.WriteString("match " + f.Expr.String() + "\n")
	}
	return buf.String()
}

// Batch is a set of rows read from one block.
type Batch struct {
	Rows []plan.RowValues
}

func (bat *Batch) RowCount() int {
	if bat == nil {
		return 0
	}
	return len(bat.Rows)
}

func (bat *Batch) IsEmpty() bool {
	return bat.RowCount() == 0
}

// Reader reads the blocks of a relation. Each call reads one block with
// the pushdown state it is given, a state that changes between calls
// only affects blocks read afterwards.
type Reader interface {
	// Read returns the rows of the next block passing state. A nil
	// batch means the reader is exhausted.
	Read(ctx context.Context, state *PushdownState) (*Batch, error)
	Close() error
}

type Relation interface {
	Name() string
	Columns() []*plan.ColRef
	Rows() int64
	// NewReaders splits the relation among num readers.
	NewReaders(ctx context.Context, num int) ([]Reader, error)
}
