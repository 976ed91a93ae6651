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

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/config"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/container/valuerange"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	v2 "github.com/matrixorigin/scanfilter/pkg/util/metric/v2"
	"github.com/matrixorigin/scanfilter/pkg/vm/engine"
)

// PushDownType classifies how much of a predicate the storage takes over.
type PushDownType uint8

const (
	// Unacceptable leaves the predicate in the residual expression and
	// pushes nothing.
	Unacceptable PushDownType = iota
	// Partial pushes an inexact filter and keeps the predicate.
	Partial
	// Acceptable pushes the predicate in full and removes it.
	Acceptable
)

func (t PushDownType) String() string {
	switch t {
	case Acceptable:
		return "ACCEPTABLE"
	case Partial:
		return "PARTIAL"
	}
	return "UNACCEPTABLE"
}

type NormalizeOptions struct {
	MaxPushdownConditionsPerColumn int
	EnableFunctionPushdown         bool
	EnableMatchPushdown            bool
}

func NormalizeOptionsFromConfig(p *config.RuntimeFilterParameters) NormalizeOptions {
	return NormalizeOptions{
		MaxPushdownConditionsPerColumn: p.MaxPushdownConditionsPerColumn,
		EnableFunctionPushdown:         p.EnableFunctionPushdown,
		EnableMatchPushdown:            p.EnableMatchPushdown,
	}
}

// PredicateNormalizer turns the conjuncts of a scan into a pushdown state
// and the residual expression the scan still evaluates.
type PredicateNormalizer struct {
	opts    NormalizeOptions
	cols    map[int32]*plan.ColRef
	keyCols map[string]struct{}

	// per run
	ctx   context.Context
	state *engine.PushdownState
}

// NewPredicateNormalizer creates a normalizer for a scan of cols. Key
// columns get the bloom, bitmap, match and function pushdown paths.
func NewPredicateNormalizer(cols []*plan.ColRef, keyCols []string, opts NormalizeOptions) *PredicateNormalizer {
	n := &PredicateNormalizer{
		opts:    opts,
		cols:    make(map[int32]*plan.ColRef, len(cols)),
		keyCols: make(map[string]struct{}, len(keyCols)),
	}
	for _, c := range cols {
		n.cols[c.ColPos] = c
	}
	for _, k := range keyCols {
		n.keyCols[k] = struct{}{}
	}
	return n
}

func (n *PredicateNormalizer) isKeyColumn(col *plan.ColRef) bool {
	_, ok := n.keyCols[col.Name]
	return ok
}

// Normalize rewrites a copy of expr, expr itself is left untouched. base
// carries ranges known beforehand and is not modified either. The
// residual is nil when every conjunct was pushed.
func (n *PredicateNormalizer) Normalize(ctx context.Context, expr plan.Expr, base *engine.PushdownState) (plan.Expr, *engine.PushdownState, error) {
	n.ctx = ctx
	n.state = base.Clone()
	if n.state == nil {
		n.state = engine.NewPushdownState()
	}
	defer func() {
		n.ctx, n.state = nil, nil
	}()

	residual, err := n.normalize(plan.DeepCopyExpr(expr))
	if err != nil {
		return nil, nil, err
	}
	state := n.state
	for _, r := range state.ColumnRanges {
		if r.IsEmpty() {
			state.SkipScan = true
		}
	}
	return residual, state, nil
}

func (n *PredicateNormalizer) normalize(e plan.Expr) (plan.Expr, error) {
	if e == nil {
		return nil, nil
	}
	if err := n.ctx.Err(); err != nil {
		return nil, moerr.NewQueryInterrupted(n.ctx)
	}
	if f, ok := e.(*plan.FuncExpr); ok && f.Name == plan.FnAnd {
		var kept []plan.Expr
		for _, arg := range f.Args {
			child, err := n.normalize(arg)
			if err != nil {
				return nil, err
			}
			if child != nil {
				kept = append(kept, child)
			}
		}
		switch len(kept) {
		case 0:
			return nil, nil
		case 1:
			return kept[0], nil
		}
		return &plan.FuncExpr{Name: plan.FnAnd, Args: kept, Typ: f.Typ, RF: f.RF}, nil
	}

	switch pdt := n.normalizeLeaf(e); pdt {
	case Acceptable:
		v2.PushdownAcceptableCounter.Inc()
		return nil, nil
	case Partial:
		v2.PushdownPartialCounter.Inc()
	default:
		v2.PushdownUnacceptableCounter.Inc()
	}
	return e, nil
}

func runtimeFilterOf(e plan.Expr) int32 {
	switch x := e.(type) {
	case *plan.FuncExpr:
		if x.RF != nil {
			return x.RF.FilterID
		}
	case *plan.InList:
		if x.RF != nil {
			return x.RF.FilterID
		}
	case *plan.RuntimeFilterPred:
		return x.FilterID
	}
	return 0
}

func (n *PredicateNormalizer) normalizeLeaf(e plan.Expr) PushDownType {
	if plan.IsConstant(e) {
		return n.normalizeConstant(e)
	}
	rf := runtimeFilterOf(e)

	pdt := Unacceptable
	switch x := e.(type) {
	case *plan.InList:
		if x.Not {
			pdt = n.normalizeNotIn(x)
		} else {
			pdt = n.normalizeIn(x, rf)
		}
	case *plan.RuntimeFilterPred:
		pdt = n.normalizeFilterPred(x)
	case *plan.FuncExpr:
		switch {
		case x.Name == plan.FnNe:
			pdt = n.normalizeNe(x)
		case plan.IsComparison(x.Name), x.Name == plan.FnIsNull, x.Name == plan.FnIsNotNull:
			pdt = n.normalizeRange(x, rf)
		case plan.IsMatch(x.Name):
			pdt = n.normalizeMatch(x)
		case x.Name == plan.FnLike, x.Name == plan.FnStartsWith, x.Name == plan.FnNot:
			pdt = n.normalizeFunction(x)
		}
		if pdt == Unacceptable && (x.Name == plan.FnOr || x.Name == plan.FnNot) {
			pdt = n.normalizeCompound(x, rf)
		}
	}
	return pdt
}

// normalizeConstant pushes a conjunct without column. FALSE and NULL
// make the whole scan empty.
func (n *PredicateNormalizer) normalizeConstant(e plan.Expr) PushDownType {
	lit, ok, err := plan.FoldConstant(e)
	if err != nil || !ok {
		return Unacceptable
	}
	switch v := lit.Value.(type) {
	case nil:
		n.state.SkipScan = true
	case bool:
		if !v {
			n.state.SkipScan = true
		}
	default:
		return Unacceptable
	}
	return Acceptable
}

// resolveColumn finds the scanned column e reads, looking through casts
// that do not change how values compare.
func (n *PredicateNormalizer) resolveColumn(e plan.Expr) (*plan.ColRef, bool) {
	var casts []types.T
	for {
		switch x := e.(type) {
		case *plan.CastExpr:
			casts = append(casts, x.Typ.Oid)
			e = x.Child
			continue
		case *plan.ColRef:
			col, ok := n.cols[x.ColPos]
			if !ok {
				return nil, false
			}
			// a cast of a datetime may drop its time part
			if len(casts) > 0 && col.Typ.Oid == types.T_datetime {
				return nil, false
			}
			for _, oid := range casts {
				if !types.CompatibleForPushdown(col.Typ.Oid, oid) {
					return nil, false
				}
			}
			return col, true
		}
		return nil, false
	}
}

// columnValue converts the literal value v to the representation of col.
// lossy reports a datetime literal compared with a date column that
// loses its time part in the conversion.
func columnValue(col *plan.ColRef, lit *plan.Literal) (v any, lossy bool, ok bool) {
	if lit.Value == nil {
		return nil, false, true
	}
	oid := col.Typ.Oid
	if !types.CompatibleForPushdown(oid, lit.Typ.Oid) {
		return nil, false, false
	}
	switch x := lit.Value.(type) {
	case types.Date, types.Datetime:
		if !oid.IsDateFamily() {
			return nil, false, false
		}
		v, lossy = types.CastDateFamily(x, oid)
		return v, lossy, true
	}
	if !types.CheckValue(oid, lit.Value) {
		return nil, false, false
	}
	return lit.Value, false, true
}

// resolveBinary splits col op const in either order. op is returned as if
// the column were on the left.
func (n *PredicateNormalizer) resolveBinary(f *plan.FuncExpr) (col *plan.ColRef, op string, lit *plan.Literal, ok bool) {
	if len(f.Args) != 2 {
		return nil, "", nil, false
	}
	for i := 0; i < 2; i++ {
		if col, ok = n.resolveColumn(f.Args[i]); !ok {
			continue
		}
		var err error
		if lit, ok, err = plan.FoldConstant(f.Args[1-i]); err != nil || !ok {
			return nil, "", nil, false
		}
		op = f.Name
		if i == 1 {
			op = plan.SwapComparison(op)
		}
		return col, op, lit, true
	}
	return nil, "", nil, false
}

func (n *PredicateNormalizer) columnRange(col *plan.ColRef) (valuerange.ColumnValueRange, bool) {
	if r, ok := n.state.ColumnRanges[col.ColPos]; ok {
		return r, true
	}
	r, err := valuerange.New(col.Name, col.Typ)
	if err != nil {
		return nil, false
	}
	n.state.ColumnRanges[col.ColPos] = r
	return r, true
}

var rangeOps = map[string]valuerange.RangeOp{
	plan.FnLt: valuerange.OpLT,
	plan.FnLe: valuerange.OpLE,
	plan.FnGt: valuerange.OpGT,
	plan.FnGe: valuerange.OpGE,
}

// leafRange returns a fresh range holding the values a comparison (other
// than <>), IN or IS [NOT] NULL leaf accepts.
func (n *PredicateNormalizer) leafRange(e plan.Expr) (*plan.ColRef, valuerange.ColumnValueRange, bool) {
	switch x := e.(type) {
	case *plan.InList:
		if x.Not {
			return nil, nil, false
		}
		col, ok := n.resolveColumn(x.Child)
		if !ok {
			return nil, nil, false
		}
		r, err := valuerange.New(col.Name, col.Typ)
		if err != nil {
			return nil, nil, false
		}
		vals := make([]any, 0, len(x.List))
		for _, lit := range x.List {
			v, lossy, ok := columnValue(col, lit)
			if !ok {
				return nil, nil, false
			}
			// NULL and truncated members never match
			if v != nil && !lossy {
				vals = append(vals, v)
			}
		}
		if err = r.IntersectFixedValues(vals); err != nil {
			return nil, nil, false
		}
		return col, r, true

	case *plan.FuncExpr:
		if x.Name == plan.FnIsNull || x.Name == plan.FnIsNotNull {
			if len(x.Args) != 1 {
				return nil, nil, false
			}
			col, ok := n.resolveColumn(x.Args[0])
			if !ok {
				return nil, nil, false
			}
			r, err := valuerange.New(col.Name, col.Typ)
			if err != nil {
				return nil, nil, false
			}
			if x.Name == plan.FnIsNull {
				r.SetNullOnly()
			} else {
				r.SetNotNull()
			}
			return col, r, true
		}
		if !plan.IsComparison(x.Name) || x.Name == plan.FnNe {
			return nil, nil, false
		}
		col, op, lit, ok := n.resolveBinary(x)
		if !ok {
			return nil, nil, false
		}
		v, lossy, ok := columnValue(col, lit)
		if !ok {
			return nil, nil, false
		}
		r, err := valuerange.New(col.Name, col.Typ)
		if err != nil {
			return nil, nil, false
		}
		switch {
		case v == nil:
			// comparing with NULL is never true
			r.SetEmpty()
		case op == plan.FnEq:
			if lossy {
				r.SetEmpty()
			} else if err = r.IntersectFixedValues([]any{v}); err != nil {
				return nil, nil, false
			}
		default:
			rop := rangeOps[op]
			if lossy && (rop == valuerange.OpLT || rop == valuerange.OpGE) {
				v = v.(types.Date) + 1
			}
			if err = r.AddRange(rop, v); err != nil {
				return nil, nil, false
			}
		}
		return col, r, true
	}
	return nil, nil, false
}

// normalizeRange folds =, <, <=, >, >= and IS [NOT] NULL into the column
// range.
func (n *PredicateNormalizer) normalizeRange(f *plan.FuncExpr, rf int32) PushDownType {
	col, tmp, ok := n.leafRange(f)
	if !ok {
		return Unacceptable
	}
	return n.intersect(col, tmp, rf)
}

func (n *PredicateNormalizer) intersect(col *plan.ColRef, tmp valuerange.ColumnValueRange, rf int32) PushDownType {
	r, ok := n.columnRange(col)
	if !ok {
		return Unacceptable
	}
	if rf != 0 {
		tmp.MarkRuntimeFilter()
	}
	if err := r.Intersect(tmp); err != nil {
		return Unacceptable
	}
	return Acceptable
}

// normalizeIn pushes col IN (list). Lists over the per column limit stay
// in the residual expression, unless they come from a runtime filter:
// those become an auxiliary IN filter.
func (n *PredicateNormalizer) normalizeIn(x *plan.InList, rf int32) PushDownType {
	if len(x.List) > n.opts.MaxPushdownConditionsPerColumn {
		if rf == 0 {
			return Unacceptable
		}
		col, ok := n.resolveColumn(x.Child)
		if !ok {
			return Unacceptable
		}
		set := make(map[any]struct{}, len(x.List))
		for _, lit := range x.List {
			v, lossy, ok := columnValue(col, lit)
			if !ok {
				return Unacceptable
			}
			if v != nil && !lossy {
				set[v] = struct{}{}
			}
		}
		n.state.AuxFilters = append(n.state.AuxFilters, &engine.AuxFilter{
			Kind:     engine.AuxInFilter,
			Col:      col,
			FilterID: rf,
			In:       set,
		})
		return Acceptable
	}
	col, tmp, ok := n.leafRange(x)
	if !ok {
		return Unacceptable
	}
	return n.intersect(col, tmp, rf)
}

// normalizeExcluded pushes col <> v and col NOT IN (vals). A fixed range
// loses the values, otherwise they go to the column's not-in set while it
// stays under the per column limit.
func (n *PredicateNormalizer) normalizeExcluded(col *plan.ColRef, lits []*plan.Literal) PushDownType {
	vals := make([]any, 0, len(lits))
	for _, lit := range lits {
		v, lossy, ok := columnValue(col, lit)
		if !ok {
			return Unacceptable
		}
		if v == nil {
			// x <> NULL and x NOT IN (.., NULL) are never true
			r, ok := n.columnRange(col)
			if !ok {
				return Unacceptable
			}
			r.SetEmpty()
			n.state.SkipScan = true
			return Acceptable
		}
		// a truncated value equals no row
		if !lossy {
			vals = append(vals, v)
		}
	}

	r, ok := n.columnRange(col)
	if !ok {
		return Unacceptable
	}
	if r.IsFixed() {
		for _, v := range vals {
			if err := r.RemoveFixedValue(v); err != nil {
				return Unacceptable
			}
		}
		r.SetNotNull()
		return Acceptable
	}
	if len(vals) == 0 {
		r.SetNotNull()
		return Acceptable
	}

	notIn, ok := n.state.NotInRanges[col.ColPos]
	if ok {
		vals = append(vals, notIn.FixedValues()...)
	}
	next, err := valuerange.New(col.Name, col.Typ)
	if err != nil {
		return Unacceptable
	}
	if err = next.IntersectFixedValues(vals); err != nil {
		return Unacceptable
	}
	if next.FixedValueSize() > n.opts.MaxPushdownConditionsPerColumn {
		return Unacceptable
	}
	n.state.NotInRanges[col.ColPos] = next
	r.SetNotNull()
	return Acceptable
}

func (n *PredicateNormalizer) normalizeNe(f *plan.FuncExpr) PushDownType {
	col, _, lit, ok := n.resolveBinary(f)
	if !ok {
		return Unacceptable
	}
	return n.normalizeExcluded(col, []*plan.Literal{lit})
}

func (n *PredicateNormalizer) normalizeNotIn(x *plan.InList) PushDownType {
	col, ok := n.resolveColumn(x.Child)
	if !ok {
		return Unacceptable
	}
	return n.normalizeExcluded(col, x.List)
}

func (n *PredicateNormalizer) normalizeMatch(f *plan.FuncExpr) PushDownType {
	if !n.opts.EnableMatchPushdown || len(f.Args) != 2 {
		return Unacceptable
	}
	col, ok := n.resolveColumn(f.Args[0])
	if !ok || !n.isKeyColumn(col) || !plan.IsConstant(f.Args[1]) {
		return Unacceptable
	}
	n.state.MatchFilters = append(n.state.MatchFilters, &engine.MatchFilter{Col: col, Expr: f})
	return Acceptable
}

// normalizeFilterPred pushes bloom and bitmap runtime filters on key
// columns as auxiliary filters. They never touch the value range.
func (n *PredicateNormalizer) normalizeFilterPred(p *plan.RuntimeFilterPred) PushDownType {
	col, ok := n.resolveColumn(p.Target)
	if !ok || !n.isKeyColumn(col) {
		return Unacceptable
	}
	kind := engine.AuxBloomFilter
	if p.Kind == plan.BitmapFilterPred {
		kind = engine.AuxBitmapFilter
	}
	n.state.AuxFilters = append(n.state.AuxFilters, &engine.AuxFilter{
		Kind:     kind,
		Col:      col,
		FilterID: p.FilterID,
		Tester:   p.Tester,
	})
	return Acceptable
}

// normalizeFunction records like and starts_with on a key column, or
// their negation, as a function filter hint.
func (n *PredicateNormalizer) normalizeFunction(f *plan.FuncExpr) PushDownType {
	if !n.opts.EnableFunctionPushdown {
		return Unacceptable
	}
	opposite := false
	if f.Name == plan.FnNot {
		if len(f.Args) != 1 {
			return Unacceptable
		}
		inner, ok := f.Args[0].(*plan.FuncExpr)
		if !ok {
			return Unacceptable
		}
		f, opposite = inner, true
	}
	if (f.Name != plan.FnLike && f.Name != plan.FnStartsWith) || len(f.Args) != 2 {
		return Unacceptable
	}
	col, ok := n.resolveColumn(f.Args[0])
	if !ok || !n.isKeyColumn(col) || !col.Typ.Oid.IsStringFamily() {
		return Unacceptable
	}
	lit, ok, err := plan.FoldConstant(f.Args[1])
	if err != nil || !ok {
		return Unacceptable
	}
	pattern, ok := lit.Value.(string)
	if !ok {
		return Unacceptable
	}
	n.state.FunctionFilters = append(n.state.FunctionFilters, &engine.FunctionFilter{
		Col:      col,
		Name:     f.Name,
		Pattern:  pattern,
		Opposite: opposite,
		Expr:     f,
	})
	return Partial
}

// normalizeCompound records the hull of what an OR or NOT predicate on a
// single column accepts. The predicate stays in the residual expression.
func (n *PredicateNormalizer) normalizeCompound(f *plan.FuncExpr, rf int32) PushDownType {
	col, r, _, ok := n.compoundRange(f)
	if !ok || r.IsWholeRange() {
		return Unacceptable
	}
	if rf != 0 {
		r.MarkRuntimeFilter()
	}
	n.state.CompoundRanges = append(n.state.CompoundRanges, &engine.CompoundRange{Col: col, Range: r})
	return Partial
}

// compoundRange returns a range on one column that every row satisfying
// e falls in. exact reports that the range holds those rows and no others,
// only exact ranges may be complemented.
func (n *PredicateNormalizer) compoundRange(e plan.Expr) (col *plan.ColRef, r valuerange.ColumnValueRange, exact bool, ok bool) {
	f, isFunc := e.(*plan.FuncExpr)
	if !isFunc {
		col, r, ok = n.leafRange(e)
		return col, r, ok, ok
	}
	switch f.Name {
	case plan.FnOr:
		for _, arg := range f.Args {
			c, cr, _, cok := n.compoundRange(arg)
			if !cok || (col != nil && c.ColPos != col.ColPos) {
				return nil, nil, false, false
			}
			if r == nil {
				col, r = c, cr
				continue
			}
			if err := r.Union(cr); err != nil {
				return nil, nil, false, false
			}
		}
		// the union of bound pairs is a hull
		return col, r, false, r != nil
	case plan.FnAnd:
		exact = true
		for _, arg := range f.Args {
			c, cr, cexact, cok := n.compoundRange(arg)
			if !cok {
				exact = false
				continue
			}
			if r == nil {
				col, r, exact = c, cr, exact && cexact
				continue
			}
			if c.ColPos != col.ColPos {
				exact = false
				continue
			}
			if err := r.Intersect(cr); err != nil {
				return nil, nil, false, false
			}
			exact = exact && cexact
		}
		return col, r, exact && r != nil, r != nil
	case plan.FnNot:
		if len(f.Args) != 1 {
			return nil, nil, false, false
		}
		if inner, isFunc := f.Args[0].(*plan.FuncExpr); isFunc && inner.Name == plan.FnIsNull {
			col, r, ok = n.leafRange(plan.NewFunc(plan.FnIsNotNull, inner.Args...))
			return col, r, ok, ok
		}
		col, r, exact, ok = n.compoundRange(f.Args[0])
		if !ok || !exact {
			return nil, nil, false, false
		}
		c, ok := r.Complement()
		return col, c, ok, ok
	case plan.FnNe:
		col, _, lit, ok := n.resolveBinary(f)
		if !ok {
			return nil, nil, false, false
		}
		r, err := valuerange.New(col.Name, col.Typ)
		if err != nil {
			return nil, nil, false, false
		}
		if lit.Value == nil {
			r.SetEmpty()
			return col, r, true, true
		}
		r.SetNotNull()
		return col, r, false, true
	}
	col, r, ok = n.leafRange(f)
	return col, r, ok, ok
}
