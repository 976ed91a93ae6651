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
	"github.com/matrixorigin/scanfilter/pkg/container/types"
)

// Function names understood by the scan path.
const (
	FnEq         = "="
	FnNe         = "<>"
	FnLt         = "<"
	FnLe         = "<="
	FnGt         = ">"
	FnGe         = ">="
	FnAnd        = "and"
	FnOr         = "or"
	FnNot        = "not"
	FnIsNull     = "isnull"
	FnIsNotNull  = "isnotnull"
	FnLike       = "like"
	FnStartsWith = "starts_with"

	FnMatchAny    = "match_any"
	FnMatchAll    = "match_all"
	FnMatchPhrase = "match_phrase"
)

// Expr is a node of a conjunct tree. The set of nodes is closed, callers
// switch over the concrete types.
type Expr interface {
	Type() types.Type
	String() string
	exprNode()
}

// RuntimeFilterTag marks an expression derived from a runtime filter.
type RuntimeFilterTag struct {
	FilterID int32
}

// ColRef references a column of the scanned table.
type ColRef struct {
	Name   string
	ColPos int32
	Typ    types.Type
}

// Literal is a constant. A nil Value is NULL.
type Literal struct {
	Value any
	Typ   types.Type
}

type CastExpr struct {
	Child Expr
	Typ   types.Type
}

// FuncExpr is a function call, comparisons and boolean connectives
// included.
type FuncExpr struct {
	Name string
	Args []Expr
	Typ  types.Type
	RF   *RuntimeFilterTag
}

// InList is col [NOT] IN (v1, v2, ...). List holds constants only.
type InList struct {
	Child Expr
	List  []*Literal
	Not   bool
	RF    *RuntimeFilterTag
}

// FilterTester tests a single value against a runtime filter structure.
type FilterTester interface {
	Test(v any) bool
}

type RuntimeFilterPredKind uint8

const (
	BloomFilterPred RuntimeFilterPredKind = iota
	BitmapFilterPred
)

func (k RuntimeFilterPredKind) String() string {
	if k == BitmapFilterPred {
		return "bitmap_filter"
	}
	return "bloom_filter"
}

// RuntimeFilterPred applies a bloom or bitmap runtime filter to Target.
type RuntimeFilterPred struct {
	Kind     RuntimeFilterPredKind
	FilterID int32
	Target   Expr
	Tester   FilterTester
}

func (*ColRef) exprNode()            {}
func (*Literal) exprNode()           {}
func (*CastExpr) exprNode()          {}
func (*FuncExpr) exprNode()          {}
func (*InList) exprNode()            {}
func (*RuntimeFilterPred) exprNode() {}

var boolType = types.T_bool.ToType()

func (c *ColRef) Type() types.Type          { return c.Typ }
func (l *Literal) Type() types.Type         { return l.Typ }
func (c *CastExpr) Type() types.Type        { return c.Typ }
func (f *FuncExpr) Type() types.Type        { return f.Typ }
func (*InList) Type() types.Type            { return boolType }
func (*RuntimeFilterPred) Type() types.Type { return boolType }

// IsNull reports a NULL literal.
func (l *Literal) IsNull() bool {
	return l.Value == nil
}

func NewCol(name string, pos int32, typ types.Type) *ColRef {
	return &ColRef{Name: name, ColPos: pos, Typ: typ}
}

func NewLiteral(v any, typ types.Type) *Literal {
	return &Literal{Value: v, Typ: typ}
}

func NewNull(typ types.Type) *Literal {
	return &Literal{Typ: typ}
}

func NewBool(v bool) *Literal {
	return &Literal{Value: v, Typ: boolType}
}

func NewCast(e Expr, typ types.Type) *CastExpr {
	return &CastExpr{Child: e, Typ: typ}
}

// NewFunc builds a predicate call. Every function known here returns bool.
func NewFunc(name string, args ...Expr) *FuncExpr {
	return &FuncExpr{Name: name, Args: args, Typ: boolType}
}

func NewIn(child Expr, list []*Literal, not bool) *InList {
	return &InList{Child: child, List: list, Not: not}
}

// MakeAnd left folds exprs with AND. It returns nil for no input.
func MakeAnd(exprs ...Expr) Expr {
	var ret Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if ret == nil {
			ret = e
			continue
		}
		ret = NewFunc(FnAnd, ret, e)
	}
	return ret
}

// SplitConjuncts flattens nested AND nodes.
func SplitConjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if f, ok := e.(*FuncExpr); ok && f.Name == FnAnd {
		return append(SplitConjuncts(f.Args[0]), SplitConjuncts(f.Args[1])...)
	}
	return []Expr{e}
}

// IsComparison reports the six binary comparison functions.
func IsComparison(name string) bool {
	switch name {
	case FnEq, FnNe, FnLt, FnLe, FnGt, FnGe:
		return true
	}
	return false
}

// IsMatch reports full text match functions.
func IsMatch(name string) bool {
	switch name {
	case FnMatchAny, FnMatchAll, FnMatchPhrase:
		return true
	}
	return false
}

// SwapComparison returns op such that (a op b) == (b swapped a).
func SwapComparison(name string) string {
	switch name {
	case FnLt:
		return FnGt
	case FnLe:
		return FnGe
	case FnGt:
		return FnLt
	case FnGe:
		return FnLe
	}
	return name
}

// DeepCopyExpr copies the tree. Literal values and filter testers are
// immutable and shared.
func DeepCopyExpr(e Expr) Expr {
	switch x := e.(type) {
	case nil:
		return nil
	case *ColRef:
		c := *x
		return &c
	case *Literal:
		c := *x
		return &c
	case *CastExpr:
		return &CastExpr{Child: DeepCopyExpr(x.Child), Typ: x.Typ}
	case *FuncExpr:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = DeepCopyExpr(a)
		}
		return &FuncExpr{Name: x.Name, Args: args, Typ: x.Typ, RF: x.RF}
	case *InList:
		list := make([]*Literal, len(x.List))
		for i, l := range x.List {
			c := *l
			list[i] = &c
		}
		return &InList{Child: DeepCopyExpr(x.Child), List: list, Not: x.Not, RF: x.RF}
	case *RuntimeFilterPred:
		return &RuntimeFilterPred{Kind: x.Kind, FilterID: x.FilterID, Target: DeepCopyExpr(x.Target), Tester: x.Tester}
	}
	panic("unknown expr")
}

// IsConstant reports an expression referencing no column and no runtime
// filter.
func IsConstant(e Expr) bool {
	switch x := e.(type) {
	case *Literal:
		return true
	case *ColRef, *RuntimeFilterPred:
		return false
	case *CastExpr:
		return IsConstant(x.Child)
	case *FuncExpr:
		for _, a := range x.Args {
			if !IsConstant(a) {
				return false
			}
		}
		return true
	case *InList:
		return IsConstant(x.Child)
	}
	return false
}

// ColumnsOf returns the positions of columns referenced by e.
func ColumnsOf(e Expr) []int32 {
	var cols []int32
	var walk func(Expr)
	walk = func(e Expr) {
		switch x := e.(type) {
		case *ColRef:
			cols = append(cols, x.ColPos)
		case *CastExpr:
			walk(x.Child)
		case *FuncExpr:
			for _, a := range x.Args {
				walk(a)
			}
		case *InList:
			walk(x.Child)
		case *RuntimeFilterPred:
			walk(x.Target)
		}
	}
	walk(e)
	return cols
}
