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
	"strings"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
)

// Row gives positional access to the values of one scanned row.
type Row interface {
	Value(colPos int32) any
}

// RowValues is a Row backed by a slice.
type RowValues []any

func (r RowValues) Value(colPos int32) any {
	return r[colPos]
}

// Evaluate computes e on row with SQL three valued logic. A nil result of
// a predicate is UNKNOWN.
func Evaluate(e Expr, row Row) (any, error) {
	switch x := e.(type) {
	case *ColRef:
		if row == nil {
			return nil, moerr.NewInternalErrorNoCtx("evaluate column %s without row", x.Name)
		}
		return row.Value(x.ColPos), nil
	case *Literal:
		return x.Value, nil
	case *CastExpr:
		v, err := Evaluate(x.Child, row)
		if err != nil || v == nil {
			return nil, err
		}
		return CastValue(v, x.Typ.Oid)
	case *FuncExpr:
		return evalFunc(x, row)
	case *InList:
		return evalIn(x, row)
	case *RuntimeFilterPred:
		v, err := Evaluate(x.Target, row)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return false, nil
		}
		return x.Tester.Test(v), nil
	}
	return nil, moerr.NewInternalErrorNoCtx("evaluate unknown expr %T", e)
}

// EvalFilter reports whether row passes e. UNKNOWN does not pass.
func EvalFilter(e Expr, row Row) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := Evaluate(e, row)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	return ok && b, nil
}

// FoldConstant evaluates a constant expression into a literal.
func FoldConstant(e Expr) (*Literal, bool, error) {
	if !IsConstant(e) {
		return nil, false, nil
	}
	if l, ok := e.(*Literal); ok {
		return l, true, nil
	}
	v, err := Evaluate(e, nil)
	if err != nil {
		return nil, false, err
	}
	return NewLiteral(v, e.Type()), true, nil
}

func evalFunc(f *FuncExpr, row Row) (any, error) {
	switch f.Name {
	case FnAnd:
		unknown := false
		for _, a := range f.Args {
			v, err := Evaluate(a, row)
			if err != nil {
				return nil, err
			}
			if v == nil {
				unknown = true
				continue
			}
			if !v.(bool) {
				return false, nil
			}
		}
		if unknown {
			return nil, nil
		}
		return true, nil
	case FnOr:
		unknown := false
		for _, a := range f.Args {
			v, err := Evaluate(a, row)
			if err != nil {
				return nil, err
			}
			if v == nil {
				unknown = true
				continue
			}
			if v.(bool) {
				return true, nil
			}
		}
		if unknown {
			return nil, nil
		}
		return false, nil
	case FnNot:
		v, err := Evaluate(f.Args[0], row)
		if err != nil || v == nil {
			return nil, err
		}
		return !v.(bool), nil
	case FnIsNull, FnIsNotNull:
		v, err := Evaluate(f.Args[0], row)
		if err != nil {
			return nil, err
		}
		return (v == nil) == (f.Name == FnIsNull), nil
	}

	if len(f.Args) != 2 {
		return nil, moerr.NewNotSupported(moerr.Context(), "function %s with %d arguments", f.Name, len(f.Args))
	}
	l, err := Evaluate(f.Args[0], row)
	if err != nil {
		return nil, err
	}
	r, err := Evaluate(f.Args[1], row)
	if err != nil {
		return nil, err
	}
	if l == nil || r == nil {
		return nil, nil
	}

	if IsComparison(f.Name) {
		l, r, err = coerce(l, r)
		if err != nil {
			return nil, err
		}
		c := types.CompareValue(l, r)
		switch f.Name {
		case FnEq:
			return c == 0, nil
		case FnNe:
			return c != 0, nil
		case FnLt:
			return c < 0, nil
		case FnLe:
			return c <= 0, nil
		case FnGt:
			return c > 0, nil
		}
		return c >= 0, nil
	}

	ls, lok := l.(string)
	rs, rok := r.(string)
	if !lok || !rok {
		return nil, moerr.NewInvalidArgNoCtx(f.Name, l)
	}
	switch f.Name {
	case FnLike:
		return likeMatch(ls, rs), nil
	case FnStartsWith:
		return strings.HasPrefix(ls, rs), nil
	case FnMatchAny, FnMatchAll:
		words := strings.Fields(ls)
		for _, tok := range strings.Fields(rs) {
			found := false
			for _, w := range words {
				if w == tok {
					found = true
					break
				}
			}
			if found && f.Name == FnMatchAny {
				return true, nil
			}
			if !found && f.Name == FnMatchAll {
				return false, nil
			}
		}
		return f.Name == FnMatchAll, nil
	case FnMatchPhrase:
		return strings.Contains(" "+strings.Join(strings.Fields(ls), " ")+" ",
			" "+strings.Join(strings.Fields(rs), " ")+" "), nil
	}
	return nil, moerr.NewNotSupported(moerr.Context(), "function %s", f.Name)
}

func evalIn(in *InList, row Row) (any, error) {
	v, err := Evaluate(in.Child, row)
	if err != nil || v == nil {
		return nil, err
	}
	hasNull := false
	for _, l := range in.List {
		if l.Value == nil {
			hasNull = true
			continue
		}
		a, b, err := coerce(v, l.Value)
		if err != nil {
			return nil, err
		}
		if types.CompareValue(a, b) == 0 {
			return !in.Not, nil
		}
	}
	if hasNull {
		return nil, nil
	}
	return in.Not, nil
}

// likeMatch implements LIKE with % and _ wildcards.
func likeMatch(s, p string) bool {
	sr, pr := []rune(s), []rune(p)
	// dp[j] reports whether sr[:i] matches pr[:j]
	dp := make([]bool, len(pr)+1)
	dp[0] = true
	for j := 1; j <= len(pr) && pr[j-1] == '%'; j++ {
		dp[j] = true
	}
	for i := 1; i <= len(sr); i++ {
		prev := dp[0]
		dp[0] = false
		for j := 1; j <= len(pr); j++ {
			cur := dp[j]
			switch pr[j-1] {
			case '%':
				dp[j] = dp[j-1] || dp[j]
			case '_':
				dp[j] = prev
			default:
				dp[j] = prev && pr[j-1] == sr[i-1]
			}
			prev = cur
		}
	}
	return dp[len(pr)]
}

func isSigned(v any) (int64, bool) {
	switch x := v.(type) {
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	if i, ok := isSigned(v); ok {
		return float64(i), true
	}
	switch x := v.(type) {
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// coerce brings two non-null values to a common go type for comparison.
func coerce(a, b any) (any, any, error) {
	if sameGoType(a, b) {
		return a, b, nil
	}
	switch x := a.(type) {
	case types.Date:
		if y, ok := b.(types.Datetime); ok {
			return x.ToDatetime(), y, nil
		}
	case types.Datetime:
		if y, ok := b.(types.Date); ok {
			return x, y.ToDatetime(), nil
		}
	}
	ai, aok := isSigned(a)
	bi, bok := isSigned(b)
	if aok && bok {
		return ai, bi, nil
	}
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af, bf, nil
	}
	return nil, nil, moerr.NewInvalidArgNoCtx("compare operands", [2]any{a, b})
}

func sameGoType(a, b any) bool {
	switch a.(type) {
	case bool:
		_, ok := b.(bool)
		return ok
	case int8:
		_, ok := b.(int8)
		return ok
	case int16:
		_, ok := b.(int16)
		return ok
	case int32:
		_, ok := b.(int32)
		return ok
	case int64:
		_, ok := b.(int64)
		return ok
	case uint8:
		_, ok := b.(uint8)
		return ok
	case uint16:
		_, ok := b.(uint16)
		return ok
	case uint32:
		_, ok := b.(uint32)
		return ok
	case uint64:
		_, ok := b.(uint64)
		return ok
	case float32:
		_, ok := b.(float32)
		return ok
	case float64:
		_, ok := b.(float64)
		return ok
	case types.Date:
		_, ok := b.(types.Date)
		return ok
	case types.Datetime:
		_, ok := b.(types.Datetime)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	}
	return false
}

// CastValue converts a non-null value to the go representation of to.
func CastValue(v any, to types.T) (any, error) {
	switch {
	case to.IsDateFamily():
		switch v.(type) {
		case types.Date, types.Datetime:
			r, _ := types.CastDateFamily(v, to)
			return r, nil
		case string:
			if to == types.T_date {
				return types.ParseDate(v.(string))
			}
			return types.ParseDatetime(v.(string))
		}
	case to.IsStringFamily():
		switch x := v.(type) {
		case string:
			return x, nil
		case types.Date:
			return x.String(), nil
		case types.Datetime:
			return x.String(), nil
		}
	case to.IsInteger():
		i, iok := isSigned(v)
		f, fok := toFloat64(v)
		if !iok && fok {
			i = int64(f)
			iok = true
		}
		if iok {
			switch to {
			case types.T_int8:
				return int8(i), nil
			case types.T_int16:
				return int16(i), nil
			case types.T_int32:
				return int32(i), nil
			case types.T_int64:
				return i, nil
			case types.T_uint8:
				return uint8(i), nil
			case types.T_uint16:
				return uint16(i), nil
			case types.T_uint32:
				return uint32(i), nil
			case types.T_uint64:
				if u, ok := v.(uint64); ok {
					return u, nil
				}
				return uint64(i), nil
			}
		}
	case to.IsFloat():
		if f, ok := toFloat64(v); ok {
			if to == types.T_float32 {
				return float32(f), nil
			}
			return f, nil
		}
	case to == types.T_bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, moerr.NewNotSupported(moerr.Context(), "cast %T to %s", v, to)
}
