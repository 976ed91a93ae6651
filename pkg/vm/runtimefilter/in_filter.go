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
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
)

// InFilter is a bounded set of values. Once the set grows past its limit
// the filter overflows: the values are dropped and the filter accepts
// everything. Overflow is absorbing, which keeps Merge associative.
type InFilter struct {
	typ      types.Type
	limit    int
	values   map[any]struct{}
	overflow bool
}

func NewInFilter(typ types.Type, limit int) *InFilter {
	return &InFilter{
		typ:    typ,
		limit:  limit,
		values: make(map[any]struct{}),
	}
}

func (f *InFilter) Kind() plan.RuntimeFilterKind { return plan.RuntimeFilter_IN }

func (f *InFilter) Type() types.Type { return f.typ }

func (f *InFilter) Limit() int { return f.limit }

// Overflow reports whether more than Limit distinct values were seen.
func (f *InFilter) Overflow() bool { return f.overflow }

func (f *InFilter) Size() int { return len(f.values) }

// add inserts without enforcing the limit.
func (f *InFilter) add(v any) error {
	if v == nil {
		return nil
	}
	v, err := normalize(f.typ, v)
	if err != nil {
		return err
	}
	f.values[v] = struct{}{}
	return nil
}

func (f *InFilter) checkOverflow() {
	if len(f.values) > f.limit {
		f.overflow = true
		f.values = make(map[any]struct{})
	}
}

func (f *InFilter) Insert(v any) error {
	if f.overflow {
		return nil
	}
	if err := f.add(v); err != nil {
		return err
	}
	f.checkOverflow()
	return nil
}

func (f *InFilter) Merge(other Wrapper) error {
	o, ok := other.(*InFilter)
	if !ok || !o.typ.Eq(f.typ) {
		return mismatch(f, other)
	}
	if f.overflow {
		return nil
	}
	if o.overflow {
		f.overflow = true
		f.values = make(map[any]struct{})
		return nil
	}
	for v := range o.values {
		f.values[v] = struct{}{}
	}
	f.checkOverflow()
	return nil
}

func (f *InFilter) Test(v any) bool {
	if f.overflow {
		return true
	}
	if v == nil {
		return false
	}
	v, err := normalize(f.typ, v)
	if err != nil {
		return true
	}
	_, ok := f.values[v]
	return ok
}

// Values returns the set in ascending order.
func (f *InFilter) Values() []any {
	vals := make([]any, 0, len(f.values))
	for v := range f.values {
		vals = append(vals, v)
	}
	sortValues(vals)
	return vals
}

func (f *InFilter) Clone() Wrapper {
	c := NewInFilter(f.typ, f.limit)
	c.overflow = f.overflow
	for v := range f.values {
		c.values[v] = struct{}{}
	}
	return c
}

func (f *InFilter) Equal(other Wrapper) bool {
	o, ok := other.(*InFilter)
	if !ok || !o.typ.Eq(f.typ) || o.overflow != f.overflow || len(o.values) != len(f.values) {
		return false
	}
	for v := range f.values {
		if _, ok := o.values[v]; !ok {
			return false
		}
	}
	return true
}

func (f *InFilter) String() string {
	if f.overflow {
		return fmt.Sprintf("in(overflow, limit %d)", f.limit)
	}
	var buf bytes.Buffer
	buf.WriteString("in(")
	for i, v := range f.Values() {
		if i > 0 {
			buf.WriteString(", ")
		}
		if i == 8 {
			fmt.Fprintf(&buf, "... %d more", len(f.values)-i)
			break
		}
		fmt.Fprintf(&buf, "%v", v)
	}
	buf.WriteString(")")
	return buf.String()
}

// [overflow:u8][limit:u32][count:u32]([len:u32][value])*
const (
	inFieldOverflow protowire.Number = iota + 1
	inFieldLimit
	inFieldValue
)

func (f *InFilter) marshal(dst []byte) ([]byte, error) {
	if f.overflow {
		dst = appendBoolField(dst, inFieldOverflow, true)
	}
	dst = appendVarintField(dst, inFieldLimit, uint64(f.limit))
	for _, v := range f.Values() {
		dst = appendValueField(dst, inFieldValue, v)
	}
	return dst, nil
}

func (f *InFilter) unmarshal(data []byte) error {
	f.overflow, f.limit = false, 0
	f.values = make(map[any]struct{})
	r := newWireReader(data)
	for r.next() {
		switch r.num {
		case inFieldOverflow:
			f.overflow = protowire.DecodeBool(r.varint())
		case inFieldLimit:
			f.limit = int(int32(r.varint()))
		case inFieldValue:
			if v := r.value(f.typ.Oid); r.Err() == nil {
				f.values[v] = struct{}{}
			}
		default:
			r.skip()
		}
	}
	return r.Err()
}
