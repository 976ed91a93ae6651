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
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
)

// MinMaxFilter keeps the smallest and the largest value seen. An empty
// filter matches nothing.
type MinMaxFilter struct {
	typ      types.Type
	min, max any
}

func NewMinMaxFilter(typ types.Type) *MinMaxFilter {
	return &MinMaxFilter{typ: typ}
}

func (f *MinMaxFilter) Kind() plan.RuntimeFilterKind { return plan.RuntimeFilter_MIN_MAX }

func (f *MinMaxFilter) Type() types.Type { return f.typ }

// Bounds returns the closed interval, ok is false for an empty filter.
func (f *MinMaxFilter) Bounds() (min, max any, ok bool) {
	return f.min, f.max, f.min != nil
}

func (f *MinMaxFilter) Size() int {
	switch {
	case f.min == nil:
		return 0
	case types.CompareValue(f.min, f.max) == 0:
		return 1
	}
	return 2
}

func (f *MinMaxFilter) update(lo, hi any) {
	if f.min == nil || types.CompareValue(lo, f.min) < 0 {
		f.min = lo
	}
	if f.max == nil || types.CompareValue(hi, f.max) > 0 {
		f.max = hi
	}
}

func (f *MinMaxFilter) Insert(v any) error {
	if v == nil {
		return nil
	}
	v, err := normalize(f.typ, v)
	if err != nil {
		return err
	}
	f.update(v, v)
	return nil
}

func (f *MinMaxFilter) Merge(other Wrapper) error {
	o, ok := other.(*MinMaxFilter)
	if !ok || !o.typ.Eq(f.typ) {
		return mismatch(f, other)
	}
	if o.min != nil {
		f.update(o.min, o.max)
	}
	return nil
}

func (f *MinMaxFilter) Test(v any) bool {
	if v == nil || f.min == nil {
		return false
	}
	v, err := normalize(f.typ, v)
	if err != nil {
		return true
	}
	return types.CompareValue(v, f.min) >= 0 && types.CompareValue(v, f.max) <= 0
}

func (f *MinMaxFilter) Clone() Wrapper {
	c := *f
	return &c
}

func (f *MinMaxFilter) Equal(other Wrapper) bool {
	o, ok := other.(*MinMaxFilter)
	if !ok || !o.typ.Eq(f.typ) || (o.min == nil) != (f.min == nil) {
		return false
	}
	if f.min == nil {
		return true
	}
	return types.CompareValue(f.min, o.min) == 0 && types.CompareValue(f.max, o.max) == 0
}

func (f *MinMaxFilter) String() string {
	if f.min == nil {
		return "minmax(empty)"
	}
	return fmt.Sprintf("minmax[%v, %v]", f.min, f.max)
}

// [has:u8]([len:u32][min][len:u32][max])?
const (
	minMaxFieldMin protowire.Number = iota + 1
	minMaxFieldMax
)

func (f *MinMaxFilter) marshal(dst []byte) ([]byte, error) {
	if f.min != nil {
		dst = appendValueField(dst, minMaxFieldMin, f.min)
		dst = appendValueField(dst, minMaxFieldMax, f.max)
	}
	return dst, nil
}

func (f *MinMaxFilter) unmarshal(data []byte) error {
	f.min, f.max = nil, nil
	r := newWireReader(data)
	for r.next() {
		switch r.num {
		case minMaxFieldMin:
			f.min = r.value(f.typ.Oid)
		case minMaxFieldMax:
			f.max = r.value(f.typ.Oid)
		default:
			r.skip()
		}
	}
	if err := r.Err(); err != nil {
		return err
	}
	if (f.min == nil) != (f.max == nil) {
		return moerr.NewInvalidInputNoCtx("min max filter with a single bound")
	}
	return nil
}
