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

	"github.com/RoaringBitmap/roaring/roaring64"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
)

var uint64Type = types.T_uint64.ToType()

// BitmapFilter is an exact set of row ids. With notIn set the filter keeps
// the rows absent from the set. Merging unions the sets in both modes: for
// notIn that is the intersection of the kept complements.
type BitmapFilter struct {
	bm    *roaring64.Bitmap
	notIn bool
}

func NewBitmapFilter(notIn bool) *BitmapFilter {
	return &BitmapFilter{
		bm:    roaring64.New(),
		notIn: notIn,
	}
}

func (f *BitmapFilter) Kind() plan.RuntimeFilterKind { return plan.RuntimeFilter_BITMAP }

func (f *BitmapFilter) Type() types.Type { return uint64Type }

func (f *BitmapFilter) NotIn() bool { return f.notIn }

func (f *BitmapFilter) Size() int { return int(f.bm.GetCardinality()) }

func (f *BitmapFilter) Insert(v any) error {
	if v == nil {
		return nil
	}
	v, err := normalize(uint64Type, v)
	if err != nil {
		return err
	}
	f.bm.Add(v.(uint64))
	return nil
}

func (f *BitmapFilter) Merge(other Wrapper) error {
	o, ok := other.(*BitmapFilter)
	if !ok {
		return mismatch(f, other)
	}
	if o.notIn != f.notIn {
		return moerr.NewInvalidArgNoCtx("merge bitmap filter not_in", fmt.Sprintf("%v with %v", f.notIn, o.notIn))
	}
	f.bm.Or(o.bm)
	return nil
}

func (f *BitmapFilter) Test(v any) bool {
	if v == nil {
		return false
	}
	v, err := normalize(uint64Type, v)
	if err != nil {
		return true
	}
	return f.bm.Contains(v.(uint64)) != f.notIn
}

func (f *BitmapFilter) Clone() Wrapper {
	return &BitmapFilter{
		bm:    f.bm.Clone(),
		notIn: f.notIn,
	}
}

func (f *BitmapFilter) Equal(other Wrapper) bool {
	o, ok := other.(*BitmapFilter)
	return ok && o.notIn == f.notIn && f.bm.Equals(o.bm)
}

func (f *BitmapFilter) String() string {
	if f.notIn {
		return fmt.Sprintf("bitmap(not in, %d rows)", f.bm.GetCardinality())
	}
	return fmt.Sprintf("bitmap(%d rows)", f.bm.GetCardinality())
}

// [notIn:u8][roaring64 portable format]
const (
	bitmapFieldNotIn protowire.Number = iota + 1
	bitmapFieldRows
)

func (f *BitmapFilter) marshal(dst []byte) ([]byte, error) {
	data, err := f.bm.MarshalBinary()
	if err != nil {
		return nil, moerr.ConvertGoError(moerr.Context(), err)
	}
	if f.notIn {
		dst = appendBoolField(dst, bitmapFieldNotIn, true)
	}
	return appendBytesField(dst, bitmapFieldRows, data), nil
}

func (f *BitmapFilter) unmarshal(data []byte) error {
	var rows []byte
	f.notIn = false
	r := newWireReader(data)
	for r.next() {
		switch r.num {
		case bitmapFieldNotIn:
			f.notIn = protowire.DecodeBool(r.varint())
		case bitmapFieldRows:
			rows = r.bytes()
		default:
			r.skip()
		}
	}
	if err := r.Err(); err != nil {
		return err
	}
	f.bm = roaring64.New()
	if err := f.bm.UnmarshalBinary(rows); err != nil {
		return moerr.NewInvalidInputNoCtx("invalid bitmap filter payload: %v", err)
	}
	return nil
}
