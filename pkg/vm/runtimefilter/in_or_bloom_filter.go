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
	v2 "github.com/matrixorigin/scanfilter/pkg/util/metric/v2"
)

// InOrBloomFilter starts as an exact IN set and turns into a bloom filter
// once the set holds more than limit distinct values. The change is one
// way, every value of the set is moved into the bloom filter first.
//
// The result of any sequence of Insert and Merge depends only on the
// union of the values: an IN set when the union fits the limit, otherwise
// a bloom filter holding the whole union.
type InOrBloomFilter struct {
	typ   types.Type
	limit int
	nbits uint64
	k     uint32

	in    *InFilter
	bloom *BloomFilter
}

func NewInOrBloomFilter(typ types.Type, limit int, nbits uint64, k uint32) *InOrBloomFilter {
	return &InOrBloomFilter{
		typ:   typ,
		limit: limit,
		nbits: nbits,
		k:     k,
		in:    NewInFilter(typ, limit),
	}
}

func (f *InOrBloomFilter) Kind() plan.RuntimeFilterKind { return plan.RuntimeFilter_IN_OR_BLOOM }

func (f *InOrBloomFilter) Type() types.Type { return f.typ }

// IsBloom reports whether the filter degraded to a bloom filter.
func (f *InOrBloomFilter) IsBloom() bool { return f.bloom != nil }

// In returns the IN set, nil once degraded.
func (f *InOrBloomFilter) In() *InFilter { return f.in }

// Bloom returns the bloom filter, nil before degrading.
func (f *InOrBloomFilter) Bloom() *BloomFilter { return f.bloom }

func (f *InOrBloomFilter) Size() int {
	if f.bloom != nil {
		return f.bloom.Size()
	}
	return f.in.Size()
}

func (f *InOrBloomFilter) changeToBloom() error {
	bloom := NewBloomFilter(f.typ, f.nbits, f.k)
	for v := range f.in.values {
		if err := bloom.Insert(v); err != nil {
			return err
		}
	}
	f.bloom = bloom
	f.in = nil
	v2.RuntimeFilterDegradeCounter.Inc()
	return nil
}

func (f *InOrBloomFilter) maybeDegrade() error {
	if f.bloom == nil && f.in.Size() > f.limit {
		return f.changeToBloom()
	}
	return nil
}

func (f *InOrBloomFilter) Insert(v any) error {
	if f.bloom != nil {
		return f.bloom.Insert(v)
	}
	if err := f.in.add(v); err != nil {
		return err
	}
	return f.maybeDegrade()
}

func (f *InOrBloomFilter) Merge(other Wrapper) error {
	o, ok := other.(*InOrBloomFilter)
	if !ok || !o.typ.Eq(f.typ) {
		return mismatch(f, other)
	}
	if o.nbits != f.nbits || o.k != f.k {
		return moerr.NewSizeNotMatchNoCtx(fmt.Sprintf("in_or_bloom filter (%d bits, %d hashes) vs (%d bits, %d hashes)",
			f.nbits, f.k, o.nbits, o.k))
	}
	if o.bloom != nil && f.bloom == nil {
		if err := f.changeToBloom(); err != nil {
			return err
		}
	}
	if f.bloom != nil {
		if o.bloom != nil {
			return f.bloom.Merge(o.bloom)
		}
		for v := range o.in.values {
			if err := f.bloom.Insert(v); err != nil {
				return err
			}
		}
		return nil
	}
	for v := range o.in.values {
		f.in.values[v] = struct{}{}
	}
	return f.maybeDegrade()
}

func (f *InOrBloomFilter) Test(v any) bool {
	if f.bloom != nil {
		return f.bloom.Test(v)
	}
	return f.in.Test(v)
}

func (f *InOrBloomFilter) Clone() Wrapper {
	c := &InOrBloomFilter{
		typ:   f.typ,
		limit: f.limit,
		nbits: f.nbits,
		k:     f.k,
	}
	if f.bloom != nil {
		c.bloom = f.bloom.Clone().(*BloomFilter)
	} else {
		c.in = f.in.Clone().(*InFilter)
	}
	return c
}

func (f *InOrBloomFilter) Equal(other Wrapper) bool {
	o, ok := other.(*InOrBloomFilter)
	if !ok || !o.typ.Eq(f.typ) || o.limit != f.limit || (o.bloom == nil) != (f.bloom == nil) {
		return false
	}
	if f.bloom != nil {
		return f.bloom.Equal(o.bloom)
	}
	return f.in.Equal(o.in)
}

func (f *InOrBloomFilter) String() string {
	if f.bloom != nil {
		return "in_or_bloom:" + f.bloom.String()
	}
	return "in_or_bloom:" + f.in.String()
}

// [limit:u32][nbits:u64][k:u32][bloom:u8][in or bloom body]
const (
	inOrBloomFieldLimit protowire.Number = iota + 1
	inOrBloomFieldBits
	inOrBloomFieldHashes
	inOrBloomFieldIn
	inOrBloomFieldBloom
)

func (f *InOrBloomFilter) marshal(dst []byte) ([]byte, error) {
	dst = appendVarintField(dst, inOrBloomFieldLimit, uint64(f.limit))
	dst = appendVarintField(dst, inOrBloomFieldBits, f.nbits)
	dst = appendVarintField(dst, inOrBloomFieldHashes, uint64(f.k))
	num, inner := inOrBloomFieldIn, Wrapper(f.in)
	if f.bloom != nil {
		num, inner = inOrBloomFieldBloom, f.bloom
	}
	data, err := inner.marshal(nil)
	if err != nil {
		return nil, err
	}
	return appendBytesField(dst, num, data), nil
}

func (f *InOrBloomFilter) unmarshal(data []byte) error {
	f.in, f.bloom = nil, nil
	r := newWireReader(data)
	for r.next() {
		switch r.num {
		case inOrBloomFieldLimit:
			f.limit = int(int32(r.varint()))
		case inOrBloomFieldBits:
			f.nbits = r.varint()
		case inOrBloomFieldHashes:
			f.k = uint32(r.varint())
		case inOrBloomFieldIn:
			if b := r.bytes(); r.Err() == nil {
				f.in = &InFilter{typ: f.typ}
				r.err = f.in.unmarshal(b)
			}
		case inOrBloomFieldBloom:
			if b := r.bytes(); r.Err() == nil {
				f.bloom = &BloomFilter{typ: f.typ}
				r.err = f.bloom.unmarshal(b)
			}
		default:
			r.skip()
		}
	}
	if err := r.Err(); err != nil {
		return err
	}
	if (f.in == nil) == (f.bloom == nil) {
		return moerr.NewInvalidInputNoCtx("in or bloom filter needs exactly one of in and bloom")
	}
	return nil
}
