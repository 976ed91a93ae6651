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

	"github.com/matrixorigin/scanfilter/pkg/common/bloomfilter"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
)

// BloomFilter tests values against a fixed size bloom filter. Values are
// hashed in the canonical encoding of the filter type.
type BloomFilter struct {
	typ types.Type
	bf  *bloomfilter.BloomFilter
	// inserted counts Insert calls, duplicates included.
	inserted uint64
}

func NewBloomFilter(typ types.Type, nbits uint64, k uint32) *BloomFilter {
	return &BloomFilter{
		typ: typ,
		bf:  bloomfilter.New(nbits, k),
	}
}

func (f *BloomFilter) Kind() plan.RuntimeFilterKind { return plan.RuntimeFilter_BLOOM }

func (f *BloomFilter) Type() types.Type { return f.typ }

func (f *BloomFilter) BitSize() uint64 { return f.bf.BitSize() }

func (f *BloomFilter) Size() int { return int(f.inserted) }

func (f *BloomFilter) Insert(v any) error {
	if v == nil {
		return nil
	}
	v, err := normalize(f.typ, v)
	if err != nil {
		return err
	}
	f.bf.Add(types.EncodeValue(nil, v))
	f.inserted++
	return nil
}

func (f *BloomFilter) Merge(other Wrapper) error {
	o, ok := other.(*BloomFilter)
	if !ok || !o.typ.Eq(f.typ) {
		return mismatch(f, other)
	}
	if err := f.bf.Merge(o.bf); err != nil {
		return err
	}
	f.inserted += o.inserted
	return nil
}

func (f *BloomFilter) Test(v any) bool {
	if v == nil {
		return false
	}
	v, err := normalize(f.typ, v)
	if err != nil {
		return true
	}
	return f.bf.Test(types.EncodeValue(nil, v))
}

func (f *BloomFilter) Clone() Wrapper {
	return &BloomFilter{
		typ:      f.typ,
		bf:       f.bf.Clone(),
		inserted: f.inserted,
	}
}

func (f *BloomFilter) Equal(other Wrapper) bool {
	o, ok := other.(*BloomFilter)
	return ok && o.typ.Eq(f.typ) && f.bf.Equal(o.bf)
}

func (f *BloomFilter) String() string {
	return fmt.Sprintf("bloom(%d bits, %d hashes, fill %.3f)", f.bf.BitSize(), f.bf.HashCount(), f.bf.FillRatio())
}

// [inserted:u64][bloom filter]
const (
	bloomFieldInserted protowire.Number = iota + 1
	bloomFieldBits
)

func (f *BloomFilter) marshal(dst []byte) ([]byte, error) {
	data, err := f.bf.Marshal()
	if err != nil {
		return nil, err
	}
	dst = appendVarintField(dst, bloomFieldInserted, f.inserted)
	return appendBytesField(dst, bloomFieldBits, data), nil
}

func (f *BloomFilter) unmarshal(data []byte) error {
	var bits []byte
	r := newWireReader(data)
	for r.next() {
		switch r.num {
		case bloomFieldInserted:
			f.inserted = r.varint()
		case bloomFieldBits:
			bits = r.bytes()
		default:
			r.skip()
		}
	}
	if err := r.Err(); err != nil {
		return err
	}
	f.bf = &bloomfilter.BloomFilter{}
	return f.bf.Unmarshal(bits)
}
