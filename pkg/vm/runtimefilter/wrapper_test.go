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
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
)

var int32Type = types.T_int32.ToType()

func newTestSpec(tag int32, kind plan.RuntimeFilterKind, limit int32) *plan.RuntimeFilterSpec {
	typ := int32Type
	if kind == plan.RuntimeFilter_BITMAP {
		typ = uint64Type
	}
	spec := plan.MakeRuntimeFilter(tag, kind, limit, plan.NewCol("a", 0, typ))
	spec.ExpectedCard = 1000
	return spec
}

func newTestWrapper(t *testing.T, spec *plan.RuntimeFilterSpec, vals ...any) Wrapper {
	w, err := NewWrapper(context.TODO(), spec, DefaultOptions())
	require.NoError(t, err)
	for _, v := range vals {
		require.NoError(t, w.Insert(v))
	}
	return w
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var ret [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			ret = append(ret, q)
		}
	}
	return ret
}

func TestMergeOrderIndependent(t *testing.T) {
	cases := []struct {
		name  string
		spec  *plan.RuntimeFilterSpec
		parts [][]any
	}{
		{"in", newTestSpec(1, plan.RuntimeFilter_IN, 10),
			[][]any{{int32(1), int32(2)}, {int32(2), int32(3)}, {nil, int32(9)}}},
		{"in overflow", newTestSpec(2, plan.RuntimeFilter_IN, 3),
			[][]any{{int32(1), int32(2)}, {int32(2), int32(3)}, {int32(4)}}},
		{"minmax", newTestSpec(3, plan.RuntimeFilter_MIN_MAX, 0),
			[][]any{{int32(5), int32(-3)}, {}, {int32(40)}}},
		{"bloom", newTestSpec(4, plan.RuntimeFilter_BLOOM, 0),
			[][]any{{int32(1), int32(2)}, {int32(100)}, {int32(7), int32(8)}}},
		{"in_or_bloom in", newTestSpec(5, plan.RuntimeFilter_IN_OR_BLOOM, 3),
			[][]any{{int32(1)}, {int32(1)}, {int32(2)}}},
		{"in_or_bloom bloom", newTestSpec(6, plan.RuntimeFilter_IN_OR_BLOOM, 2),
			[][]any{{int32(1)}, {int32(1)}, {int32(2), int32(3)}}},
		{"bitmap", newTestSpec(7, plan.RuntimeFilter_BITMAP, 0),
			[][]any{{uint64(1), uint64(1 << 40)}, {uint64(3)}, {uint64(1)}}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var expected Wrapper
			for _, perm := range permutations(len(c.parts)) {
				// left fold starting from an empty consumer side wrapper
				acc := newTestWrapper(t, c.spec)
				for _, i := range perm {
					require.NoError(t, acc.Merge(newTestWrapper(t, c.spec, c.parts[i]...)))
				}
				if expected == nil {
					expected = acc
					continue
				}
				require.True(t, expected.Equal(acc), "%v: %s vs %s", perm, expected, acc)
			}

			// (p0 + (p1 + p2)) matches the left folds
			right := newTestWrapper(t, c.spec, c.parts[1]...)
			require.NoError(t, right.Merge(newTestWrapper(t, c.spec, c.parts[2]...)))
			grouped := newTestWrapper(t, c.spec, c.parts[0]...)
			require.NoError(t, grouped.Merge(right))
			require.True(t, expected.Equal(grouped), "%s vs %s", expected, grouped)

			// and a single producer inserting everything
			var all []any
			for _, p := range c.parts {
				all = append(all, p...)
			}
			require.True(t, expected.Equal(newTestWrapper(t, c.spec, all...)))
		})
	}
}

func TestInOrBloomDegrade(t *testing.T) {
	spec := newTestSpec(1, plan.RuntimeFilter_IN_OR_BLOOM, 64)
	w := newTestWrapper(t, spec).(*InOrBloomFilter)

	var inserted []int32
	for i := int32(0); i < 64; i++ {
		require.NoError(t, w.Insert(i*7))
		inserted = append(inserted, i*7)
	}
	require.False(t, w.IsBloom())
	require.Equal(t, 64, w.Size())

	require.NoError(t, w.Insert(int32(-1)))
	inserted = append(inserted, -1)
	require.True(t, w.IsBloom())
	require.Nil(t, w.In())
	for i := int32(0); i < 1000; i++ {
		require.NoError(t, w.Insert(i*11+5))
		inserted = append(inserted, i*11+5)
	}
	for _, v := range inserted {
		require.True(t, w.Test(v), "false negative for %d", v)
	}
	// widened values hash in the filter type
	require.True(t, w.Test(int64(-1)))

	// degraded is absorbing: merging a small IN set keeps the bloom filter
	small := newTestWrapper(t, spec, int32(123456))
	require.NoError(t, w.Merge(small))
	require.True(t, w.IsBloom())
	require.True(t, w.Test(int32(123456)))
}

func TestInFilterOverflow(t *testing.T) {
	w := newTestWrapper(t, newTestSpec(1, plan.RuntimeFilter_IN, 2), int32(1), int32(2)).(*InFilter)
	require.False(t, w.Overflow())
	require.True(t, w.Test(int32(1)))
	require.False(t, w.Test(int32(3)))
	require.False(t, w.Test(nil))
	require.Equal(t, []any{int32(1), int32(2)}, w.Values())

	require.NoError(t, w.Insert(int32(3)))
	require.True(t, w.Overflow())
	require.Equal(t, 0, w.Size())
	require.True(t, w.Test(int32(42)))
}

func TestMergeMismatch(t *testing.T) {
	ctx := context.TODO()
	spec := newTestSpec(1, plan.RuntimeFilter_BLOOM, 0)
	a, err := NewWrapper(ctx, spec, DefaultOptions())
	require.NoError(t, err)

	spec2 := newTestSpec(1, plan.RuntimeFilter_BLOOM, 0)
	spec2.BloomFilterSize = 1 << 20
	b, err := NewWrapper(ctx, spec2, DefaultOptions())
	require.NoError(t, err)
	err = a.Merge(b)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrSizeNotMatch), err)

	err = a.Merge(newTestWrapper(t, newTestSpec(1, plan.RuntimeFilter_IN, 10)))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidArg), err)

	in := NewBitmapFilter(false)
	err = in.Merge(NewBitmapFilter(true))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidArg), err)
}

func TestBloomParameters(t *testing.T) {
	opts := DefaultOptions()
	spec := newTestSpec(1, plan.RuntimeFilter_BLOOM, 0)
	spec.ExpectedCard = 10
	nbits, k := bloomParameters(spec, opts)
	require.Equal(t, uint64(opts.BloomMinSize)*8, nbits)
	require.Greater(t, k, uint32(0))

	spec.BloomFilterSize = 1 << 30
	nbits, _ = bloomParameters(spec, opts)
	require.Equal(t, uint64(opts.BloomMaxSize)*8, nbits)
}

func TestMinMaxAndBitmapTest(t *testing.T) {
	mm := newTestWrapper(t, newTestSpec(1, plan.RuntimeFilter_MIN_MAX, 0))
	require.False(t, mm.Test(int32(0)))
	require.NoError(t, mm.Insert(int32(10)))
	require.NoError(t, mm.Insert(int32(20)))
	require.True(t, mm.Test(int32(15)))
	require.True(t, mm.Test(int64(20)))
	require.False(t, mm.Test(int32(21)))
	require.Equal(t, "minmax[10, 20]", mm.String())

	notIn := NewBitmapFilter(true)
	require.NoError(t, notIn.Insert(uint64(7)))
	require.False(t, notIn.Test(uint64(7)))
	require.True(t, notIn.Test(uint64(8)))
	require.Error(t, notIn.Insert("x"))
}

func TestPayloadCodec(t *testing.T) {
	spec := newTestSpec(1, plan.RuntimeFilter_IN_OR_BLOOM, 5000)
	w := newTestWrapper(t, spec)
	for i := int32(0); i < 4000; i++ {
		require.NoError(t, w.Insert(i%100))
	}
	p := &Payload{FilterID: 1, Wrapper: w}

	// the sorted value list compresses well
	plain, err := p.Marshal(0)
	require.NoError(t, err)
	data, err := p.Marshal(64)
	require.NoError(t, err)
	require.Less(t, len(data), len(plain))
	got, err := UnmarshalPayload(data)
	require.NoError(t, err)
	require.Equal(t, int32(1), got.FilterID)
	require.True(t, w.Equal(got.Wrapper))

	_, err = UnmarshalPayload(data[:len(data)-3])
	require.Error(t, err)
	_, err = UnmarshalPayload(data[:4])
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput), err)

	ignored := &Payload{FilterID: 2, Ignored: true, Reason: "always true"}
	data, err = ignored.Marshal(0)
	require.NoError(t, err)
	got, err = UnmarshalPayload(data)
	require.NoError(t, err)
	require.True(t, got.Ignored)
	require.Equal(t, "always true", got.Reason)
	require.Nil(t, got.Wrapper)

	for _, kind := range []plan.RuntimeFilterKind{plan.RuntimeFilter_MIN_MAX, plan.RuntimeFilter_BLOOM, plan.RuntimeFilter_BITMAP} {
		spec := newTestSpec(3, kind, 0)
		w := newTestWrapper(t, spec)
		if kind == plan.RuntimeFilter_BITMAP {
			require.NoError(t, w.Insert(uint64(99)))
		} else {
			require.NoError(t, w.Insert(int32(99)))
		}
		data, err := (&Payload{FilterID: 3, Wrapper: w}).Marshal(0)
		require.NoError(t, err)
		got, err := UnmarshalPayload(data)
		require.NoError(t, err)
		require.True(t, w.Equal(got.Wrapper), kind.String())
	}
}

func TestPayloadCorrupt(t *testing.T) {
	w := newTestWrapper(t, newTestSpec(1, plan.RuntimeFilter_IN, 10))
	require.NoError(t, w.Insert(int32(7)))
	data, err := (&Payload{FilterID: 1, Wrapper: w, EstimatedNDV: 1}).Marshal(0)
	require.NoError(t, err)
	got, err := UnmarshalPayload(data)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.EstimatedNDV)

	// unknown fields are skipped
	extra := appendVarintField(append([]byte(nil), data...), 100, 1)
	_, err = UnmarshalPayload(extra)
	require.NoError(t, err)

	// a raw length far beyond what lz4 can expand to
	bad := appendVarintField(nil, payloadFilterID, 1)
	bad = appendVarintField(bad, payloadKind, uint64(plan.RuntimeFilter_IN))
	bad = appendVarintField(bad, payloadRawLen, 1<<30)
	bad = appendBytesField(bad, payloadWrapper, []byte{0x10, 0x01})
	_, err = UnmarshalPayload(bad)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput), err)

	// a length prefix past the end of the data
	bad = appendVarintField(nil, payloadFilterID, 1)
	bad = protowire.AppendTag(bad, payloadReason, protowire.BytesType)
	bad = protowire.AppendVarint(bad, 1<<31)
	_, err = UnmarshalPayload(bad)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput), err)

	// wrong wire type
	bad = protowire.AppendTag(nil, payloadFilterID, protowire.BytesType)
	bad = protowire.AppendBytes(bad, []byte{1})
	_, err = UnmarshalPayload(bad)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput), err)

	// the value of an IN member must match the column width
	in := &InFilter{typ: w.Type()}
	err = in.unmarshal(appendBytesField(nil, inFieldValue, []byte{1, 2, 3}))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidInput), err)
}
