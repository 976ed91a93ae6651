// Copyright 2021 - 2023 Matrix Origin
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

package bloomfilter

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
)

const (
	testCount = 20000
	testRate  = 0.001
)

func key(i int) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(i))
}

func TestBloomFilter(t *testing.T) {
	bf := New(1000, 3)

	key1 := []byte("hello")
	key2 := []byte("world")
	key3 := []byte("matrixone")

	bf.Add(key1)
	bf.Add(key2)

	assert.True(t, bf.Test(key1))
	assert.True(t, bf.Test(key2))
	// key3 might be a false positive, but with 1000 bits and 2 keys it's unlikely
	assert.False(t, bf.Test(key3))

	data, err := bf.Marshal()
	require.NoError(t, err)

	bf2 := &BloomFilter{}
	require.NoError(t, bf2.Unmarshal(data))
	assert.True(t, bf2.Equal(bf))
	assert.True(t, bf2.Test(key1))
	assert.False(t, bf2.Test(key3))

	key4 := []byte("new_key")
	assert.False(t, bf2.TestAndAdd(key4))
	assert.True(t, bf2.Test(key4))
	assert.True(t, bf2.TestAndAdd(key4))
}

func TestNoFalseNegative(t *testing.T) {
	bf := NewWithProbability(testCount, testRate)
	for i := 0; i < testCount; i++ {
		bf.Add(key(i))
	}
	for i := 0; i < testCount; i++ {
		require.True(t, bf.Test(key(i)))
	}
	falsePositive := 0
	for i := testCount; i < 2*testCount; i++ {
		if bf.Test(key(i)) {
			falsePositive++
		}
	}
	// allow ten times the target rate
	require.Less(t, float64(falsePositive)/testCount, testRate*10)
}

func TestMerge(t *testing.T) {
	a := NewWithProbability(1000, 0.01)
	b := NewWithProbability(1000, 0.01)
	c := NewWithProbability(1000, 0.01)
	for i := 0; i < 300; i++ {
		a.Add(key(i))
		b.Add(key(i + 300))
		c.Add(key(i + 600))
	}

	ab := a.Clone()
	require.NoError(t, ab.Merge(b))
	require.NoError(t, ab.Merge(c))

	cb := c.Clone()
	require.NoError(t, cb.Merge(b))
	require.NoError(t, cb.Merge(a))

	require.True(t, ab.Equal(cb))
	for i := 0; i < 900; i++ {
		require.True(t, ab.Test(key(i)))
	}

	small := New(128, 2)
	err := ab.Merge(small)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrSizeNotMatch))
}

func TestUnmarshalBad(t *testing.T) {
	bf := &BloomFilter{}
	require.Error(t, bf.Unmarshal([]byte{1, 2, 3}))

	data, err := New(256, 2).Marshal()
	require.NoError(t, err)
	require.Error(t, bf.Unmarshal(data[:len(data)-4]))

	// sizes are checked before the bitset allocates
	huge := append([]byte(nil), data...)
	binary.BigEndian.PutUint64(huge[24:], 1<<40)
	require.Error(t, bf.Unmarshal(huge))
	huge = append([]byte(nil), data...)
	binary.LittleEndian.PutUint64(huge, 1<<40)
	require.Error(t, bf.Unmarshal(huge))

	require.NoError(t, bf.Unmarshal(data))
	require.Equal(t, uint64(256), bf.BitSize())
}

func TestComputeMemAndHashCount(t *testing.T) {
	m, k := computeMemAndHashCount(1000, 0.01)
	require.InDelta(t, 9586, float64(m), 2)
	require.Equal(t, uint32(7), k)

	m, k = computeMemAndHashCount(0, 0)
	require.Equal(t, uint64(minBits), m)
	require.GreaterOrEqual(t, k, uint32(1))
}
