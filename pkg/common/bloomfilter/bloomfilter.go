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
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	metro "github.com/dgryski/go-metro"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
)

const (
	defaultSeed = 0x9ae16a3b2f90404f
	// minBits keeps tiny filters from saturating.
	minBits = 64
)

// BloomFilter is a fixed size bloom filter. The bit array size and the
// hash count are decided at construction and never change, so two filters
// built from the same parameters can be merged by OR.
type BloomFilter struct {
	bitmap *bitset.BitSet
	nbits  uint64
	k      uint32
	seed   uint64
}

func computeMemAndHashCount(rowCount int64, probability float64) (uint64, uint32) {
	if rowCount <= 0 {
		rowCount = 2
	}
	if probability <= 0 || probability >= 1 {
		probability = 0.01
	}
	m := math.Ceil(-float64(rowCount) * math.Log(probability) / (math.Ln2 * math.Ln2))
	k := math.Round(m / float64(rowCount) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if m < minBits {
		m = minBits
	}
	return uint64(m), uint32(k)
}

// EstimateParameters returns the bit count and hash count for rowCount
// elements at the given false positive probability.
func EstimateParameters(rowCount int64, probability float64) (uint64, uint32) {
	return computeMemAndHashCount(rowCount, probability)
}

// NewWithProbability derives the parameters from the expected number of
// elements and the desired false positive probability.
func NewWithProbability(rowCount int64, probability float64) *BloomFilter {
	nbits, k := computeMemAndHashCount(rowCount, probability)
	return New(nbits, k)
}

// New creates a filter of nbits bits tested with k hash functions.
func New(nbits uint64, k uint32) *BloomFilter {
	if nbits < minBits {
		nbits = minBits
	}
	if k == 0 {
		k = 1
	}
	return &BloomFilter{
		bitmap: bitset.New(uint(nbits)),
		nbits:  nbits,
		k:      k,
		seed:   defaultSeed,
	}
}

// BitSize returns the bit array size.
func (bf *BloomFilter) BitSize() uint64 {
	return bf.nbits
}

func (bf *BloomFilter) HashCount() uint32 {
	return bf.k
}

// Add inserts key.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := metro.Hash128(key, bf.seed)
	for i := uint64(0); i < uint64(bf.k); i++ {
		bf.bitmap.Set(uint((h1 + i*h2) % bf.nbits))
	}
}

// Test returns false only if key was never added.
func (bf *BloomFilter) Test(key []byte) bool {
	h1, h2 := metro.Hash128(key, bf.seed)
	for i := uint64(0); i < uint64(bf.k); i++ {
		if !bf.bitmap.Test(uint((h1 + i*h2) % bf.nbits)) {
			return false
		}
	}
	return true
}

// TestAndAdd returns whether key was present before adding it.
func (bf *BloomFilter) TestAndAdd(key []byte) bool {
	h1, h2 := metro.Hash128(key, bf.seed)
	exist := true
	for i := uint64(0); i < uint64(bf.k); i++ {
		idx := uint((h1 + i*h2) % bf.nbits)
		if !bf.bitmap.Test(idx) {
			exist = false
			bf.bitmap.Set(idx)
		}
	}
	return exist
}

// Merge ORs other into bf. Both filters must share size, hash count and
// seed, otherwise the bit positions differ and the result would report
// false negatives.
func (bf *BloomFilter) Merge(other *BloomFilter) error {
	if bf.nbits != other.nbits || bf.k != other.k || bf.seed != other.seed {
		return moerr.NewSizeNotMatchNoCtx(fmt.Sprintf("bloom filter (%d bits, %d hashes) vs (%d bits, %d hashes)",
			bf.nbits, bf.k, other.nbits, other.k))
	}
	bf.bitmap.InPlaceUnion(other.bitmap)
	return nil
}

// Equal compares parameters and bits.
func (bf *BloomFilter) Equal(other *BloomFilter) bool {
	return bf.nbits == other.nbits && bf.k == other.k && bf.seed == other.seed &&
		bf.bitmap.Equal(other.bitmap)
}

// Clone returns a deep copy.
func (bf *BloomFilter) Clone() *BloomFilter {
	return &BloomFilter{
		bitmap: bf.bitmap.Clone(),
		nbits:  bf.nbits,
		k:      bf.k,
		seed:   bf.seed,
	}
}

// FillRatio is the fraction of bits set.
func (bf *BloomFilter) FillRatio() float64 {
	return float64(bf.bitmap.Count()) / float64(bf.nbits)
}

// Marshal encodes BloomFilter into byte sequence.
// Encoding format:
//
//	[nbits:uint64][k:uint32][seed:uint64][bitmapLen:uint32][bitmapBytes...]
func (bf *BloomFilter) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	var hdr [24]byte
	binary.LittleEndian.PutUint64(hdr[0:], bf.nbits)
	binary.LittleEndian.PutUint32(hdr[8:], bf.k)
	binary.LittleEndian.PutUint64(hdr[12:], bf.seed)
	bmBytes, err := bf.bitmap.MarshalBinary()
	if err != nil {
		return nil, moerr.ConvertGoError(moerr.Context(), err)
	}
	binary.LittleEndian.PutUint32(hdr[20:], uint32(len(bmBytes)))
	buf.Write(hdr[:])
	buf.Write(bmBytes)
	return buf.Bytes(), nil
}

// Unmarshal restores BloomFilter from byte sequence.
func (bf *BloomFilter) Unmarshal(data []byte) error {
	if len(data) < 24 {
		return moerr.NewInternalErrorNoCtx("invalid bloomfilter data")
	}
	nbits := binary.LittleEndian.Uint64(data[0:])
	k := binary.LittleEndian.Uint32(data[8:])
	seed := binary.LittleEndian.Uint64(data[12:])
	bmLen := int(binary.LittleEndian.Uint32(data[20:]))
	data = data[24:]
	if nbits == 0 || k == 0 {
		return moerr.NewInternalErrorNoCtx("invalid bloomfilter parameters")
	}
	if len(data) < bmLen {
		return moerr.NewInternalErrorNoCtx("invalid bloomfilter data (bitmap truncated)")
	}
	// the bitset allocates from its own length header, check it first
	if nbits > uint64(bmLen)*8 || uint64(bmLen) != 8+8*((nbits+63)/64) ||
		binary.BigEndian.Uint64(data) != nbits {
		return moerr.NewInternalErrorNoCtx("invalid bloomfilter bitmap header for %d bits", nbits)
	}
	bm := &bitset.BitSet{}
	if err := bm.UnmarshalBinary(data[:bmLen]); err != nil {
		return moerr.NewInternalErrorNoCtx("invalid bloomfilter bitmap: %v", err)
	}
	if uint64(bm.Len()) != nbits {
		return moerr.NewInternalErrorNoCtx("invalid bloomfilter bitmap length %d, expect %d", bm.Len(), nbits)
	}
	bf.bitmap = bm
	bf.nbits = nbits
	bf.k = k
	bf.seed = seed
	return nil
}
