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

package valuerange

import (
	"testing"

	"github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/scanfilter/pkg/container/types"
)

func newInt32Range(low, high int32) *ValueRange[int32] {
	r := NewValueRange[int32]("a", types.T_int32.ToType())
	r.Tighten(OpGE, low)
	r.Tighten(OpLT, high)
	return r
}

func TestIntersect(t *testing.T) {
	convey.Convey("in list intersected with a bound pair", t, func() {
		r := newInt32Range(0, 10)
		r.IntersectFixed([]int32{1, 2, 3})
		convey.So(r.IsFixed(), convey.ShouldBeTrue)
		convey.So(r.TypedFixedValues(), convey.ShouldResemble, []int32{1, 2, 3})
		convey.So(r.IsEmpty(), convey.ShouldBeFalse)
	})

	convey.Convey("in list drops values outside the bounds", t, func() {
		r := newInt32Range(0, 10)
		r.IntersectFixed([]int32{-1, 5, 10, 11})
		convey.So(r.TypedFixedValues(), convey.ShouldResemble, []int32{5})
	})

	convey.Convey("empty in list makes the range empty", t, func() {
		r := newInt32Range(0, 10)
		convey.So(r.IntersectFixedValues(nil), convey.ShouldBeNil)
		convey.So(r.IsEmpty(), convey.ShouldBeTrue)
	})

	convey.Convey("bound tightening keeps the stricter side", t, func() {
		r := newInt32Range(0, 100)
		r.Tighten(OpGT, 10)
		r.Tighten(OpGE, 5)
		r.Tighten(OpLE, 200)
		lo, loIncl, hi, hiIncl := r.Bounds()
		convey.So(lo, convey.ShouldEqual, int32(10))
		convey.So(loIncl, convey.ShouldBeFalse)
		convey.So(hi, convey.ShouldEqual, int32(100))
		convey.So(hiIncl, convey.ShouldBeFalse)
		convey.So(r.String(), convey.ShouldEqual, "a: (10, 100) not null")
	})

	convey.Convey("strict and inclusive bound on the same value", t, func() {
		r := newInt32Range(0, 100)
		r.Tighten(OpGE, 10)
		r.Tighten(OpGT, 10)
		convey.So(r.Contains(int32(10)), convey.ShouldBeFalse)
		convey.So(r.Contains(int32(11)), convey.ShouldBeTrue)
	})

	convey.Convey("crossing bounds are empty", t, func() {
		r := newInt32Range(0, 100)
		r.Tighten(OpGT, 50)
		r.Tighten(OpLT, 20)
		convey.So(r.IsEmpty(), convey.ShouldBeTrue)

		r = newInt32Range(0, 100)
		r.Tighten(OpGE, 50)
		r.Tighten(OpLT, 50)
		convey.So(r.IsEmpty(), convey.ShouldBeTrue)
	})

	convey.Convey("intersect with empty is empty", t, func() {
		r := newInt32Range(0, 100)
		e := NewValueRange[int32]("a", types.T_int32.ToType())
		e.SetEmpty()
		r.IntersectRange(e)
		convey.So(r.IsEmpty(), convey.ShouldBeTrue)

		e2 := NewValueRange[int32]("a", types.T_int32.ToType())
		e2.SetEmpty()
		e2.IntersectRange(newInt32Range(0, 100))
		convey.So(e2.IsEmpty(), convey.ShouldBeTrue)
	})

	convey.Convey("intersect is idempotent", t, func() {
		for _, r := range []*ValueRange[int32]{
			newInt32Range(0, 100),
			func() *ValueRange[int32] {
				r := newInt32Range(0, 100)
				r.IntersectFixed([]int32{3, 4})
				return r
			}(),
			NewValueRange[int32]("a", types.T_int32.ToType()),
		} {
			before := r.CloneRange()
			r.IntersectRange(r.CloneRange())
			convey.So(r.Equal(before), convey.ShouldBeTrue)
		}
	})

	convey.Convey("intersect accepts exactly the common values", t, func() {
		a := newInt32Range(0, 50)
		b := newInt32Range(25, 75)
		got := a.CloneRange()
		got.IntersectRange(b)
		for v := int32(-5); v < 80; v++ {
			convey.So(got.ContainsValue(v), convey.ShouldEqual, a.ContainsValue(v) && b.ContainsValue(v))
		}

		f := newInt32Range(0, 100)
		f.IntersectFixed([]int32{10, 30, 60})
		got = b.CloneRange()
		got.IntersectRange(f)
		convey.So(got.TypedFixedValues(), convey.ShouldResemble, []int32{30, 60})
	})
}

func TestNullState(t *testing.T) {
	convey.Convey("is null on a fresh range keeps only nulls", t, func() {
		r := NewValueRange[int64]("b", types.T_int64.ToType())
		r.SetNullOnly()
		convey.So(r.IsEmpty(), convey.ShouldBeFalse)
		convey.So(r.Contains(nil), convey.ShouldBeTrue)
		convey.So(r.Contains(int64(1)), convey.ShouldBeFalse)
	})

	convey.Convey("is null after a comparison is empty", t, func() {
		r := NewValueRange[int64]("b", types.T_int64.ToType())
		r.Tighten(OpGT, 1)
		r.SetNullOnly()
		convey.So(r.IsEmpty(), convey.ShouldBeTrue)
	})

	convey.Convey("is not null excludes nulls only", t, func() {
		r := NewValueRange[int64]("b", types.T_int64.ToType())
		r.SetNotNull()
		convey.So(r.Contains(nil), convey.ShouldBeFalse)
		convey.So(r.Contains(int64(7)), convey.ShouldBeTrue)
		convey.So(r.NullState(), convey.ShouldEqual, NullExcluded)
	})

	convey.Convey("comparison with a null literal is empty", t, func() {
		r := NewValueRange[int64]("b", types.T_int64.ToType())
		convey.So(r.AddRange(OpGT, nil), convey.ShouldBeNil)
		convey.So(r.IsEmpty(), convey.ShouldBeTrue)
	})
}

func TestUnionAndComplement(t *testing.T) {
	convey.Convey("union of two sets", t, func() {
		a := NewValueRange[int32]("a", types.T_int32.ToType())
		a.IntersectFixed([]int32{5})
		b := NewValueRange[int32]("a", types.T_int32.ToType())
		b.IntersectFixed([]int32{6})
		a.UnionRange(b)
		convey.So(a.TypedFixedValues(), convey.ShouldResemble, []int32{5, 6})
	})

	convey.Convey("union of bounds is the hull", t, func() {
		a := newInt32Range(0, 10)
		b := NewValueRange[int32]("a", types.T_int32.ToType())
		b.IntersectFixed([]int32{20})
		a.UnionRange(b)
		lo, loIncl, hi, hiIncl := a.Bounds()
		convey.So(lo, convey.ShouldEqual, int32(0))
		convey.So(loIncl, convey.ShouldBeTrue)
		convey.So(hi, convey.ShouldEqual, int32(20))
		convey.So(hiIncl, convey.ShouldBeTrue)
	})

	convey.Convey("union with unbounded side drops the bound", t, func() {
		a := newInt32Range(0, 10)
		b := NewValueRange[int32]("a", types.T_int32.ToType())
		b.Tighten(OpGT, 100)
		a.UnionRange(b)
		_, _, hi, _ := a.Bounds()
		convey.So(hi, convey.ShouldBeNil)
	})

	convey.Convey("complement of a single bound", t, func() {
		r := NewValueRange[int32]("a", types.T_int32.ToType())
		r.Tighten(OpGT, 5)
		c, ok := r.Complement()
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(c.Contains(int32(5)), convey.ShouldBeTrue)
		convey.So(c.Contains(int32(6)), convey.ShouldBeFalse)
		convey.So(c.Contains(nil), convey.ShouldBeFalse)

		_, ok = newInt32Range(0, 10).Complement()
		convey.So(ok, convey.ShouldBeFalse)
	})
}

func TestColumnValueRange(t *testing.T) {
	r, err := New("s", types.T_varchar.ToType())
	require.NoError(t, err)
	require.True(t, r.IsWholeRange())
	require.NoError(t, r.IntersectFixedValues([]any{"b", "a", nil, "c"}))
	require.Equal(t, []any{"a", "b", "c"}, r.FixedValues())
	require.NoError(t, r.RemoveFixedValue("b"))
	require.Equal(t, 2, r.FixedValueSize())
	require.Error(t, r.IntersectFixedValues([]any{int32(1)}))

	c := r.Clone()
	require.NoError(t, c.RemoveFixedValue("a"))
	require.Equal(t, 2, r.FixedValueSize())
	require.False(t, r.Equal(c))

	other, err := New("s", types.T_int32.ToType())
	require.NoError(t, err)
	require.Error(t, r.Intersect(other))

	_, err = New("flag", types.T_bool.ToType())
	require.Error(t, err)

	notFixed, err := New("d", types.T_date.ToType())
	require.NoError(t, err)
	require.Error(t, notFixed.RemoveFixedValue(types.Date(1)))
	notFixed.MarkRuntimeFilter()
	require.True(t, notFixed.IsRuntimeFilterMarked())
	require.Equal(t, "d: (-inf, +inf) (runtime filter)", notFixed.String())
}
