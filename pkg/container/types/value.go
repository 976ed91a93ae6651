// Copyright 2021 Matrix Origin
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

package types

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
)

// Values of a column of type T are carried as the following go types:
//
//	T_bool              bool
//	T_int8 .. T_int64   int8 .. int64
//	T_uint8 .. T_uint64 uint8 .. uint64
//	T_float32/64        float32/float64
//	T_date              Date
//	T_datetime          Datetime
//	T_char/varchar/text string
//
// A nil value is SQL NULL.

// CheckValue reports whether v is a valid go value for t.
func CheckValue(t T, v any) bool {
	if v == nil {
		return true
	}
	switch v.(type) {
	case bool:
		return t == T_bool
	case int8:
		return t == T_int8
	case int16:
		return t == T_int16
	case int32:
		return t == T_int32
	case int64:
		return t == T_int64
	case uint8:
		return t == T_uint8
	case uint16:
		return t == T_uint16
	case uint32:
		return t == T_uint32
	case uint64:
		return t == T_uint64
	case float32:
		return t == T_float32
	case float64:
		return t == T_float64
	case Date:
		return t == T_date
	case Datetime:
		return t == T_datetime
	case string:
		return t.IsStringFamily()
	}
	return false
}

// CompareValue compares two non-null values of the same go type.
func CompareValue(a, b any) int {
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case int8:
		return cmpOrdered(x, b.(int8))
	case int16:
		return cmpOrdered(x, b.(int16))
	case int32:
		return cmpOrdered(x, b.(int32))
	case int64:
		return cmpOrdered(x, b.(int64))
	case uint8:
		return cmpOrdered(x, b.(uint8))
	case uint16:
		return cmpOrdered(x, b.(uint16))
	case uint32:
		return cmpOrdered(x, b.(uint32))
	case uint64:
		return cmpOrdered(x, b.(uint64))
	case float32:
		return cmpOrdered(x, b.(float32))
	case float64:
		return cmpOrdered(x, b.(float64))
	case Date:
		return cmpOrdered(x, b.(Date))
	case Datetime:
		return cmpOrdered(x, b.(Datetime))
	case string:
		return strings.Compare(x, b.(string))
	}
	panic(moerr.NewInternalErrorNoCtx("compare unsupported value %T", a))
}

func cmpOrdered[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64 | Date | Datetime](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// CastDateFamily converts a date-family value to the column type to. The
// second result reports whether the conversion lost precision.
func CastDateFamily(v any, to T) (any, bool) {
	switch x := v.(type) {
	case Date:
		if to == T_datetime {
			return x.ToDatetime(), false
		}
		return x, false
	case Datetime:
		if to == T_date {
			return x.ToDate(), x.HasTimePart()
		}
		return x, false
	}
	return v, false
}

// EncodeValue appends the canonical byte form of a non-null value. The
// layout is stable and used for hashing and payload encoding.
func EncodeValue(dst []byte, v any) []byte {
	switch x := v.(type) {
	case bool:
		if x {
			return append(dst, 1)
		}
		return append(dst, 0)
	case int8:
		return append(dst, byte(x))
	case int16:
		return binary.LittleEndian.AppendUint16(dst, uint16(x))
	case int32:
		return binary.LittleEndian.AppendUint32(dst, uint32(x))
	case int64:
		return binary.LittleEndian.AppendUint64(dst, uint64(x))
	case uint8:
		return append(dst, x)
	case uint16:
		return binary.LittleEndian.AppendUint16(dst, x)
	case uint32:
		return binary.LittleEndian.AppendUint32(dst, x)
	case uint64:
		return binary.LittleEndian.AppendUint64(dst, x)
	case float32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(x))
	case float64:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(x))
	case Date:
		return binary.LittleEndian.AppendUint32(dst, uint32(x))
	case Datetime:
		return binary.LittleEndian.AppendUint64(dst, uint64(x))
	case string:
		return append(dst, x...)
	}
	panic(moerr.NewInternalErrorNoCtx("encode unsupported value %T", v))
}

// DecodeValue is the inverse of EncodeValue for a value of type t.
func DecodeValue(t T, data []byte) (any, error) {
	if n := t.FixedLength(); n > 0 && len(data) != n {
		return nil, moerr.NewInvalidInputNoCtx("decode %s from %d bytes", t, len(data))
	}
	switch t {
	case T_bool:
		return data[0] != 0, nil
	case T_int8:
		return int8(data[0]), nil
	case T_int16:
		return int16(binary.LittleEndian.Uint16(data)), nil
	case T_int32:
		return int32(binary.LittleEndian.Uint32(data)), nil
	case T_int64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	case T_uint8:
		return data[0], nil
	case T_uint16:
		return binary.LittleEndian.Uint16(data), nil
	case T_uint32:
		return binary.LittleEndian.Uint32(data), nil
	case T_uint64:
		return binary.LittleEndian.Uint64(data), nil
	case T_float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
	case T_float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	case T_date:
		return Date(int32(binary.LittleEndian.Uint32(data))), nil
	case T_datetime:
		return Datetime(int64(binary.LittleEndian.Uint64(data))), nil
	case T_char, T_varchar, T_text:
		return string(data), nil
	}
	return nil, moerr.NewNotSupported(moerr.Context(), "decode value of type %s", t)
}
