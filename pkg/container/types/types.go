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
	"fmt"
)

type T uint8

const (
	T_any T = iota

	T_bool

	T_int8
	T_int16
	T_int32
	T_int64

	T_uint8
	T_uint16
	T_uint32
	T_uint64

	T_float32
	T_float64

	T_date
	T_datetime

	T_char
	T_varchar
	T_text
)

type Type struct {
	Oid T
	// Width is the declared length of char types or the precision of
	// datetime.
	Width int32
	Scale int32
}

func New(oid T, width, scale int32) Type {
	return Type{Oid: oid, Width: width, Scale: scale}
}

func (t T) ToType() Type {
	return Type{Oid: t}
}

func (t T) String() string {
	switch t {
	case T_any:
		return "ANY"
	case T_bool:
		return "BOOL"
	case T_int8:
		return "TINYINT"
	case T_int16:
		return "SMALLINT"
	case T_int32:
		return "INT"
	case T_int64:
		return "BIGINT"
	case T_uint8:
		return "TINYINT UNSIGNED"
	case T_uint16:
		return "SMALLINT UNSIGNED"
	case T_uint32:
		return "INT UNSIGNED"
	case T_uint64:
		return "BIGINT UNSIGNED"
	case T_float32:
		return "FLOAT"
	case T_float64:
		return "DOUBLE"
	case T_date:
		return "DATE"
	case T_datetime:
		return "DATETIME"
	case T_char:
		return "CHAR"
	case T_varchar:
		return "VARCHAR"
	case T_text:
		return "TEXT"
	}
	return fmt.Sprintf("unexpected type: %d", t)
}

func (t Type) String() string {
	return t.Oid.String()
}

func (t Type) Eq(b Type) bool {
	return t.Oid == b.Oid && t.Width == b.Width && t.Scale == b.Scale
}

func (t T) IsDateFamily() bool {
	return t == T_date || t == T_datetime
}

func (t T) IsStringFamily() bool {
	return t == T_char || t == T_varchar || t == T_text
}

func (t T) IsInteger() bool {
	return t >= T_int8 && t <= T_uint64
}

func (t T) IsFloat() bool {
	return t == T_float32 || t == T_float64
}

// FixedLength returns the in-memory width of a value of t, or -1 for
// variable length types.
func (t T) FixedLength() int {
	switch t {
	case T_bool, T_int8, T_uint8:
		return 1
	case T_int16, T_uint16:
		return 2
	case T_int32, T_uint32, T_float32, T_date:
		return 4
	case T_int64, T_uint64, T_float64, T_datetime:
		return 8
	}
	return -1
}

// CompatibleForPushdown reports whether a literal of type b can be compared
// with a column of type a without a real cast. Date-family and string-family
// types are compatible among themselves.
func CompatibleForPushdown(a, b T) bool {
	if a == b {
		return true
	}
	if a.IsDateFamily() && b.IsDateFamily() {
		return true
	}
	return a.IsStringFamily() && b.IsStringFamily()
}
