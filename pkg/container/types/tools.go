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
	"strconv"
	"strings"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
)

func ParseBool(s string) (bool, error) {
	// try to parse as a bool, we treat TuRe as true, therefore ToLower.
	v, err := strconv.ParseBool(strings.ToLower(s))
	if err == nil {
		return v, nil
	}

	// try to parse as a number. We treat 0 as false, and other numbers as true.
	num, err := strconv.ParseFloat(s, 64)
	if err == nil {
		return num != 0.0, nil
	}

	return false, moerr.NewInvalidInputNoCtx("'%s' is not a valid bool expression", s)
}

// ParseValue parses the text form of a value of type t.
func ParseValue(t T, s string) (any, error) {
	switch t {
	case T_bool:
		return ParseBool(s)
	case T_int8, T_int16, T_int32, T_int64:
		v, err := strconv.ParseInt(s, 10, t.FixedLength()*8)
		if err != nil {
			return nil, moerr.NewInvalidInputNoCtx("'%s' is not a valid %s", s, t)
		}
		switch t {
		case T_int8:
			return int8(v), nil
		case T_int16:
			return int16(v), nil
		case T_int32:
			return int32(v), nil
		}
		return v, nil
	case T_uint8, T_uint16, T_uint32, T_uint64:
		v, err := strconv.ParseUint(s, 10, t.FixedLength()*8)
		if err != nil {
			return nil, moerr.NewInvalidInputNoCtx("'%s' is not a valid %s", s, t)
		}
		switch t {
		case T_uint8:
			return uint8(v), nil
		case T_uint16:
			return uint16(v), nil
		case T_uint32:
			return uint32(v), nil
		}
		return v, nil
	case T_float32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, moerr.NewInvalidInputNoCtx("'%s' is not a valid %s", s, t)
		}
		return float32(v), nil
	case T_float64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, moerr.NewInvalidInputNoCtx("'%s' is not a valid %s", s, t)
		}
		return v, nil
	case T_date:
		return ParseDate(s)
	case T_datetime:
		return ParseDatetime(s)
	case T_char, T_varchar, T_text:
		return s, nil
	}
	return nil, moerr.NewNotSupported(moerr.Context(), "parse value of type %s", t)
}
