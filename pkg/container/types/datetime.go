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
	"strings"
	gotime "time"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
)

// Date is the number of days since 1970-01-01.
type Date int32

// Datetime is the number of microseconds since 1970-01-01 00:00:00 UTC.
type Datetime int64

const (
	microSecsPerSec = 1000000
	microSecsPerDay = 24 * 60 * 60 * microSecsPerSec
)

func DateFromCalendar(year int32, month, day uint8) Date {
	t := gotime.Date(int(year), gotime.Month(month), int(day), 0, 0, 0, 0, gotime.UTC)
	return Date(t.Unix() / (24 * 60 * 60))
}

func DatetimeFromClock(year int32, month, day, hour, minute, sec uint8, msec uint32) Datetime {
	t := gotime.Date(int(year), gotime.Month(month), int(day), int(hour), int(minute), int(sec), 0, gotime.UTC)
	return Datetime(t.Unix()*microSecsPerSec + int64(msec))
}

// ParseDate accepts yyyy-mm-dd.
func ParseDate(s string) (Date, error) {
	t, err := gotime.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return 0, moerr.NewInvalidInputNoCtx("invalid date value %s", s)
	}
	return Date(t.Unix() / (24 * 60 * 60)), nil
}

// ParseDatetime accepts yyyy-mm-dd and yyyy-mm-dd hh:mm:ss(.ffffff).
func ParseDatetime(s string) (Datetime, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02 15:04:05.999999", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := gotime.Parse(layout, s); err == nil {
			return Datetime(t.UnixMicro()), nil
		}
	}
	return 0, moerr.NewInvalidInputNoCtx("invalid datetime value %s", s)
}

func (d Date) ToDatetime() Datetime {
	return Datetime(int64(d) * microSecsPerDay)
}

func (d Date) String() string {
	return gotime.Unix(int64(d)*24*60*60, 0).UTC().Format("2006-01-02")
}

// ToDate truncates to the day, rounding towards negative infinity.
func (dt Datetime) ToDate() Date {
	days := int64(dt) / microSecsPerDay
	if int64(dt)%microSecsPerDay < 0 {
		days--
	}
	return Date(days)
}

// HasTimePart reports whether converting dt to a Date loses precision.
func (dt Datetime) HasTimePart() bool {
	return dt.ToDate().ToDatetime() != dt
}

func (dt Datetime) String() string {
	t := gotime.UnixMicro(int64(dt)).UTC()
	if t.Nanosecond() != 0 {
		return t.Format("2006-01-02 15:04:05.000000")
	}
	return t.Format("2006-01-02 15:04:05")
}
