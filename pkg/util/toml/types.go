// Copyright 2022 Matrix Origin
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

package toml

import (
	"strconv"
	"strings"
	"time"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
)

// Duration is a wrapper of time.Duration for TOML and JSON.
type Duration struct {
	time.Duration
}

// MarshalText encodes a Duration value into a TOML string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a TOML string into a Duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// ByteSize is a byte count that accepts KB, MB, GB suffixes.
type ByteSize uint64

const (
	KB ByteSize = 1 << 10
	MB          = KB << 10
	GB          = MB << 10
)

func (b ByteSize) MarshalText() ([]byte, error) {
	switch {
	case b >= GB && b%GB == 0:
		return []byte(strconv.FormatUint(uint64(b/GB), 10) + "GB"), nil
	case b >= MB && b%MB == 0:
		return []byte(strconv.FormatUint(uint64(b/MB), 10) + "MB"), nil
	case b >= KB && b%KB == 0:
		return []byte(strconv.FormatUint(uint64(b/KB), 10) + "KB"), nil
	}
	return []byte(strconv.FormatUint(uint64(b), 10) + "B"), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(text)))
	unit := ByteSize(1)
	for _, suffix := range []struct {
		name string
		size ByteSize
	}{{"GB", GB}, {"MB", MB}, {"KB", KB}, {"B", 1}} {
		if strings.HasSuffix(s, suffix.name) {
			unit = suffix.size
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix.name))
			break
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return moerr.NewInvalidInputNoCtx("bad byte size %q", string(text))
	}
	*b = ByteSize(v) * unit
	return nil
}
