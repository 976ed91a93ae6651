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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("50ms")))
	require.Equal(t, 50*time.Millisecond, d.Duration)
	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "50ms", string(text))
	require.Error(t, d.UnmarshalText([]byte("fast")))
}

func TestByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want ByteSize
		out  string
	}{
		{"4KB", 4 * KB, "4KB"},
		{"16mb", 16 * MB, "16MB"},
		{"1GB", GB, "1GB"},
		{"100", 100, "100B"},
		{"1536 B", 1536, "1536B"},
	}
	for _, c := range cases {
		var b ByteSize
		require.NoError(t, b.UnmarshalText([]byte(c.in)), c.in)
		require.Equal(t, c.want, b, c.in)
		text, err := b.MarshalText()
		require.NoError(t, err)
		require.Equal(t, c.out, string(text))
	}

	var b ByteSize
	require.Error(t, b.UnmarshalText([]byte("lots")))
}
