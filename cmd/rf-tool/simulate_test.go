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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/scanfilter/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := rootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)

	var p config.RuntimeFilterParameters
	_, err = toml.Decode(out, &p)
	require.NoError(t, err)
	require.Equal(t, config.NewRuntimeFilterParameters().MaxInNum, p.MaxInNum)

	path := filepath.Join(t.TempDir(), "rf.toml")
	require.NoError(t, os.WriteFile(path, []byte("runtime-filter-max-in-num = 16\n"), 0644))
	out, err = execute(t, "config", "-c", path)
	require.NoError(t, err)
	require.Contains(t, out, "runtime-filter-max-in-num = 16")
}

func TestSimulateLocal(t *testing.T) {
	out, err := execute(t, "simulate", "--rows", "1000", "--block-rows", "100", "--build-rows", "10", "--step", "10")
	require.NoError(t, err)
	require.Contains(t, out, "simulate in filter")
	require.Contains(t, out, "IsPushDown = true")
	// a in {0, 10, .., 90} and b < 50
	require.Contains(t, out, "rows 5 of 1000")
}

func TestSimulateRemote(t *testing.T) {
	for _, kind := range []string{"minmax", "bloom", "in_or_bloom", "bitmap"} {
		out, err := execute(t, "simulate", "--rows", "1000", "--block-rows", "100",
			"--build-rows", "10", "--step", "10", "--kind", kind, "--remote", "--producers", "2")
		require.NoError(t, err, kind)
		require.Contains(t, out, "RuntimeFilterState = READY", kind)
		want := "rows 5 of 1000"
		if kind == "minmax" {
			// every a in [0, 90] passes
			want = "rows 50 of 1000"
		}
		require.Contains(t, out, want, kind)
	}
}

func TestSimulateBadArgs(t *testing.T) {
	_, err := execute(t, "simulate", "--kind", "hash")
	require.Error(t, err)
	_, err = execute(t, "simulate", "--producers", "2")
	require.Error(t, err)
}
