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

package logutil

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
)

func TestLogConfigGetters(t *testing.T) {
	cfg := &LogConfig{Level: "debug", Format: "console"}
	require.Equal(t, zap.NewAtomicLevelAt(zap.DebugLevel), cfg.getLevel())
	require.Len(t, cfg.getOptions(), 2)
	require.NotNil(t, cfg.getSyncer())
	require.Len(t, cfg.getSinks(), 1)

	cfg.Level = "loud"
	require.Panics(t, func() { cfg.getLevel() })
	cfg.StacktraceLevel = "never"
	require.Panics(t, func() { cfg.getOptions() })
}

func TestSetupMOLogger(t *testing.T) {
	defer leaktest.AfterTest(t)()
	for _, format := range []string{"console", "json"} {
		conf := &LogConfig{Level: "debug", Format: format, StacktraceLevel: "error"}
		SetupMOLogger(conf)
		require.Equal(t, format, getGlobalLogConfig().Format)
		Debug("logger ready", FilterIDField(1))
	}
}

func TestSetupMOLoggerBadConfig(t *testing.T) {
	defer func() {
		err := recover()
		require.Equal(t, moerr.NewInternalError(context.TODO(), "unsupported log format: %s", "xml"), err)
	}()
	SetupMOLogger(&LogConfig{Level: "info", Format: "xml"})
}

func TestSetupMOLoggerDirectory(t *testing.T) {
	defer func() {
		require.Equal(t, "log file can't be a directory", recover())
	}()
	SetupMOLogger(&LogConfig{Level: "info", Format: "json", Filename: t.TempDir()})
}

// lumberjack keeps a goroutine per file, no leak check here.
func TestLogToFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "rf.log")
	SetupMOLogger(&LogConfig{Level: "info", Format: "json", Filename: name})
	t.Cleanup(func() {
		SetupMOLogger(&LogConfig{Level: "info", Format: "console"})
	})

	ctx := WithQueryID(context.Background(), "q1")
	InfoCtx(ctx, "runtime filter ready", FilterIDField(3))
	DebugCtx(ctx, "dropped below level")
	require.NoError(t, GetGlobalLogger().Sync())

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	re := regexp.MustCompile(`"level":"INFO".*"msg":"runtime filter ready".*"filter-id":3.*"query-id":"q1"`)
	require.Len(t, re.FindAll(data, -1), 1)
	require.NotContains(t, string(data), "dropped below level")
}

func TestLoggerEncoder(t *testing.T) {
	entry := zapcore.Entry{Level: zapcore.WarnLevel, Message: "runtime filter ignored"}
	buf, err := getLoggerEncoder("console").EncodeEntry(entry, nil)
	require.NoError(t, err)
	// 0001/01/01 00:00:00.000000 +0000 WARN runtime filter ignored
	require.Regexp(t, `\d{4}/\d{2}/\d{2} (\d{2}:?){3}\.\d{6} \+\d{4}\s+WARN\s+runtime filter ignored`, buf.String())

	buf, err = getLoggerEncoder("json").EncodeEntry(entry, []zap.Field{FilterIDField(9)})
	require.NoError(t, err)
	require.Regexp(t, `\{.*"level":"WARN".*"msg":"runtime filter ignored".*"filter-id":9.*\}`, buf.String())
}

func TestContextFields(t *testing.T) {
	ctx := WithQueryID(context.Background(), "q1")
	ctx = WithInstanceID(ctx, "i1")
	fields := ContextFields(ctx)
	require.Equal(t, []zap.Field{QueryIDField("q1"), zap.String("instance-id", "i1")}, fields)
	require.Empty(t, ContextFields(context.Background()))
}

func TestLogConfigSetDefaultValues(t *testing.T) {
	cfg := &LogConfig{}
	cfg.SetDefaultValues()
	require.Equal(t, "info", cfg.Level)
	require.Equal(t, "console", cfg.Format)
	require.Equal(t, 512, cfg.MaxSize)
	require.Equal(t, "panic", cfg.StacktraceLevel)
}
