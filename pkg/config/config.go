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

package config

import (
	"context"
	"io"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/logutil"
	tomlutil "github.com/matrixorigin/scanfilter/pkg/util/toml"
)

var (
	defaultRuntimeFilterWaitTime        = time.Second
	defaultRuntimeFilterMaxInNum        = 1024
	defaultMaxPushdownConditionsPerCol  = 1024
	defaultBloomFilterMinSize           = 4 * tomlutil.KB
	defaultBloomFilterMaxSize           = 16 * tomlutil.MB
	defaultBloomFilterFpp               = 0.01
	defaultCompressThreshold            = 4 * tomlutil.KB
	defaultScannerConcurrency           = 4
	maxRuntimeFilterWaitTime            = 10 * time.Minute
	maxPushdownConditionsPerColumnLimit = 1 << 20
)

// RuntimeFilterParameters configures runtime filter propagation and scan
// predicate pushdown.
type RuntimeFilterParameters struct {
	// WaitTime is the maximum time one scan operator instance waits for all
	// of its runtime filters. Default is 1s.
	WaitTime tomlutil.Duration `toml:"runtime-filter-wait-time"`

	// MaxInNum caps the IN filter cardinality. IN_OR_BLOOM filters degrade to
	// bloom above it, plain IN filters are ignored.
	MaxInNum int `toml:"runtime-filter-max-in-num"`

	// MaxPushdownConditionsPerColumn caps IN list and NOT IN pushdown.
	MaxPushdownConditionsPerColumn int `toml:"max-pushdown-conditions-per-column"`

	EnableFunctionPushdown bool `toml:"enable-function-pushdown"`

	EnableMatchPushdown bool `toml:"enable-match-pushdown"`

	Bloom struct {
		MinSize tomlutil.ByteSize `toml:"bloom-filter-min-size"`
		MaxSize tomlutil.ByteSize `toml:"bloom-filter-max-size"`
		// Fpp is the target false positive probability used to size a bloom
		// filter from the expected cardinality.
		Fpp float64 `toml:"bloom-filter-fpp"`
	} `toml:"bloom"`

	// CompressThreshold is the serialized size above which payloads are
	// lz4 compressed.
	CompressThreshold tomlutil.ByteSize `toml:"compress-threshold"`

	ScannerConcurrency int `toml:"scanner-concurrency"`

	Log logutil.LogConfig `toml:"log"`
}

// NewRuntimeFilterParameters returns a config with default values.
func NewRuntimeFilterParameters() *RuntimeFilterParameters {
	p := &RuntimeFilterParameters{}
	p.SetDefaultValues()
	return p
}

// SetDefaultValues fills every zero field with its default.
func (p *RuntimeFilterParameters) SetDefaultValues() {
	if p.WaitTime.Duration == 0 {
		p.WaitTime.Duration = defaultRuntimeFilterWaitTime
	}
	if p.MaxInNum == 0 {
		p.MaxInNum = defaultRuntimeFilterMaxInNum
	}
	if p.MaxPushdownConditionsPerColumn == 0 {
		p.MaxPushdownConditionsPerColumn = defaultMaxPushdownConditionsPerCol
	}
	if p.Bloom.MinSize == 0 {
		p.Bloom.MinSize = defaultBloomFilterMinSize
	}
	if p.Bloom.MaxSize == 0 {
		p.Bloom.MaxSize = defaultBloomFilterMaxSize
	}
	if p.Bloom.Fpp == 0 {
		p.Bloom.Fpp = defaultBloomFilterFpp
	}
	if p.CompressThreshold == 0 {
		p.CompressThreshold = defaultCompressThreshold
	}
	if p.ScannerConcurrency == 0 {
		p.ScannerConcurrency = defaultScannerConcurrency
	}
	p.Log.SetDefaultValues()
}

// Validate rejects values that cannot be used even after defaults.
func (p *RuntimeFilterParameters) Validate(ctx context.Context) error {
	if p.WaitTime.Duration < 0 || p.WaitTime.Duration > maxRuntimeFilterWaitTime {
		return moerr.NewBadConfig(ctx, "runtime-filter-wait-time %s out of range [0, %s]",
			p.WaitTime.Duration, maxRuntimeFilterWaitTime)
	}
	if p.MaxInNum < 0 {
		return moerr.NewBadConfig(ctx, "runtime-filter-max-in-num %d is negative", p.MaxInNum)
	}
	if p.MaxPushdownConditionsPerColumn < 0 ||
		p.MaxPushdownConditionsPerColumn > maxPushdownConditionsPerColumnLimit {
		return moerr.NewBadConfig(ctx, "max-pushdown-conditions-per-column %d out of range",
			p.MaxPushdownConditionsPerColumn)
	}
	if p.Bloom.MinSize > p.Bloom.MaxSize {
		return moerr.NewBadConfig(ctx, "bloom-filter-min-size %d larger than bloom-filter-max-size %d",
			p.Bloom.MinSize, p.Bloom.MaxSize)
	}
	if p.Bloom.Fpp <= 0 || p.Bloom.Fpp >= 1 {
		return moerr.NewBadConfig(ctx, "bloom-filter-fpp %v must be in (0, 1)", p.Bloom.Fpp)
	}
	if p.ScannerConcurrency < 0 {
		return moerr.NewBadConfig(ctx, "scanner-concurrency %d is negative", p.ScannerConcurrency)
	}
	return nil
}

// LoadConfig decodes the toml file at path, applies defaults and validates.
func LoadConfig(ctx context.Context, path string) (*RuntimeFilterParameters, error) {
	p := &RuntimeFilterParameters{}
	if _, err := toml.DecodeFile(path, p); err != nil {
		return nil, moerr.NewBadConfig(ctx, "decode %s: %v", path, err)
	}
	p.SetDefaultValues()
	if err := p.Validate(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Dump writes p as toml.
func (p *RuntimeFilterParameters) Dump(w io.Writer) error {
	return toml.NewEncoder(w).Encode(p)
}
