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

package memoryengine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/container/valuerange"
	"github.com/matrixorigin/scanfilter/pkg/logutil"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	"github.com/matrixorigin/scanfilter/pkg/vm/engine"
)

const DefaultBlockRows = 8192

// zoneMap keeps the min and max non-null value of a column in a block.
type zoneMap struct {
	min, max any
	hasNull  bool
}

type block struct {
	rows  []plan.RowValues
	zones []zoneMap
}

func (b *block) update(row plan.RowValues) {
	for i, v := range row {
		zm := &b.zones[i]
		if v == nil {
			zm.hasNull = true
			continue
		}
		if zm.min == nil || types.CompareValue(v, zm.min) < 0 {
			zm.min = v
		}
		if zm.max == nil || types.CompareValue(v, zm.max) > 0 {
			zm.max = v
		}
	}
	b.rows = append(b.rows, row)
}

// Table is an append only in memory relation split in blocks.
type Table struct {
	name      string
	cols      []*plan.ColRef
	blockRows int

	mu     sync.RWMutex
	blocks []*block
	rows   int64
}

var _ engine.Relation = new(Table)

func NewTable(name string, cols []*plan.ColRef, blockRows int) *Table {
	if blockRows <= 0 {
		blockRows = DefaultBlockRows
	}
	return &Table{name: name, cols: cols, blockRows: blockRows}
}

func (t *Table) Name() string { return t.name }

func (t *Table) Columns() []*plan.ColRef { return t.cols }

func (t *Table) Rows() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows
}

func (t *Table) Blocks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.blocks)
}

// Append checks and adds rows, values are converted to the column types.
func (t *Table) Append(ctx context.Context, rows ...[]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range rows {
		if len(row) != len(t.cols) {
			return moerr.NewInvalidInput(ctx, "table %s has %d columns, row has %d", t.name, len(t.cols), len(row))
		}
		vals := make(plan.RowValues, len(row))
		for i, v := range row {
			if v == nil {
				continue
			}
			oid := t.cols[i].Typ.Oid
			if !types.CheckValue(oid, v) {
				cv, err := plan.CastValue(v, oid)
				if err != nil {
					return moerr.NewDataQuality(ctx, "column %s: %v", t.cols[i].Name, err)
				}
				v = cv
			}
			vals[i] = v
		}
		if len(t.blocks) == 0 || len(t.blocks[len(t.blocks)-1].rows) >= t.blockRows {
			t.blocks = append(t.blocks, &block{zones: make([]zoneMap, len(t.cols))})
		}
		t.blocks[len(t.blocks)-1].update(vals)
		t.rows++
	}
	return nil
}

// NewReaders returns num readers sharing a block cursor, each block is
// read by exactly one of them.
func (t *Table) NewReaders(ctx context.Context, num int) ([]engine.Reader, error) {
	if num <= 0 {
		return nil, moerr.NewInvalidArg(ctx, "reader number", num)
	}
	t.mu.RLock()
	blocks := append([]*block(nil), t.blocks...)
	t.mu.RUnlock()

	cursor := new(atomic.Int64)
	readers := make([]engine.Reader, num)
	for i := range readers {
		readers[i] = &reader{table: t, blocks: blocks, cursor: cursor}
	}
	return readers, nil
}

type reader struct {
	table  *Table
	blocks []*block
	cursor *atomic.Int64
	closed bool
}

func (r *reader) Read(ctx context.Context, state *engine.PushdownState) (*engine.Batch, error) {
	if r.closed {
		return nil, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, moerr.NewQueryInterrupted(ctx)
		}
		idx := r.cursor.Add(1) - 1
		if idx >= int64(len(r.blocks)) || (state != nil && state.SkipScan) {
			return nil, nil
		}
		blk := r.blocks[idx]
		if !mayMatch(blk, state) {
			logutil.Debug("block pruned by zone map",
				zap.String("table", r.table.name), zap.Int64("block", idx))
			continue
		}
		bat := &engine.Batch{}
		for _, row := range blk.rows {
			ok, err := state.Test(row)
			if err != nil {
				return nil, err
			}
			if ok {
				bat.Rows = append(bat.Rows, row)
			}
		}
		return bat, nil
	}
}

func (r *reader) Close() error {
	r.closed = true
	return nil
}

// mayMatch checks the column ranges against the zone maps of blk.
func mayMatch(blk *block, state *engine.PushdownState) bool {
	if state == nil {
		return true
	}
	for pos, vr := range state.ColumnRanges {
		if int(pos) >= len(blk.zones) {
			continue
		}
		if !zoneMayMatch(blk.zones[pos], vr) {
			return false
		}
	}
	return true
}

func zoneMayMatch(zm zoneMap, vr valuerange.ColumnValueRange) bool {
	if zm.hasNull && vr.NullState() != valuerange.NullExcluded {
		return true
	}
	if zm.min == nil {
		// only nulls in the block
		return false
	}
	if vr.IsFixed() {
		for _, v := range vr.FixedValues() {
			if types.CompareValue(v, zm.min) >= 0 && types.CompareValue(v, zm.max) <= 0 {
				return true
			}
		}
		return false
	}
	low, lowIncl, high, highIncl := vr.Bounds()
	if low != nil {
		c := types.CompareValue(zm.max, low)
		if c < 0 || (c == 0 && !lowIncl) {
			return false
		}
	}
	if high != nil {
		c := types.CompareValue(zm.min, high)
		if c > 0 || (c == 0 && !highIncl) {
			return false
		}
	}
	return true
}
