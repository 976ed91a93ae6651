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
	"sort"
	"strings"
	"sync"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	"github.com/matrixorigin/scanfilter/pkg/vm/engine"
)

// Engine is a catalog of in memory tables.
type Engine struct {
	mu     sync.Mutex
	tables map[string]*Table
}

func New() *Engine {
	return &Engine{tables: make(map[string]*Table)}
}

func (e *Engine) Create(ctx context.Context, relName string, cols []*plan.ColRef, blockRows int) (*Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := strings.ToLower(relName)
	if _, ok := e.tables[name]; ok {
		return nil, moerr.NewInvalidInput(ctx, "table %s already exists", relName)
	}
	t := NewTable(name, cols, blockRows)
	e.tables[name] = t
	return t, nil
}

func (e *Engine) Relation(ctx context.Context, relName string) (engine.Relation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[strings.ToLower(relName)]
	if !ok {
		return nil, moerr.NewInvalidInput(ctx, "table %s does not exist", relName)
	}
	return t, nil
}

func (e *Engine) Delete(ctx context.Context, relName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := strings.ToLower(relName)
	if _, ok := e.tables[name]; !ok {
		return moerr.NewInvalidInput(ctx, "table %s does not exist", relName)
	}
	delete(e.tables, name)
	return nil
}

func (e *Engine) Relations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
