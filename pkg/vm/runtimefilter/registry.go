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

package runtimefilter

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/logutil"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
)

type consumerEntry struct {
	// mu orders the contributions of one consumer, counting and merging
	// happen under it so the last contribution is applied last.
	mu       sync.Mutex
	consumer *Consumer
	expected int
	applied  map[uuid.UUID]struct{}
}

// Registry owns the runtime filters of one fragment instance. Handles
// returned by it stay valid until Close.
type Registry struct {
	queryID    uuid.UUID
	instanceID uuid.UUID
	opts       Options
	transport  Transport

	mu        sync.Mutex
	closed    bool
	producers map[int32]*Producer
	consumers map[int32]*consumerEntry
}

// NewRegistry creates the registry of a new fragment instance of query
// queryID. transport may be nil when no filter has remote targets.
func NewRegistry(queryID uuid.UUID, opts Options, transport Transport) *Registry {
	return &Registry{
		queryID:    queryID,
		instanceID: uuid.New(),
		opts:       opts,
		transport:  transport,
		producers:  make(map[int32]*Producer),
		consumers:  make(map[int32]*consumerEntry),
	}
}

func (r *Registry) QueryID() uuid.UUID { return r.queryID }

func (r *Registry) InstanceID() uuid.UUID { return r.instanceID }

func (r *Registry) Options() Options { return r.opts }

// Context returns ctx carrying the identity of the registry for logging.
func (r *Registry) Context(ctx context.Context) context.Context {
	ctx = logutil.WithQueryID(ctx, r.queryID.String())
	return logutil.WithInstanceID(ctx, r.instanceID.String())
}

// RegisterProducer creates the producer of spec in this instance.
func (r *Registry) RegisterProducer(ctx context.Context, spec *plan.RuntimeFilterSpec) (*Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, moerr.NewRuntimeFilterClosed(ctx, spec.Tag)
	}
	if _, ok := r.producers[spec.Tag]; ok {
		return nil, moerr.NewInvalidState(ctx, "runtime filter %d already has a producer", spec.Tag)
	}
	p, err := NewProducer(r.Context(ctx), spec, r.opts, r.queryID, r.transport)
	if err != nil {
		return nil, err
	}
	p.instanceID = r.instanceID
	p.local = r.Deliver
	r.producers[spec.Tag] = p
	return p, nil
}

// RegisterConsumer returns the consumer of spec, creating it on first
// use. All scan operators of the instance share one consumer per filter.
func (r *Registry) RegisterConsumer(ctx context.Context, spec *plan.RuntimeFilterSpec) (*Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, moerr.NewRuntimeFilterClosed(ctx, spec.Tag)
	}
	if e, ok := r.consumers[spec.Tag]; ok {
		if e.consumer.spec.Kind != spec.Kind {
			return nil, moerr.NewInvalidArg(ctx, "runtime filter kind", spec.Kind.String())
		}
		return e.consumer, nil
	}
	c, err := NewConsumer(r.Context(ctx), spec, r.opts)
	if err != nil {
		return nil, err
	}
	r.consumers[spec.Tag] = &consumerEntry{
		consumer: c,
		expected: spec.ExpectedContributors(),
		applied:  make(map[uuid.UUID]struct{}),
	}
	return c, nil
}

func (r *Registry) LookupProducer(ctx context.Context, id int32) (*Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.producers[id]; ok {
		return p, nil
	}
	return nil, moerr.NewRuntimeFilterNotFound(ctx, id)
}

func (r *Registry) LookupConsumer(ctx context.Context, id int32) (*Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.consumers[id]; ok {
		return e.consumer, nil
	}
	return nil, moerr.NewRuntimeFilterNotFound(ctx, id)
}

// Consumers returns every consumer ordered by filter id.
func (r *Registry) Consumers() []*Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := make([]*Consumer, 0, len(r.consumers))
	for _, e := range r.consumers {
		cs = append(cs, e.consumer)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID() < cs[j].ID() })
	return cs
}

// Deliver applies the contribution of sender to the local consumer of
// p.FilterID. Each sender is applied at most once, the consumer becomes
// ready with the contribution completing its expected count.
func (r *Registry) Deliver(ctx context.Context, sender uuid.UUID, p *Payload) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return moerr.NewRuntimeFilterClosed(ctx, p.FilterID)
	}
	e, ok := r.consumers[p.FilterID]
	_, isProducer := r.producers[p.FilterID]
	r.mu.Unlock()
	if !ok {
		if isProducer {
			return moerr.NewRuntimeFilterRoleMismatch(ctx, p.FilterID, "merge", "producer")
		}
		return moerr.NewRuntimeFilterNotFound(ctx, p.FilterID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.applied[sender]; dup {
		return moerr.NewRuntimeFilterDuplicatePart(ctx, p.FilterID, sender.String())
	}
	if len(e.applied) >= e.expected {
		return moerr.NewInvalidState(ctx, "runtime filter %d expects %d contributions, got one more from %s",
			p.FilterID, e.expected, sender)
	}
	e.applied[sender] = struct{}{}
	last := len(e.applied) == e.expected

	c := e.consumer
	if p.Ignored {
		c.Ignore(p.Reason)
		return nil
	}
	if p.Wrapper == nil {
		return moerr.NewInvalidInput(ctx, "runtime filter %d payload without data", p.FilterID)
	}
	c.AddEstimatedNDV(p.EstimatedNDV)
	if err := c.Merge(ctx, p.Wrapper, last); err != nil {
		c.logger().Warn("merge runtime filter failed", zap.String("sender", sender.String()), zap.Error(err))
		return err
	}
	return nil
}

// DeliverBytes decodes a serialized payload and delivers it.
func (r *Registry) DeliverBytes(ctx context.Context, sender uuid.UUID, data []byte) error {
	p, err := UnmarshalPayload(data)
	if err != nil {
		return err
	}
	return r.Deliver(ctx, sender, p)
}

// Close tears the instance down: consumers are closed, later
// registrations and deliveries fail.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, e := range r.consumers {
		e.consumer.Close()
	}
}
