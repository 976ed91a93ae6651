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

	hll "github.com/axiomhq/hyperloglog"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
)

type deliverFunc func(ctx context.Context, sender uuid.UUID, p *Payload) error

// Producer is the build side of a runtime filter.
type Producer struct {
	*filter

	queryID    uuid.UUID
	instanceID uuid.UUID
	transport  Transport
	local      deliverFunc

	// ndv estimates the distinct build side values, guarded by mu.
	ndv       *hll.Sketch
	published bool
}

// NewProducer creates a producer outside of any registry. Publish then
// only reaches remote targets through transport.
func NewProducer(ctx context.Context, spec *plan.RuntimeFilterSpec, opts Options,
	queryID uuid.UUID, transport Transport) (*Producer, error) {
	f, err := newFilter(ctx, spec, opts)
	if err != nil {
		return nil, err
	}
	return &Producer{
		filter:     f,
		queryID:    queryID,
		instanceID: uuid.New(),
		transport:  transport,
		ndv:        hll.New(),
	}, nil
}

// InstanceID identifies this producer among the contributors of a filter.
func (p *Producer) InstanceID() uuid.UUID { return p.instanceID }

func (p *Producer) checkInsertLocked(ctx context.Context) error {
	if p.published {
		return moerr.NewInvalidState(ctx, "runtime filter %d is published, insert rejected", p.spec.Tag)
	}
	return nil
}

// afterChangeLocked runs the per kind bookkeeping once the wrapper grew.
func (p *Producer) afterChangeLocked(wasBloom bool) {
	p.estimatedNDV = p.ndv.Estimate()
	p.checkOverflowLocked()
	if w, ok := p.wrapper.(*InOrBloomFilter); ok && !wasBloom && w.IsBloom() {
		p.logger().Info("runtime filter degraded to bloom filter",
			zap.Uint64("estimated-ndv", p.estimatedNDV),
			zap.Uint64("bits", w.Bloom().BitSize()))
	}
}

func (p *Producer) isBloomLocked() bool {
	w, ok := p.wrapper.(*InOrBloomFilter)
	return ok && w.IsBloom()
}

// Insert adds build side values. It fails once the filter is published.
func (p *Producer) Insert(ctx context.Context, vals ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkInsertLocked(ctx); err != nil {
		return err
	}
	if p.ignored {
		return nil
	}
	wasBloom := p.isBloomLocked()
	for _, v := range vals {
		if v == nil {
			continue
		}
		nv, err := normalize(p.wrapper.Type(), v)
		if err != nil {
			return err
		}
		p.ndv.Insert(types.EncodeValue(nil, nv))
		if err = p.wrapper.Insert(nv); err != nil {
			return err
		}
	}
	p.afterChangeLocked(wasBloom)
	return nil
}

// LocalBuilder accumulates the values of one build thread without
// locking. Its content reaches the producer through MergeLocal.
type LocalBuilder struct {
	w   Wrapper
	ndv *hll.Sketch
}

// NewLocalBuilder returns an empty builder compatible with p.
func (p *Producer) NewLocalBuilder(ctx context.Context) (*LocalBuilder, error) {
	w, err := NewWrapper(ctx, p.spec, p.opts)
	if err != nil {
		return nil, err
	}
	return &LocalBuilder{w: w, ndv: hll.New()}, nil
}

func (b *LocalBuilder) Insert(v any) error {
	if v == nil {
		return nil
	}
	nv, err := normalize(b.w.Type(), v)
	if err != nil {
		return err
	}
	b.ndv.Insert(types.EncodeValue(nil, nv))
	return b.w.Insert(nv)
}

// MergeLocal folds a build thread's values into p.
func (p *Producer) MergeLocal(ctx context.Context, b *LocalBuilder) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkInsertLocked(ctx); err != nil {
		return err
	}
	if p.ignored {
		return nil
	}
	wasBloom := p.isBloomLocked()
	if err := p.wrapper.Merge(b.w); err != nil {
		return err
	}
	if err := p.ndv.Merge(b.ndv); err != nil {
		return moerr.ConvertGoError(ctx, err)
	}
	p.afterChangeLocked(wasBloom)
	return nil
}

// Ignore makes every consumer of the filter accept all rows.
func (p *Producer) Ignore(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignoreLocked(reason)
}

// Publish completes the build and hands the filter to its consumers: the
// local one through the registry, remote ones through the transport. It
// may be called once. A transport failure is returned to the caller but
// leaves local consumers untouched.
func (p *Producer) Publish(ctx context.Context) error {
	p.mu.Lock()
	if p.published {
		p.mu.Unlock()
		return moerr.NewInvalidState(ctx, "runtime filter %d is already published", p.spec.Tag)
	}
	p.published = true
	p.setStateLocked(Ready)
	payload := &Payload{
		FilterID: p.spec.Tag,
		Ignored:  p.ignored,
		Reason:   p.ignoredMsg,
	}
	if !p.ignored {
		payload.Wrapper = p.wrapper.Clone()
		payload.EstimatedNDV = p.estimatedNDV
	}
	p.mu.Unlock()

	p.logger().Debug("publish runtime filter",
		zap.Bool("ignored", payload.Ignored),
		zap.Uint64("estimated-ndv", payload.EstimatedNDV),
		zap.Bool("local", p.spec.HasLocalTarget),
		zap.Bool("remote", p.spec.HasRemoteTarget))

	var localErr error
	if p.spec.HasLocalTarget && p.local != nil {
		if localErr = p.local(ctx, p.instanceID, payload); localErr != nil {
			p.logger().Warn("deliver runtime filter locally failed", zap.Error(localErr))
		}
	}
	if !p.spec.HasRemoteTarget {
		return localErr
	}
	if p.transport == nil {
		return moerr.NewInvalidState(ctx, "runtime filter %d has remote targets but no transport", p.spec.Tag)
	}
	data, err := payload.Marshal(p.opts.CompressThreshold)
	if err != nil {
		return err
	}
	key := Key{QueryID: p.queryID, FilterID: p.spec.Tag}
	if err = p.transport.Publish(ctx, key, p.instanceID, data); err != nil {
		p.logger().Error("publish runtime filter failed", zap.String("key", key.String()), zap.Error(err))
		return err
	}
	return localErr
}
