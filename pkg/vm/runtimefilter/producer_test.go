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

package runtimefilter_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	"github.com/matrixorigin/scanfilter/pkg/vm/runtimefilter"
	mock_runtimefilter "github.com/matrixorigin/scanfilter/pkg/vm/runtimefilter/test"
)

func remoteSpec(tag int32, kind plan.RuntimeFilterKind) *plan.RuntimeFilterSpec {
	spec := plan.MakeRuntimeFilter(tag, kind, 100, plan.NewCol("k", 0, types.T_int64.ToType()))
	spec.HasLocalTarget = false
	spec.HasRemoteTarget = true
	spec.ExpectedCard = 1000
	return spec
}

func TestProducerRemotePublish(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.TODO()

	queryID := uuid.New()
	transport := mock_runtimefilter.NewMockTransport(ctrl)
	r := runtimefilter.NewRegistry(queryID, runtimefilter.DefaultOptions(), transport)
	defer r.Close()

	spec := remoteSpec(3, plan.RuntimeFilter_IN)
	p, err := r.RegisterProducer(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, p.Insert(ctx, int64(8), int64(1), int32(5)))
	assert.InDelta(t, 3, float64(p.EstimatedNDV()), 1)

	var sent []byte
	transport.EXPECT().
		Publish(gomock.Any(), runtimefilter.Key{QueryID: queryID, FilterID: 3}, r.InstanceID(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ runtimefilter.Key, _ uuid.UUID, payload []byte) error {
			sent = payload
			return nil
		})
	require.NoError(t, p.Publish(ctx))

	// a remote registry receives what was sent
	remote := runtimefilter.NewRegistry(queryID, runtimefilter.DefaultOptions(), nil)
	defer remote.Close()
	c, err := remote.RegisterConsumer(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, remote.DeliverBytes(ctx, r.InstanceID(), sent))
	require.True(t, c.IsReady())
	require.True(t, c.Test(int64(5)))
	require.False(t, c.Test(int64(6)))
	require.Equal(t, p.Describe(), c.Describe())
	require.Equal(t, p.EstimatedNDV(), c.EstimatedNDV())
	require.Contains(t, c.String(), fmt.Sprintf("EstimatedNDV = %d", p.EstimatedNDV()))

	err = p.Publish(ctx)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidState), err)
}

func TestProducerTransportFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.TODO()

	transport := mock_runtimefilter.NewMockTransport(ctrl)
	r := runtimefilter.NewRegistry(uuid.New(), runtimefilter.DefaultOptions(), transport)
	defer r.Close()

	spec := remoteSpec(1, plan.RuntimeFilter_MIN_MAX)
	spec.HasLocalTarget = true
	c, err := r.RegisterConsumer(ctx, spec)
	require.NoError(t, err)
	p, err := r.RegisterProducer(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, p.Insert(ctx, int64(10), int64(20)))

	transport.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(moerr.NewInternalErrorNoCtx("connection reset"))
	err = p.Publish(ctx)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInternal), err)

	// the local consumer is complete regardless
	require.True(t, c.IsReady())
	require.False(t, c.IsIgnored())
	require.True(t, c.Test(int64(15)))
	require.False(t, c.Test(int64(21)))
}

func TestProducerWithoutTransport(t *testing.T) {
	ctx := context.TODO()
	p, err := runtimefilter.NewProducer(ctx, remoteSpec(1, plan.RuntimeFilter_BLOOM),
		runtimefilter.DefaultOptions(), uuid.New(), nil)
	require.NoError(t, err)
	err = p.Publish(ctx)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidState), err)
}

func TestProducerLocalBuilders(t *testing.T) {
	ctx := context.TODO()
	spec := remoteSpec(2, plan.RuntimeFilter_IN_OR_BLOOM)
	spec.HasRemoteTarget = false
	spec.HasLocalTarget = true
	spec.UpperLimit = 50

	r := runtimefilter.NewRegistry(uuid.New(), runtimefilter.DefaultOptions(), nil)
	defer r.Close()
	c, err := r.RegisterConsumer(ctx, spec)
	require.NoError(t, err)
	p, err := r.RegisterProducer(ctx, spec)
	require.NoError(t, err)

	const threads, perThread = 8, 100
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := p.NewLocalBuilder(ctx)
			require.NoError(t, err)
			for j := 0; j < perThread; j++ {
				require.NoError(t, b.Insert(int64(i*perThread+j)))
			}
			require.NoError(t, p.MergeLocal(ctx, b))
		}(i)
	}
	wg.Wait()
	ndv := p.EstimatedNDV()
	assert.InDelta(t, float64(threads*perThread), float64(ndv), threads*perThread*0.1)

	require.NoError(t, p.Publish(ctx))
	require.True(t, c.IsReady())
	require.False(t, c.IsIgnored())
	require.Equal(t, ndv, c.EstimatedNDV())
	for v := int64(0); v < threads*perThread; v++ {
		require.True(t, c.Test(v))
	}
	exprs := c.PushExprs()
	require.Len(t, exprs, 1)
	pred, ok := exprs[0].(*plan.RuntimeFilterPred)
	require.True(t, ok)
	require.Equal(t, plan.BloomFilterPred, pred.Kind)

	b, err := p.NewLocalBuilder(ctx)
	require.NoError(t, err)
	err = p.MergeLocal(ctx, b)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidState), err)
}
