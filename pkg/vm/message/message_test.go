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

package message

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	"github.com/matrixorigin/scanfilter/pkg/vm/runtimefilter"
)

func TestMessageBoard(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.TODO()
	mb := NewMessageBoard()

	r1 := NewMessageReceiver([]int32{1}, AddrBroadCastOnCurrentCN(), mb)
	r2 := NewMessageReceiver([]int32{1, 2}, AddrBroadCastOnCurrentCN(), mb)

	msgs, ctxDone, err := r1.ReceiveMessage(false, ctx)
	require.NoError(t, err)
	require.False(t, ctxDone)
	require.Empty(t, msgs)

	done := make(chan []Message)
	go func() {
		msgs, _, err := r1.ReceiveMessage(true, ctx)
		require.NoError(t, err)
		done <- msgs
	}()
	SendMessage(RuntimeFilterMsg{Tag: 2}, mb)
	SendMessage(RuntimeFilterMsg{Tag: 1, Data: []byte{7}}, mb)
	msgs = <-done
	require.Len(t, msgs, 1)
	require.Equal(t, []byte{7}, msgs[0].(RuntimeFilterMsg).Data)

	msgs, _, err = r2.ReceiveMessage(true, ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, 2, mb.Len())

	// nothing new for r2
	msgs, _, err = r2.ReceiveMessage(false, ctx)
	require.NoError(t, err)
	require.Empty(t, msgs)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	msgs, ctxDone, err = r2.ReceiveMessage(true, cctx)
	require.NoError(t, err)
	require.True(t, ctxDone)
	require.Empty(t, msgs)

	go func() {
		time.Sleep(10 * time.Millisecond)
		mb.Reset()
	}()
	msgs, ctxDone, err = r2.ReceiveMessage(true, ctx)
	require.NoError(t, err)
	require.False(t, ctxDone)
	require.Empty(t, msgs)
	require.Equal(t, 0, mb.Len())
}

func TestRuntimeFilterMsgSerialize(t *testing.T) {
	msg := RuntimeFilterMsg{QueryID: uuid.New(), Sender: uuid.New(), Tag: 42, Data: []byte("abc")}
	got := RuntimeFilterMsg{}.Deserialize(msg.Serialize())
	require.Equal(t, msg, got)
	require.Nil(t, RuntimeFilterMsg{}.Deserialize([]byte{1, 2}))
	data := msg.Serialize()
	require.Nil(t, RuntimeFilterMsg{}.Deserialize(data[:len(data)-1]))
	// the tag is required
	require.Nil(t, RuntimeFilterMsg{}.Deserialize(data[:18]))
	// a short uuid
	short := protowire.AppendTag(nil, msgFieldQueryID, protowire.BytesType)
	short = protowire.AppendBytes(short, []byte{1, 2, 3})
	short = protowire.AppendTag(short, msgFieldTag, protowire.VarintType)
	require.Nil(t, RuntimeFilterMsg{}.Deserialize(protowire.AppendVarint(short, 42)))
	require.Contains(t, msg.DebugString(), "tag:42")
}

func TestRuntimeFilterTransport(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.TODO()
	queryID := uuid.New()
	mc := NewMessageCenter()
	defer mc.Release(queryID)
	transport := NewTransport(mc)

	spec := plan.MakeRuntimeFilter(1, plan.RuntimeFilter_IN, 10, plan.NewCol("a", 0, types.T_int64.ToType()))
	spec.HasRemoteTarget = true
	spec.Contributors = 2

	// one consuming instance and two producing ones, the first of them
	// also feeds its own local consumer
	consuming := runtimefilter.NewRegistry(queryID, runtimefilter.DefaultOptions(), transport)
	defer consuming.Close()
	c, err := consuming.RegisterConsumer(ctx, spec)
	require.NoError(t, err)
	p1, err := consuming.RegisterProducer(ctx, spec)
	require.NoError(t, err)

	remoteSpec := *spec
	remoteSpec.HasLocalTarget = false
	producing := runtimefilter.NewRegistry(queryID, runtimefilter.DefaultOptions(), transport)
	defer producing.Close()
	p2, err := producing.RegisterProducer(ctx, &remoteSpec)
	require.NoError(t, err)

	done := make(chan error)
	go func() {
		done <- ReceiveRuntimeFilters(ctx, consuming, mc.BoardOf(queryID))
	}()

	require.NoError(t, p1.Insert(ctx, int64(1)))
	require.NoError(t, p1.Publish(ctx))
	require.False(t, c.IsReady())
	require.NoError(t, p2.Insert(ctx, int64(2)))
	require.NoError(t, p2.Publish(ctx))

	require.NoError(t, <-done)
	require.True(t, c.IsReady())
	require.True(t, c.Test(int64(1)))
	require.True(t, c.Test(int64(2)))
	require.False(t, c.Test(int64(3)))
}

func TestReceiveRuntimeFiltersStops(t *testing.T) {
	defer leaktest.AfterTest(t)()
	queryID := uuid.New()
	mc := NewMessageCenter()
	r := runtimefilter.NewRegistry(queryID, runtimefilter.DefaultOptions(), NewTransport(mc))
	defer r.Close()

	// no consumer, nothing to wait for
	require.NoError(t, ReceiveRuntimeFilters(context.TODO(), r, mc.BoardOf(queryID)))

	spec := plan.MakeRuntimeFilter(1, plan.RuntimeFilter_BLOOM, 0, plan.NewCol("a", 0, types.T_int64.ToType()))
	_, err := r.RegisterConsumer(context.TODO(), spec)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, ReceiveRuntimeFilters(ctx, r, mc.BoardOf(queryID)))

	mb := mc.BoardOf(queryID)
	go func() {
		time.Sleep(10 * time.Millisecond)
		mc.Release(queryID)
	}()
	require.NoError(t, ReceiveRuntimeFilters(context.TODO(), r, mb))
}
