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
	"bytes"
	"context"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/logutil"
	"github.com/matrixorigin/scanfilter/pkg/vm/runtimefilter"
)

var _ Message = new(RuntimeFilterMsg)

// RuntimeFilterMsg carries one serialized producer contribution.
type RuntimeFilterMsg struct {
	QueryID uuid.UUID
	Sender  uuid.UUID
	Tag     int32
	Data    []byte
}

const (
	msgFieldQueryID protowire.Number = iota + 1
	msgFieldSender
	msgFieldTag
	msgFieldData
)

func (t RuntimeFilterMsg) Serialize() []byte {
	buf := make([]byte, 0, 48+len(t.Data))
	buf = protowire.AppendTag(buf, msgFieldQueryID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, t.QueryID[:])
	buf = protowire.AppendTag(buf, msgFieldSender, protowire.BytesType)
	buf = protowire.AppendBytes(buf, t.Sender[:])
	buf = protowire.AppendTag(buf, msgFieldTag, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(uint32(t.Tag)))
	buf = protowire.AppendTag(buf, msgFieldData, protowire.BytesType)
	return protowire.AppendBytes(buf, t.Data)
}

// Deserialize returns nil for a malformed message.
func (t RuntimeFilterMsg) Deserialize(data []byte) Message {
	var msg RuntimeFilterMsg
	var hasTag bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil
		}
		data = data[n:]
		switch {
		case num == msgFieldTag && typ == protowire.VarintType:
			var v uint64
			if v, n = protowire.ConsumeVarint(data); n < 0 {
				return nil
			}
			msg.Tag, hasTag = int32(uint32(v)), true
		case typ == protowire.BytesType && num >= msgFieldQueryID && num <= msgFieldData && num != msgFieldTag:
			var v []byte
			if v, n = protowire.ConsumeBytes(data); n < 0 {
				return nil
			}
			switch num {
			case msgFieldQueryID:
				if len(v) != len(msg.QueryID) {
					return nil
				}
				copy(msg.QueryID[:], v)
			case msgFieldSender:
				if len(v) != len(msg.Sender) {
					return nil
				}
				copy(msg.Sender[:], v)
			default:
				msg.Data = append([]byte(nil), v...)
			}
		default:
			if n = protowire.ConsumeFieldValue(num, typ, data); n < 0 {
				return nil
			}
		}
		data = data[n:]
	}
	if !hasTag {
		return nil
	}
	return msg
}

func (t RuntimeFilterMsg) NeedBlock() bool {
	return true
}

func (t RuntimeFilterMsg) Destroy() {
}

func (t RuntimeFilterMsg) GetMsgTag() int32 {
	return t.Tag
}

func (t RuntimeFilterMsg) GetReceiverAddr() MessageAddress {
	return AddrBroadCastOnCurrentCN()
}

func (t RuntimeFilterMsg) DebugString() string {
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	buf.WriteString("runtime filter message, tag:" + strconv.Itoa(int(t.Tag)) + "\n")
	buf.WriteString("sender " + t.Sender.String() + "\n")
	buf.WriteString("payload size " + strconv.Itoa(len(t.Data)) + "\n")
	return buf.String()
}

// Transport publishes runtime filters on the boards of a MessageCenter.
type Transport struct {
	mc *MessageCenter
}

var _ runtimefilter.Transport = new(Transport)

func NewTransport(mc *MessageCenter) *Transport {
	return &Transport{mc: mc}
}

func (tr *Transport) Publish(ctx context.Context, key runtimefilter.Key, sender uuid.UUID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return moerr.NewQueryInterrupted(ctx)
	}
	SendMessage(RuntimeFilterMsg{
		QueryID: key.QueryID,
		Sender:  sender,
		Tag:     key.FilterID,
		Data:    payload,
	}, tr.mc.BoardOf(key.QueryID))
	return nil
}

// ReceiveRuntimeFilters delivers the messages of mb to the consumers of
// r until every consumer is ready, ctx is done or mb is reset. Repeated
// contributions, such as the remote copy of a filter already delivered
// locally, are skipped.
func ReceiveRuntimeFilters(ctx context.Context, r *runtimefilter.Registry, mb *MessageBoard) error {
	consumers := r.Consumers()
	if len(consumers) == 0 {
		return nil
	}
	tags := make([]int32, len(consumers))
	for i, c := range consumers {
		tags[i] = c.ID()
	}
	ctx = r.Context(ctx)
	msgReceiver := NewMessageReceiver(tags, AddrBroadCastOnCurrentCN(), mb)
	for {
		msgs, ctxDone, err := msgReceiver.ReceiveMessage(true, ctx)
		if err != nil {
			return err
		}
		if ctxDone || len(msgs) == 0 {
			return nil
		}
		for i := range msgs {
			msg, ok := msgs[i].(RuntimeFilterMsg)
			if !ok {
				panic("expect runtime filter message, receive unknown message!")
			}
			if msg.QueryID != r.QueryID() {
				continue
			}
			err = r.DeliverBytes(ctx, msg.Sender, msg.Data)
			switch {
			case err == nil:
			case moerr.IsMoErrCode(err, moerr.ErrRuntimeFilterDuplicatePart):
				logutil.DebugCtx(ctx, "skip repeated runtime filter contribution",
					logutil.FilterIDField(msg.Tag), zap.String("sender", msg.Sender.String()))
			case moerr.IsMoErrCode(err, moerr.ErrRuntimeFilterClosed):
				return nil
			default:
				logutil.WarnCtx(ctx, "deliver runtime filter failed",
					logutil.FilterIDField(msg.Tag), zap.Error(err))
			}
		}
		if allReady(consumers) {
			return nil
		}
	}
}

func allReady(consumers []*runtimefilter.Consumer) bool {
	for _, c := range consumers {
		if !c.IsReady() {
			return false
		}
	}
	return true
}
