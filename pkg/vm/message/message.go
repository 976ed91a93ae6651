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
	"sync"

	"github.com/google/uuid"
)

// Message is what operators exchange through a MessageBoard.
type Message interface {
	Serialize() []byte
	Deserialize([]byte) Message
	NeedBlock() bool
	GetMsgTag() int32
	GetReceiverAddr() MessageAddress
	DebugString() string
	Destroy()
}

// MessageAddress names the receiver of a message. The zero address is a
// broadcast to every receiver of the board.
type MessageAddress struct {
	CnAddr     string
	OperatorID int32
	ParallelID int32
}

func AddrBroadCastOnCurrentCN() MessageAddress {
	return MessageAddress{}
}

func (a MessageAddress) isBroadcast() bool {
	return a == MessageAddress{}
}

// MessageBoard is an append only log of the messages of one query.
// Receivers read it from their own offset, so every receiver sees every
// message addressed to it exactly once.
type MessageBoard struct {
	mu       sync.Mutex
	messages []Message
	// notify is closed and replaced on every send.
	notify chan struct{}
	closed bool
}

func NewMessageBoard() *MessageBoard {
	return &MessageBoard{notify: make(chan struct{})}
}

// SendMessage appends m to mb and wakes the blocked receivers. Messages
// sent to a closed board are destroyed.
func SendMessage(m Message, mb *MessageBoard) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		m.Destroy()
		return
	}
	mb.messages = append(mb.messages, m)
	close(mb.notify)
	mb.notify = make(chan struct{})
}

// Reset destroys the messages and wakes the receivers, which return
// once they drained what is left.
func (mb *MessageBoard) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	for _, m := range mb.messages {
		m.Destroy()
	}
	mb.messages = nil
	close(mb.notify)
}

func (mb *MessageBoard) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.messages)
}

type MessageReceiver struct {
	offset int
	tags   []int32
	addr   MessageAddress
	mb     *MessageBoard
}

func NewMessageReceiver(tags []int32, addr MessageAddress, mb *MessageBoard) *MessageReceiver {
	return &MessageReceiver{tags: tags, addr: addr, mb: mb}
}

func (mr *MessageReceiver) match(m Message) bool {
	if !m.GetReceiverAddr().isBroadcast() && m.GetReceiverAddr() != mr.addr {
		return false
	}
	for _, tag := range mr.tags {
		if tag == m.GetMsgTag() {
			return true
		}
	}
	return false
}

// ReceiveMessage returns the messages sent since the previous call. With
// needBlock it waits for at least one, ctxDone reports that ctx ended
// the wait. A reset board returns no message and no error.
func (mr *MessageReceiver) ReceiveMessage(needBlock bool, ctx context.Context) ([]Message, bool, error) {
	for {
		mr.mb.mu.Lock()
		var msgs []Message
		for ; mr.offset < len(mr.mb.messages); mr.offset++ {
			if m := mr.mb.messages[mr.offset]; mr.match(m) {
				msgs = append(msgs, m)
			}
		}
		closed := mr.mb.closed
		notify := mr.mb.notify
		mr.mb.mu.Unlock()

		if len(msgs) > 0 || !needBlock || closed {
			return msgs, false, nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, true, nil
		}
	}
}

// MessageCenter holds the boards of the running queries of a node.
type MessageCenter struct {
	mu     sync.Mutex
	boards map[uuid.UUID]*MessageBoard
}

func NewMessageCenter() *MessageCenter {
	return &MessageCenter{boards: make(map[uuid.UUID]*MessageBoard)}
}

// BoardOf returns the board of queryID, creating it on first use.
func (mc *MessageCenter) BoardOf(queryID uuid.UUID) *MessageBoard {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mb, ok := mc.boards[queryID]
	if !ok {
		mb = NewMessageBoard()
		mc.boards[queryID] = mb
	}
	return mb
}

// Release resets and forgets the board of a finished query.
func (mc *MessageCenter) Release(queryID uuid.UUID) {
	mc.mu.Lock()
	mb, ok := mc.boards[queryID]
	delete(mc.boards, queryID)
	mc.mu.Unlock()
	if ok {
		mb.Reset()
	}
}
