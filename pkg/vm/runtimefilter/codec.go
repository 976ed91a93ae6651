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
	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	v2 "github.com/matrixorigin/scanfilter/pkg/util/metric/v2"
)

// Payload field numbers. The layout is the protobuf wire format, so a
// peer with a generated message of the same shape can read it.
const (
	payloadFilterID protowire.Number = iota + 1
	payloadIgnored
	payloadReason
	payloadKind
	payloadType
	payloadEstimatedNDV
	payloadRawLen
	payloadWrapper
)

// lz4 cannot expand a block by more than this ratio.
const lz4MaxExpansion = 255

// Payload is what a producer hands to its consumers: either the wrapper
// it built, or the reason the filter has to be ignored.
type Payload struct {
	FilterID int32
	Ignored  bool
	Reason   string
	Wrapper  Wrapper
	// EstimatedNDV is the producer's distinct value estimate.
	EstimatedNDV uint64
}

// Marshal encodes p. Wrapper bodies larger than compressThreshold are lz4
// compressed, a threshold <= 0 disables compression.
func (p *Payload) Marshal(compressThreshold int) ([]byte, error) {
	data := make([]byte, 0, 64)
	data = appendVarintField(data, payloadFilterID, uint64(uint32(p.FilterID)))
	if p.Ignored {
		data = appendBoolField(data, payloadIgnored, true)
	}
	if p.Reason != "" {
		data = protowire.AppendTag(data, payloadReason, protowire.BytesType)
		data = protowire.AppendString(data, p.Reason)
	}
	if p.EstimatedNDV > 0 {
		data = appendVarintField(data, payloadEstimatedNDV, p.EstimatedNDV)
	}
	if p.Wrapper != nil {
		body, err := p.Wrapper.marshal(nil)
		if err != nil {
			return nil, err
		}
		data = appendVarintField(data, payloadKind, uint64(p.Wrapper.Kind()))
		data = appendVarintField(data, payloadType, uint64(p.Wrapper.Type().Oid))
		if rawLen := len(body); compressThreshold > 0 && rawLen > compressThreshold {
			compressed := make([]byte, lz4.CompressBlockBound(rawLen))
			n, err := lz4.CompressBlock(body, compressed, nil)
			if err != nil {
				return nil, moerr.ConvertGoError(moerr.Context(), err)
			}
			// n == 0 means the body is incompressible
			if n > 0 && n < rawLen {
				body = compressed[:n]
				data = appendVarintField(data, payloadRawLen, uint64(rawLen))
			}
		}
		data = appendBytesField(data, payloadWrapper, body)
	}
	v2.RuntimeFilterPayloadSizeHistogram.Observe(float64(len(data)))
	return data, nil
}

// UnmarshalPayload is the inverse of Payload.Marshal.
func UnmarshalPayload(data []byte) (*Payload, error) {
	var (
		kind              plan.RuntimeFilterKind
		oid               types.T
		rawLen            uint64
		body              []byte
		hasID, hasKind    bool
		hasBody, compress bool
	)
	p := &Payload{}
	r := newWireReader(data)
	for r.next() {
		switch r.num {
		case payloadFilterID:
			p.FilterID, hasID = int32(uint32(r.varint())), true
		case payloadIgnored:
			p.Ignored = protowire.DecodeBool(r.varint())
		case payloadReason:
			p.Reason = string(r.bytes())
		case payloadKind:
			kind, hasKind = plan.RuntimeFilterKind(r.varint()), true
		case payloadType:
			oid = types.T(r.varint())
		case payloadEstimatedNDV:
			p.EstimatedNDV = r.varint()
		case payloadRawLen:
			rawLen, compress = r.varint(), true
		case payloadWrapper:
			body, hasBody = r.bytes(), true
		default:
			r.skip()
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if !hasID {
		return nil, moerr.NewInvalidInputNoCtx("runtime filter payload without filter id")
	}
	if !hasKind {
		return p, nil
	}
	if !hasBody {
		return nil, moerr.NewInvalidInputNoCtx("runtime filter %d payload without wrapper", p.FilterID)
	}
	if compress {
		if rawLen > uint64(len(body))*lz4MaxExpansion {
			return nil, moerr.NewInvalidInputNoCtx("runtime filter %d claims %d bytes from a %d bytes lz4 block",
				p.FilterID, rawLen, len(body))
		}
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, moerr.NewInvalidInputNoCtx("decompress runtime filter %d: %v", p.FilterID, err)
		}
		if uint64(n) != rawLen {
			return nil, moerr.NewInvalidInputNoCtx("runtime filter %d body is %d bytes, expect %d", p.FilterID, n, rawLen)
		}
		body = raw
	}

	typ := oid.ToType()
	switch kind {
	case plan.RuntimeFilter_IN:
		p.Wrapper = &InFilter{typ: typ}
	case plan.RuntimeFilter_MIN_MAX:
		p.Wrapper = &MinMaxFilter{typ: typ}
	case plan.RuntimeFilter_BLOOM:
		p.Wrapper = &BloomFilter{typ: typ}
	case plan.RuntimeFilter_IN_OR_BLOOM:
		p.Wrapper = &InOrBloomFilter{typ: typ}
	case plan.RuntimeFilter_BITMAP:
		p.Wrapper = &BitmapFilter{}
	default:
		return nil, moerr.NewInvalidInputNoCtx("unknown runtime filter kind %d", uint64(kind))
	}
	if err := p.Wrapper.unmarshal(body); err != nil {
		return nil, err
	}
	return p, nil
}

func appendVarintField(dst []byte, num protowire.Number, v uint64) []byte {
	dst = protowire.AppendTag(dst, num, protowire.VarintType)
	return protowire.AppendVarint(dst, v)
}

func appendBoolField(dst []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(dst, num, protowire.EncodeBool(v))
}

func appendBytesField(dst []byte, num protowire.Number, v []byte) []byte {
	dst = protowire.AppendTag(dst, num, protowire.BytesType)
	return protowire.AppendBytes(dst, v)
}

func appendValueField(dst []byte, num protowire.Number, v any) []byte {
	return appendBytesField(dst, num, types.EncodeValue(nil, v))
}

// wireReader walks the fields of one encoded message:
//
//	r := newWireReader(data)
//	for r.next() {
//		switch r.num { ... default: r.skip() }
//	}
//	return r.Err()
//
// The first malformed field stops the walk.
type wireReader struct {
	data []byte
	num  protowire.Number
	typ  protowire.Type
	err  error
}

func newWireReader(data []byte) *wireReader {
	return &wireReader{data: data}
}

func (r *wireReader) next() bool {
	if r.err != nil || len(r.data) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.data)
	if n < 0 {
		r.fail(n)
		return false
	}
	r.num, r.typ, r.data = num, typ, r.data[n:]
	return true
}

func (r *wireReader) Err() error { return r.err }

func (r *wireReader) fail(n int) {
	r.err = moerr.NewInvalidInputNoCtx("malformed runtime filter payload: %v", protowire.ParseError(n))
}

func (r *wireReader) expect(typ protowire.Type) bool {
	if r.typ != typ {
		r.err = moerr.NewInvalidInputNoCtx("runtime filter payload field %d has wire type %d, expect %d",
			r.num, r.typ, typ)
		return false
	}
	return true
}

func (r *wireReader) varint() uint64 {
	if !r.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.data)
	if n < 0 {
		r.fail(n)
		return 0
	}
	r.data = r.data[n:]
	return v
}

// bytes returns a sub slice of the input, callers copy what they keep.
func (r *wireReader) bytes() []byte {
	if !r.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.data)
	if n < 0 {
		r.fail(n)
		return nil
	}
	r.data = r.data[n:]
	return v
}

func (r *wireReader) value(t types.T) any {
	b := r.bytes()
	if r.err != nil {
		return nil
	}
	v, err := types.DecodeValue(t, b)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *wireReader) skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.data)
	if n < 0 {
		r.fail(n)
		return
	}
	r.data = r.data[n:]
}
