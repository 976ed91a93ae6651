// Copyright 2021 - 2022 Matrix Origin
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

package moerr

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
)

const (
	// 0 - 99 is OK. They do not contain info, and are special handled
	// using a static instance, no alloc.
	Ok uint16 = 0
	// OkRuntimeFilterTimeout is not an error. The scan proceeds without
	// the filter.
	OkRuntimeFilterTimeout uint16 = 1
	// OkRuntimeFilterIgnored is not an error. The filter is always true.
	OkRuntimeFilterIgnored uint16 = 2

	OkMax uint16 = 99

	// Group 1: Internal errors
	ErrStart            uint16 = 20100
	ErrInternal         uint16 = 20101
	ErrQueryInterrupted uint16 = 20104
	ErrNotSupported     uint16 = 20105

	// Group 2: arguments
	ErrInvalidArg uint16 = 20203

	// Group 3: invalid input
	ErrBadConfig    uint16 = 20300
	ErrInvalidInput uint16 = 20301
	ErrDataQuality  uint16 = 20313

	// Group 4: unexpected state and io errors
	ErrInvalidState  uint16 = 20400
	ErrUnexpectedEOF uint16 = 20407
	ErrSizeNotMatch  uint16 = 20409

	// Group 5: runtime filter
	ErrRuntimeFilterRoleMismatch  uint16 = 20601
	ErrRuntimeFilterDuplicatePart uint16 = 20602
	ErrRuntimeFilterClosed        uint16 = 20603
	ErrRuntimeFilterNotFound      uint16 = 20604

	// ErrEnd, the max value of MOErrorCode
	ErrEnd uint16 = 65535
)

type moErrorMsgItem struct {
	errorMsgOrFormat string
}

var errorMsgRefer = map[uint16]moErrorMsgItem{
	// Group 1: Internal errors
	ErrStart:            {"internal error: error code start"},
	ErrInternal:         {"internal error: %s"},
	ErrQueryInterrupted: {"query interrupted"},
	ErrNotSupported:     {"not supported: %s"},

	// Group 2: arguments
	ErrInvalidArg: {"invalid argument %s, bad value %v"},

	// Group 3: invalid input
	ErrBadConfig:    {"invalid configuration: %s"},
	ErrInvalidInput: {"invalid input: %s"},
	ErrDataQuality:  {"data quality error: %s"},

	// Group 4: unexpected state
	ErrInvalidState:  {"invalid state %s"},
	ErrUnexpectedEOF: {"unexpected end of file %s"},
	ErrSizeNotMatch:  {"size not match %s"},

	// Group 5: runtime filter
	ErrRuntimeFilterRoleMismatch:  {"runtime filter %d: operation %s is not allowed for role %s"},
	ErrRuntimeFilterDuplicatePart: {"runtime filter %d: contribution from %s already merged"},
	ErrRuntimeFilterClosed:        {"runtime filter %d is closed"},
	ErrRuntimeFilterNotFound:      {"runtime filter %d not found"},

	// Group End: max value of MOErrorCode
	ErrEnd: {"internal error: end of errcode code"},
}

func newError(ctx context.Context, code uint16, args ...any) *Error {
	item, has := errorMsgRefer[code]
	if !has {
		panic(NewInternalError(ctx, "not exist MOErrorCode: %d", code))
	}
	err := &Error{code: code, message: item.errorMsgOrFormat}
	if len(args) != 0 {
		err.message = fmt.Sprintf(item.errorMsgOrFormat, args...)
	}
	return err
}

type Error struct {
	code    uint16
	message string
	detail  string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Detail() string {
	return e.detail
}

// WithDetail attaches a diagnostic detail shown by Display.
func (e *Error) WithDetail(detail string) *Error {
	e.detail = detail
	return e
}

func (e *Error) Display() string {
	if len(e.detail) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.detail)
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Succeeded() bool {
	return e.code < OkMax
}

func IsMoErrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}

	me, ok := e.(*Error)
	if !ok {
		// This is not a moerr
		return false
	}
	return me.code == rc
}

// ConvertGoError converts a go error into mo error.
// Note here we must return error, because nil error
// is the same as nil *Error -- Go strangeness.
func ConvertGoError(ctx context.Context, err error) error {
	if err == nil {
		return err
	}

	if _, ok := err.(*Error); ok {
		return err
	}

	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return NewUnexpectedEOF(ctx, err.Error())
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return NewQueryInterrupted(ctx)
	}

	return NewInternalError(ctx, "convert go error to mo error %v", err)
}

// Ok codes are not errors. They signal an expected outcome and carry no
// contextual info, so a static instance is returned.
var errOkRuntimeFilterTimeout = Error{OkRuntimeFilterTimeout, "RuntimeFilterTimeout", ""}

func GetOkRuntimeFilterTimeout() *Error {
	return &errOkRuntimeFilterTimeout
}

// NewRuntimeFilterIgnored builds the diagnostic recorded on an ignored filter.
func NewRuntimeFilterIgnored(reason string) *Error {
	return &Error{code: OkRuntimeFilterIgnored, message: "RuntimeFilterIgnored", detail: reason}
}

func NewInternalError(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInternal, xmsg)
}

func NewNotSupported(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrNotSupported, xmsg)
}

func NewQueryInterrupted(ctx context.Context) *Error {
	return newError(ctx, ErrQueryInterrupted)
}

func NewInvalidArg(ctx context.Context, arg string, val any) *Error {
	return newError(ctx, ErrInvalidArg, arg, val)
}

func NewBadConfig(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrBadConfig, xmsg)
}

func NewInvalidInput(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidInput, xmsg)
}

func NewDataQuality(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrDataQuality, xmsg)
}

func NewInvalidState(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidState, xmsg)
}

func NewUnexpectedEOF(ctx context.Context, f string) *Error {
	return newError(ctx, ErrUnexpectedEOF, f)
}

func NewSizeNotMatch(ctx context.Context, f string) *Error {
	return newError(ctx, ErrSizeNotMatch, f)
}

func NewRuntimeFilterRoleMismatch(ctx context.Context, id int32, op string, role string) *Error {
	return newError(ctx, ErrRuntimeFilterRoleMismatch, id, op, role)
}

func NewRuntimeFilterDuplicatePart(ctx context.Context, id int32, part string) *Error {
	return newError(ctx, ErrRuntimeFilterDuplicatePart, id, part)
}

func NewRuntimeFilterClosed(ctx context.Context, id int32) *Error {
	return newError(ctx, ErrRuntimeFilterClosed, id)
}

func NewRuntimeFilterNotFound(ctx context.Context, id int32) *Error {
	return newError(ctx, ErrRuntimeFilterNotFound, id)
}

func NewInternalErrorNoCtx(msg string, args ...any) *Error {
	return NewInternalError(Context(), msg, args...)
}

func NewInvalidArgNoCtx(arg string, val any) *Error {
	return NewInvalidArg(Context(), arg, val)
}

func NewInvalidStateNoCtx(msg string, args ...any) *Error {
	return NewInvalidState(Context(), msg, args...)
}

func NewInvalidInputNoCtx(msg string, args ...any) *Error {
	return NewInvalidInput(Context(), msg, args...)
}

func NewSizeNotMatchNoCtx(f string) *Error {
	return NewSizeNotMatch(Context(), f)
}

var contextFunc atomic.Value

func SetContextFunc(f func() context.Context) {
	contextFunc.Store(f)
}

func Context() context.Context {
	return contextFunc.Load().(func() context.Context)()
}

func init() {
	SetContextFunc(func() context.Context { return context.Background() })
}
