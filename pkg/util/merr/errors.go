// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

// 对外（写入 Error 消息）的错误类别字符串，客户端依赖这些取值区分错误，发布后不可修改。
const (
	KindProtocol             = "protocol_error"
	KindAuthFailed           = "auth_failed"
	KindAuthRequired         = "not_authenticated"
	KindNotLoggedIn          = "not_logged_in"
	KindAlreadyLoggedIn      = "already_logged_in"
	KindInvalidUsername      = "invalid_username"
	KindDuplicateUsername    = "duplicate_username"
	KindTooManyLoginAttempts = "too_many_login_attempts"
	KindInvalidChannelName   = "invalid_channel_name"
	KindWrongPassword        = "wrong_password"
	KindChannelNotFound      = "channel_not_found"
	KindNotInChannel         = "not_in_channel"
	KindPayloadTooLarge      = "payload_too_large"
	KindUnexpectedMessage    = "unexpected_message"
	KindServerBusy           = "server_busy"
	KindSlowConsumer         = "slow_consumer"
	KindIdleTimeout          = "idle_timeout"
	KindSessionGone          = "session_gone"
	KindInvalidParameter     = "invalid_parameter"
	KindInternal             = "internal"
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceUnavailable = newRelayError("service unavailable", 2, true, KindInternal)
	ErrServiceBusy        = newRelayError("too many concurrent connections", 4, true, KindServerBusy)
	ErrServiceInternal    = newRelayError("service internal error", 5, false, KindInternal)

	// Protocol related, the offending connection is always terminated
	ErrProtocolMalformed = newRelayError("malformed frame", 100, false, KindProtocol, WithErrorType(InputError))
	ErrFrameTooLarge     = newRelayError("frame too large", 101, false, KindProtocol, WithErrorType(InputError))
	ErrUnknownOp         = newRelayError("unknown op", 102, false, KindProtocol, WithErrorType(InputError))

	// Request related, the connection stays open
	ErrUnexpectedMessage = newRelayError("unexpected message", 150, false, KindUnexpectedMessage, WithErrorType(InputError))
	ErrPayloadTooLarge   = newRelayError("payload too large", 151, false, KindPayloadTooLarge, WithErrorType(InputError))

	// Auth related
	ErrAuthRejected = newRelayError("invalid special key", 200, false, KindAuthFailed, WithErrorType(InputError))
	ErrAuthTimeout  = newRelayError("handshake timeout", 201, false, KindAuthFailed)
	ErrAuthRequired = newRelayError("authentication required", 202, false, KindAuthRequired, WithErrorType(InputError))

	// Session related
	ErrNotLoggedIn          = newRelayError("not logged in", 300, false, KindNotLoggedIn, WithErrorType(InputError))
	ErrAlreadyLoggedIn      = newRelayError("already logged in", 301, false, KindAlreadyLoggedIn, WithErrorType(InputError))
	ErrInvalidUsername      = newRelayError("invalid username", 302, false, KindInvalidUsername, WithErrorType(InputError))
	ErrDuplicateUsername    = newRelayError("username already taken", 303, true, KindDuplicateUsername, WithErrorType(InputError))
	ErrTooManyLoginAttempts = newRelayError("too many login attempts", 304, false, KindTooManyLoginAttempts, WithErrorType(InputError))
	ErrSessionNotFound      = newRelayError("session not found", 305, false, KindSessionGone)
	ErrSessionClosed        = newRelayError("session closed", 306, false, KindSessionGone)
	ErrSlowConsumer         = newRelayError("send queue overflow", 307, false, KindSlowConsumer)
	ErrIdleTimeout          = newRelayError("idle timeout", 308, false, KindIdleTimeout)

	// Channel related
	ErrInvalidChannelName = newRelayError("invalid channel name", 400, false, KindInvalidChannelName, WithErrorType(InputError))
	ErrWrongPassword      = newRelayError("invalid channel password", 401, false, KindWrongPassword, WithErrorType(InputError))
	ErrChannelNotFound    = newRelayError("channel not found", 402, false, KindChannelNotFound, WithErrorType(InputError))
	ErrNotInChannel       = newRelayError("not joined to channel", 403, false, KindNotInChannel, WithErrorType(InputError))

	// Parameter related
	ErrParameterInvalid = newRelayError("invalid parameter", 1100, false, KindInvalidParameter, WithErrorType(InputError))
	ErrParameterMissing = newRelayError("missing parameter", 1101, false, KindInvalidParameter, WithErrorType(InputError))

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to relayError
	errUnexpected = newRelayError("unexpected error", (1<<16)-1, false, KindInternal)
)

type errorOption func(*relayError)

func WithDetail(detail string) errorOption {
	return func(err *relayError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *relayError) {
		err.errType = etype
	}
}

type relayError struct {
	// reason 为不带字段信息的原始描述，用于回写给客户端。
	reason    string
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
	kind      string
}

func newRelayError(msg string, code int32, retriable bool, kind string, options ...errorOption) relayError {
	err := relayError{
		reason:    msg,
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
		kind:      kind,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e relayError) code() int32 {
	return e.errCode
}

func (e relayError) Error() string {
	return e.msg
}

func (e relayError) Detail() string {
	return e.detail
}

func (e relayError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(relayError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
