// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package psflight

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/twitchtv/twirp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrDeadlineExceeded    = NewErrorf(DeadlineExceeded, "deadline exceeded")
	ErrCallCanceled        = NewErrorf(Canceled, "call canceled")
	ErrClientClosed        = NewErrorf(Canceled, "client is closed")
	ErrServerClosed        = NewErrorf(Canceled, "server is closed")
	ErrResultChannelClosed = NewErrorf(FailedPrecondition, "result channel already terminated")
	ErrUnknownMethod       = NewErrorf(Unimplemented, "unknown method")
)

type Error interface {
	error
	Code() ErrorCode

	// convenience methods
	ToHttp() int
	GRPCStatus() *status.Status
}

type ErrorCode string

func (e ErrorCode) Error() string {
	return string(e)
}

func NewError(code ErrorCode, err error) Error {
	return &psflightError{
		error: err,
		code:  code,
	}
}

func NewErrorf(code ErrorCode, msg string, args ...interface{}) Error {
	return &psflightError{
		error: fmt.Errorf(msg, args...),
		code:  code,
	}
}

func NewErrorFromResponse(code, err string) Error {
	if code == "" {
		code = string(Unknown)
	}

	return &psflightError{
		error: errors.New(err),
		code:  ErrorCode(code),
	}
}

// ErrorCodeOf returns the code carried by err, Unknown for uncoded errors
// and OK for nil.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var e Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return Unknown
}

// IsDeadlineExceeded reports whether err ended a call because its deadline passed.
func IsDeadlineExceeded(err error) bool {
	return errors.Is(err, DeadlineExceeded)
}

const (
	OK ErrorCode = ""

	// Call canceled by the caller or the transport
	Canceled ErrorCode = "canceled"
	// Could not decode request
	MalformedRequest ErrorCode = "malformed_request"
	// Could not decode result
	MalformedResponse ErrorCode = "malformed_result"
	// Call deadline passed before a terminal signal
	DeadlineExceeded ErrorCode = "deadline_exceeded"
	// Service unavailable
	Unavailable ErrorCode = "unavailable"
	// Unknown (server returned non-psflight error)
	Unknown ErrorCode = "unknown"

	// Invalid argument in request
	InvalidArgument ErrorCode = "invalid_argument"
	// Entity not found
	NotFound ErrorCode = "not_found"
	// Duplicate creation attempted
	AlreadyExists ErrorCode = "already_exists"
	// Caller does not have required permissions
	PermissionDenied ErrorCode = "permission_denied"
	// Some resource has been exhausted, e.g. memory or quota
	ResourceExhausted ErrorCode = "resource_exhausted"
	// Inconsistent state to carry out request
	FailedPrecondition ErrorCode = "failed_precondition"
	// Request aborted
	Aborted ErrorCode = "aborted"
	// Operation is not implemented by the server
	Unimplemented ErrorCode = "unimplemented"
	// Operation failed due to an internal error
	Internal ErrorCode = "internal"
	// Similar to PermissionDenied, used when the caller is unidentified
	Unauthenticated ErrorCode = "unauthenticated"

	// Header key does not match the text/binary suffix convention
	InvalidKeyFormat ErrorCode = "invalid_key_format"
	// Text header value contains characters the transport cannot carry
	InvalidHeaderValue ErrorCode = "invalid_header_value"
	// No middleware registered under the requested key for this call
	MiddlewareNotFound ErrorCode = "middleware_not_found"
	// Outbound middleware failed before the call was sent
	CallSetupFailed ErrorCode = "call_setup_failed"
)

type psflightError struct {
	error
	code ErrorCode
}

func (e psflightError) Code() ErrorCode {
	return e.code
}

// codeMapping is how an ErrorCode is reported over other RPC surfaces.
type codeMapping struct {
	http  int
	grpc  codes.Code
	twirp twirp.ErrorCode
}

var codeMappings = map[ErrorCode]codeMapping{
	OK:                 {http.StatusOK, codes.OK, twirp.NoError},
	Canceled:           {http.StatusRequestTimeout, codes.Canceled, twirp.Canceled},
	MalformedRequest:   {http.StatusBadRequest, codes.InvalidArgument, twirp.Malformed},
	MalformedResponse:  {http.StatusInternalServerError, codes.Internal, twirp.Malformed},
	DeadlineExceeded:   {http.StatusRequestTimeout, codes.DeadlineExceeded, twirp.DeadlineExceeded},
	Unavailable:        {http.StatusServiceUnavailable, codes.Unavailable, twirp.Unavailable},
	Unknown:            {http.StatusInternalServerError, codes.Unknown, twirp.Unknown},
	InvalidArgument:    {http.StatusBadRequest, codes.InvalidArgument, twirp.InvalidArgument},
	NotFound:           {http.StatusNotFound, codes.NotFound, twirp.NotFound},
	AlreadyExists:      {http.StatusConflict, codes.AlreadyExists, twirp.AlreadyExists},
	PermissionDenied:   {http.StatusForbidden, codes.PermissionDenied, twirp.PermissionDenied},
	ResourceExhausted:  {http.StatusTooManyRequests, codes.ResourceExhausted, twirp.ResourceExhausted},
	FailedPrecondition: {http.StatusPreconditionFailed, codes.FailedPrecondition, twirp.FailedPrecondition},
	Aborted:            {http.StatusConflict, codes.Aborted, twirp.Aborted},
	Unimplemented:      {http.StatusNotImplemented, codes.Unimplemented, twirp.Unimplemented},
	Internal:           {http.StatusInternalServerError, codes.Internal, twirp.Internal},
	Unauthenticated:    {http.StatusUnauthorized, codes.Unauthenticated, twirp.Unauthenticated},
	InvalidKeyFormat:   {http.StatusBadRequest, codes.InvalidArgument, twirp.InvalidArgument},
	InvalidHeaderValue: {http.StatusBadRequest, codes.InvalidArgument, twirp.InvalidArgument},
	MiddlewareNotFound: {http.StatusInternalServerError, codes.Internal, twirp.Internal},
	CallSetupFailed:    {http.StatusInternalServerError, codes.Internal, twirp.Internal},
}

func (e psflightError) mapping() codeMapping {
	if m, ok := codeMappings[e.code]; ok {
		return m
	}
	return codeMappings[Unknown]
}

func (e psflightError) ToHttp() int {
	return e.mapping().http
}

func (e psflightError) GRPCStatus() *status.Status {
	return status.New(e.mapping().grpc, e.Error())
}

func (e psflightError) toTwirp() twirp.Error {
	return twirp.NewError(e.mapping().twirp, e.Error())
}

func (e psflightError) As(target any) bool {
	switch te := target.(type) {
	case *twirp.Error:
		*te = e.toTwirp()
		return true
	}

	return false
}

func (e psflightError) Unwrap() []error {
	return []error{e.error, e.code}
}
