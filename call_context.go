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
	"context"
	"errors"
)

type callContextKey struct{}

// CallContext is the per-call state handed to handlers. It must not be
// retained after the call has ended.
type CallContext struct {
	ctx        context.Context
	cancel     context.CancelCauseFunc
	info       CallInfo
	peer       string
	headers    *CallHeaders
	middleware map[string]Middleware
}

func NewCallContext(
	ctx context.Context,
	info CallInfo,
	peer string,
	headers *CallHeaders,
	middleware map[string]Middleware,
) *CallContext {
	cc := &CallContext{
		info:       info,
		peer:       peer,
		headers:    headers,
		middleware: middleware,
	}
	cc.ctx, cc.cancel = context.WithCancelCause(context.WithValue(ctx, callContextKey{}, cc))
	return cc
}

// CallContextFromContext returns the CallContext attached to ctx by the server.
func CallContextFromContext(ctx context.Context) (*CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(*CallContext)
	return cc, ok
}

func (c *CallContext) Context() context.Context {
	return c.ctx
}

func (c *CallContext) Info() CallInfo {
	return c.info
}

// Peer returns the ID of the remote node, if known.
func (c *CallContext) Peer() string {
	return c.peer
}

// Headers returns a copy of the headers received for this call.
func (c *CallContext) Headers() *CallHeaders {
	return c.headers.Clone()
}

// Middleware returns the instance installed for this call under name.
func (c *CallContext) Middleware(name string) (Middleware, error) {
	m, ok := c.middleware[name]
	if !ok {
		return nil, NewErrorf(MiddlewareNotFound, "no middleware %q installed for this call", name)
	}
	return m, nil
}

// GetMiddleware returns the typed middleware instance installed under key.
func GetMiddleware[T Middleware](cc *CallContext, key MiddlewareKey[T]) (T, error) {
	var zero T
	m, err := cc.Middleware(key.name)
	if err != nil {
		return zero, err
	}
	t, ok := m.(T)
	if !ok {
		return zero, NewErrorf(MiddlewareNotFound, "middleware %q has type %T", key.name, m)
	}
	return t, nil
}

// IsCancelled reports whether the call was cancelled or its deadline passed.
// Long running handlers should check it and stop producing results.
func (c *CallContext) IsCancelled() bool {
	return c.ctx.Err() != nil
}

func (c *CallContext) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns the reason the call was cancelled as a psflight Error, or nil.
func (c *CallContext) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(c.ctx)
	var e Error
	switch {
	case errors.As(cause, &e):
		return e
	case errors.Is(cause, context.DeadlineExceeded):
		return ErrDeadlineExceeded
	default:
		return ErrCallCanceled
	}
}

// Cancel marks the call cancelled with cause.
func (c *CallContext) Cancel(cause error) {
	c.cancel(cause)
}
