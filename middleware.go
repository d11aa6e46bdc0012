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
)

// Middleware intercepts a single call. A new instance is created for every
// call by its MiddlewareFactory, so implementations may keep per-call state.
// Hooks run synchronously in registration order; a slow hook delays the
// whole call.
type Middleware interface {
	// OnBeforeSendingHeaders may add or remove headers before they are
	// sent. On the client these are the request headers, on the server the
	// response headers. An error aborts the call.
	OnBeforeSendingHeaders(outgoing *CallHeaders) error
	// OnHeadersReceived observes the headers sent by the peer. On the
	// server an error rejects the call.
	OnHeadersReceived(incoming *CallHeaders) error
	// OnCallCompleted is called once when the call completes successfully.
	OnCallCompleted(status CallStatus)
	// OnCallErrored is called once when the call ends with an error,
	// including deadlines and cancellation.
	OnCallErrored(cause error)
}

// NoOpMiddleware can be embedded to implement only the hooks a middleware needs.
type NoOpMiddleware struct{}

func (NoOpMiddleware) OnBeforeSendingHeaders(*CallHeaders) error { return nil }
func (NoOpMiddleware) OnHeadersReceived(*CallHeaders) error      { return nil }
func (NoOpMiddleware) OnCallCompleted(CallStatus)                {}
func (NoOpMiddleware) OnCallErrored(error)                       {}

type MiddlewareFactory interface {
	StartCall(ctx context.Context, info CallInfo) (Middleware, error)
}

type MiddlewareFactoryFunc func(ctx context.Context, info CallInfo) (Middleware, error)

func (f MiddlewareFactoryFunc) StartCall(ctx context.Context, info CallInfo) (Middleware, error) {
	return f(ctx, info)
}

// MiddlewareKey is the identity under which a middleware is installed and
// later retrieved from a CallContext.
type MiddlewareKey[T Middleware] struct {
	name string
}

func NewMiddlewareKey[T Middleware](name string) MiddlewareKey[T] {
	return MiddlewareKey[T]{name: name}
}

func (k MiddlewareKey[T]) Name() string {
	return k.name
}

// RegisteredMiddleware pairs a factory with the name it is installed under.
type RegisteredMiddleware struct {
	Name    string
	Factory MiddlewareFactory
}

// RegisterMiddleware binds a typed factory to key.
func RegisterMiddleware[T Middleware](key MiddlewareKey[T], factory func(ctx context.Context, info CallInfo) (T, error)) RegisteredMiddleware {
	return RegisteredMiddleware{
		Name: key.name,
		Factory: MiddlewareFactoryFunc(func(ctx context.Context, info CallInfo) (Middleware, error) {
			return factory(ctx, info)
		}),
	}
}
