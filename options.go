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
	"time"
)

const (
	DefaultClientTimeout = time.Second * 3
	DefaultServerTimeout = time.Minute
	DefaultChannelSize   = 100
)

// CallOption configures a single call. The set of options is closed:
// TimeoutOption, HeaderCallOption and InterceptorOption.
type CallOption interface {
	applyCallOption(o *CallOpts)
}

// CallOpts is the effective configuration of a call.
type CallOpts struct {
	Timeout      time.Duration
	Headers      *CallHeaders
	Interceptors []MiddlewareFactory
}

type TimeoutOption struct {
	Duration time.Duration
}

// Timeout bounds the call, measured from the moment it is issued. The last
// Timeout applied wins.
func Timeout(d time.Duration) TimeoutOption {
	return TimeoutOption{Duration: d}
}

func (t TimeoutOption) applyCallOption(o *CallOpts) {
	o.Timeout = t.Duration
}

type HeaderCallOption struct {
	headers *CallHeaders
}

// HeaderOption attaches a snapshot of h to the call. Headers from several
// options are concatenated.
func HeaderOption(h *CallHeaders) HeaderCallOption {
	return HeaderCallOption{headers: h.Clone()}
}

func (h HeaderCallOption) Headers() *CallHeaders {
	return h.headers.Clone()
}

func (h HeaderCallOption) applyCallOption(o *CallOpts) {
	o.Headers.Merge(h.headers)
}

type InterceptorOption struct {
	Factory MiddlewareFactory
}

// CustomInterceptor appends a middleware to the chain of this call only,
// after the client's registered middleware.
func CustomInterceptor(f MiddlewareFactory) InterceptorOption {
	return InterceptorOption{Factory: f}
}

func (i InterceptorOption) applyCallOption(o *CallOpts) {
	if i.Factory != nil {
		o.Interceptors = append(o.Interceptors, i.Factory)
	}
}

// ApplyCallOptions folds opts left to right into a fresh CallOpts.
func ApplyCallOptions(opts ...CallOption) CallOpts {
	o := &CallOpts{
		Headers: NewCallHeaders(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyCallOption(o)
		}
	}
	return *o
}

// --- Client ---

type ClientOption func(*ClientOpts)

type ClientOpts struct {
	ID          string
	Timeout     time.Duration
	ChannelSize int
	Middleware  []RegisteredMiddleware
}

func WithClientID(id string) ClientOption {
	return func(o *ClientOpts) {
		o.ID = id
	}
}

// WithClientTimeout sets the deadline used by calls without a Timeout option.
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(o *ClientOpts) {
		o.Timeout = timeout
	}
}

func WithClientChannelSize(size int) ClientOption {
	return func(o *ClientOpts) {
		o.ChannelSize = size
	}
}

// WithClientMiddleware installs middleware for every call, in order.
func WithClientMiddleware(middleware ...RegisteredMiddleware) ClientOption {
	return func(o *ClientOpts) {
		o.Middleware = append(o.Middleware, middleware...)
	}
}

func WithClientOptions(opts ...ClientOption) ClientOption {
	return func(o *ClientOpts) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

// --- Server ---

type ServerOption func(*ServerOpts)

type ServerOpts struct {
	ServerID    string
	Timeout     time.Duration
	ChannelSize int
	Middleware  []RegisteredMiddleware
}

// WithServerID overrides the ID of the ServiceDefinition.
func WithServerID(id string) ServerOption {
	return func(o *ServerOpts) {
		o.ServerID = id
	}
}

// WithServerTimeout caps how long a handler may run.
func WithServerTimeout(timeout time.Duration) ServerOption {
	return func(o *ServerOpts) {
		o.Timeout = timeout
	}
}

func WithServerChannelSize(size int) ServerOption {
	return func(o *ServerOpts) {
		o.ChannelSize = size
	}
}

// WithServerMiddleware installs middleware for every call, in order.
func WithServerMiddleware(middleware ...RegisteredMiddleware) ServerOption {
	return func(o *ServerOpts) {
		o.Middleware = append(o.Middleware, middleware...)
	}
}

func WithServerOptions(opts ...ServerOption) ServerOption {
	return func(o *ServerOpts) {
		for _, opt := range opts {
			opt(o)
		}
	}
}
