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

package middleware

import (
	"context"
	"sync"

	"github.com/livekit/psflight"
)

// HeaderKey retrieves the HeaderCapture installed by CaptureHeaders.
var HeaderKey = psflight.NewMiddlewareKey[*HeaderCapture]("header-capture")

// HeaderCapture records the headers sent by the peer. On the server these
// are the request headers, on the client the response headers.
type HeaderCapture struct {
	psflight.NoOpMiddleware

	mu      sync.Mutex
	headers *psflight.CallHeaders
}

func CaptureHeaders() psflight.RegisteredMiddleware {
	return psflight.RegisterMiddleware(HeaderKey, func(context.Context, psflight.CallInfo) (*HeaderCapture, error) {
		return &HeaderCapture{headers: psflight.NewCallHeaders()}, nil
	})
}

func (m *HeaderCapture) OnHeadersReceived(incoming *psflight.CallHeaders) error {
	m.mu.Lock()
	m.headers.Merge(incoming)
	m.mu.Unlock()
	return nil
}

// Headers returns a copy of everything received so far.
func (m *HeaderCapture) Headers() *psflight.CallHeaders {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers.Clone()
}

// HeadersFromCall returns the request headers captured for cc.
func HeadersFromCall(cc *psflight.CallContext) (*psflight.CallHeaders, error) {
	m, err := psflight.GetMiddleware(cc, HeaderKey)
	if err != nil {
		return nil, err
	}
	return m.Headers(), nil
}

// StaticHeaders adds a copy of h to the headers sent on every call: the
// request headers on a client, the response headers on a server.
func StaticHeaders(name string, h *psflight.CallHeaders) psflight.RegisteredMiddleware {
	h = h.Clone()
	key := psflight.NewMiddlewareKey[*staticHeaders](name)
	return psflight.RegisterMiddleware(key, func(context.Context, psflight.CallInfo) (*staticHeaders, error) {
		return &staticHeaders{headers: h}, nil
	})
}

type staticHeaders struct {
	psflight.NoOpMiddleware
	headers *psflight.CallHeaders
}

func (m *staticHeaders) OnBeforeSendingHeaders(outgoing *psflight.CallHeaders) error {
	outgoing.Merge(m.headers)
	return nil
}
