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

package interceptors

import (
	"context"
	"fmt"
	"sync"

	"github.com/livekit/psflight"
)

type entry struct {
	name string
	m    psflight.Middleware
}

// Chain holds the middleware instances of a single call.
type Chain struct {
	entries []entry
	once    sync.Once
}

// ValidateRegistry rejects registries with missing factories or duplicate names.
func ValidateRegistry(registered []psflight.RegisteredMiddleware) error {
	seen := make(map[string]struct{}, len(registered))
	for i, r := range registered {
		if r.Factory == nil {
			return fmt.Errorf("middleware %d (%q) has no factory", i, r.Name)
		}
		if r.Name == "" {
			continue
		}
		if _, ok := seen[r.Name]; ok {
			return fmt.Errorf("middleware %q registered twice", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// StartChain creates one instance per factory, registered middleware first
// and per-call factories after. A factory may return a nil middleware to
// skip the call. If a factory fails, the instances created so far are
// told the call errored.
func StartChain(
	ctx context.Context,
	info psflight.CallInfo,
	registered []psflight.RegisteredMiddleware,
	extra []psflight.MiddlewareFactory,
) (*Chain, error) {
	c := &Chain{
		entries: make([]entry, 0, len(registered)+len(extra)),
	}

	start := func(name string, f psflight.MiddlewareFactory) error {
		m, err := f.StartCall(ctx, info)
		if err != nil {
			return err
		}
		if m != nil {
			c.entries = append(c.entries, entry{name: name, m: m})
		}
		return nil
	}

	for _, r := range registered {
		if err := start(r.Name, r.Factory); err != nil {
			c.Complete(psflight.CallStatus{}, err)
			return nil, err
		}
	}
	for _, f := range extra {
		if err := start("", f); err != nil {
			c.Complete(psflight.CallStatus{}, err)
			return nil, err
		}
	}
	return c, nil
}

// SendingHeaders runs OnBeforeSendingHeaders in order and stops at the
// first error.
func (c *Chain) SendingHeaders(headers *psflight.CallHeaders) error {
	for _, e := range c.entries {
		if err := e.m.OnBeforeSendingHeaders(headers); err != nil {
			return err
		}
	}
	return nil
}

// HeadersReceived runs OnHeadersReceived in order and stops at the first
// error. Each middleware gets its own copy of headers.
func (c *Chain) HeadersReceived(headers *psflight.CallHeaders) error {
	for _, e := range c.entries {
		if err := e.m.OnHeadersReceived(headers.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// Complete reports the outcome to every instance, in order. Only the first
// call has any effect.
func (c *Chain) Complete(status psflight.CallStatus, err error) {
	c.once.Do(func() {
		for _, e := range c.entries {
			if err != nil {
				e.m.OnCallErrored(err)
			} else {
				e.m.OnCallCompleted(status)
			}
		}
	})
}

// Instances returns the named middleware of the call.
func (c *Chain) Instances() map[string]psflight.Middleware {
	m := make(map[string]psflight.Middleware, len(c.entries))
	for _, e := range c.entries {
		if e.name != "" {
			m[e.name] = e.m
		}
	}
	return m
}

func (c *Chain) Len() int {
	return len(c.entries)
}
