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

package client

import (
	"context"
	"sync"

	"github.com/frostbyte73/core"
	"golang.org/x/exp/maps"

	"github.com/livekit/psflight"
	"github.com/livekit/psflight/internal/bus"
	"github.com/livekit/psflight/internal/interceptors"
	"github.com/livekit/psflight/internal/logger"
	"github.com/livekit/psflight/internal/wire"
	"github.com/livekit/psflight/pkg/info"
)

// Client issues calls to the servers of a single service.
type Client struct {
	psflight.ClientOpts

	bus         bus.MessageBus
	serviceName string
	mu          sync.RWMutex
	calls       map[string]*call
	closed      core.Fuse
}

func NewClient(serviceName string, b bus.MessageBus, opts ...psflight.ClientOption) (*Client, error) {
	c := &Client{
		ClientOpts:  getClientOpts(opts...),
		bus:         b,
		serviceName: serviceName,
		calls:       make(map[string]*call),
	}
	if err := interceptors.ValidateRegistry(c.Middleware); err != nil {
		return nil, psflight.NewError(psflight.InvalidArgument, err)
	}

	frames, err := bus.Subscribe[*wire.Frame](
		context.Background(), c.bus, info.ClientResponseChannel(serviceName, c.ID), c.ChannelSize,
	)
	if err != nil {
		return nil, psflight.NewError(psflight.Unavailable, err)
	}

	go func() {
		closed := c.closed.Watch()
		for {
			select {
			case <-closed:
				_ = frames.Close()
				return

			case f, ok := <-frames.Channel():
				if !ok {
					return
				}
				c.mu.RLock()
				cl, ok := c.calls[f.RequestID]
				c.mu.RUnlock()
				if ok {
					cl.handleFrame(f)
				}
			}
		}
	}()

	return c, nil
}

func (c *Client) ServiceName() string {
	return c.serviceName
}

// DoAction sends action to one server of the service. Results and the
// terminal signal are delivered on the returned channel. Errors detected
// before the request is published are returned directly.
func (c *Client) DoAction(ctx context.Context, action *psflight.Action, opts ...psflight.CallOption) (*psflight.ResultChannel, error) {
	if action == nil || action.Type == "" {
		return nil, psflight.NewErrorf(psflight.InvalidArgument, "action type is required")
	}
	return c.startCall(ctx, psflight.MethodDoAction, action.Type, action.Body, opts...)
}

// ListActions returns the actions supported by a server of the service.
func (c *Client) ListActions(ctx context.Context, opts ...psflight.CallOption) ([]psflight.ActionType, error) {
	results, err := c.startCall(ctx, psflight.MethodListActions, "", nil, opts...)
	if err != nil {
		return nil, err
	}

	var types []psflight.ActionType
	for r, err := range results.All() {
		if err != nil {
			return nil, err
		}
		t, err := wire.UnmarshalActionType(r.Body)
		if err != nil {
			return nil, psflight.NewError(psflight.MalformedResponse, err)
		}
		types = append(types, t)
	}
	return types, nil
}

// Close aborts every call in flight and stops receiving responses.
func (c *Client) Close() {
	c.closed.Once(func() {
		c.mu.Lock()
		calls := maps.Values(c.calls)
		c.mu.Unlock()

		for _, cl := range calls {
			cl.results.Abort(psflight.ErrClientClosed)
		}
		logger.Debug("client closed", "service", c.serviceName, "clientID", c.ID, "aborted", len(calls))
	})
}

func (c *Client) register(cl *call) {
	c.mu.Lock()
	c.calls[cl.info.RequestID] = cl
	c.mu.Unlock()
}

func (c *Client) unregister(requestID string) {
	c.mu.Lock()
	delete(c.calls, requestID)
	c.mu.Unlock()
}
