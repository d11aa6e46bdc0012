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

package server

import (
	"context"
	"sync"

	"github.com/frostbyte73/core"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"

	"github.com/livekit/psflight"
	"github.com/livekit/psflight/internal/bus"
	"github.com/livekit/psflight/internal/interceptors"
	"github.com/livekit/psflight/internal/logger"
	"github.com/livekit/psflight/internal/rand"
	"github.com/livekit/psflight/internal/wire"
	"github.com/livekit/psflight/pkg/info"
)

// Server runs the actions of a ServiceDefinition. Actions must be
// registered before Start; the set is fixed afterwards.
type Server struct {
	*info.ServiceDefinition
	psflight.ServerOpts

	bus bus.MessageBus

	mu       sync.Mutex
	calls    map[string]*serverCall
	closing  bool
	active   sync.WaitGroup
	inFlight atomic.Int32

	started  core.Fuse
	shutdown core.Fuse
	stopped  core.Fuse
}

func NewServer(sd *info.ServiceDefinition, b bus.MessageBus, opts ...psflight.ServerOption) (*Server, error) {
	s := &Server{
		ServiceDefinition: sd,
		ServerOpts:        getServerOpts(opts...),
		bus:               b,
		calls:             make(map[string]*serverCall),
	}
	if s.ServerID != "" {
		s.ID = s.ServerID
	}
	if s.ID == "" {
		s.ID = rand.NewServerID()
	}
	if err := interceptors.ValidateRegistry(s.Middleware); err != nil {
		return nil, psflight.NewError(psflight.InvalidArgument, err)
	}
	return s, nil
}

// RegisterAction adds an action to the service. It fails once the server
// has started.
func (s *Server) RegisterAction(t psflight.ActionType, h psflight.ActionHandler) error {
	if s.started.IsBroken() {
		return psflight.NewErrorf(psflight.FailedPrecondition, "cannot register %q after the server started", t.Type)
	}
	return s.ServiceDefinition.RegisterAction(t, h)
}

// Start subscribes to the service channels and begins serving calls.
func (s *Server) Start() error {
	if s.shutdown.IsBroken() {
		return psflight.ErrServerClosed
	}
	if s.started.IsBroken() {
		return nil
	}

	ctx := context.Background()
	requests, err := bus.SubscribeQueue[*wire.Request](
		ctx, s.bus, info.ServiceRequestChannel(s.Name), s.ChannelSize,
	)
	if err != nil {
		return psflight.NewError(psflight.Unavailable, err)
	}
	cancels, err := bus.Subscribe[*wire.Cancel](
		ctx, s.bus, info.ServiceCancelChannel(s.Name), s.ChannelSize,
	)
	if err != nil {
		return psflight.NewError(psflight.Unavailable, multierr.Append(err, requests.Close()))
	}
	s.started.Break()

	go func() {
		shutdown := s.shutdown.Watch()
		for {
			select {
			case <-shutdown:
				_ = requests.Close()
				return

			case req, ok := <-requests.Channel():
				if !ok {
					return
				}
				s.mu.Lock()
				if s.closing {
					s.mu.Unlock()
					continue
				}
				s.active.Add(1)
				s.mu.Unlock()
				go s.handleRequest(req)
			}
		}
	}()

	go func() {
		stopped := s.stopped.Watch()
		for {
			select {
			case <-stopped:
				_ = cancels.Close()
				return

			case c, ok := <-cancels.Channel():
				if !ok {
					return
				}
				s.mu.Lock()
				sc, ok := s.calls[c.RequestID]
				s.mu.Unlock()
				if ok && sc.clientID == c.ClientID {
					logger.Debug("call cancelled by client", "requestID", c.RequestID, "reason", c.Error)
					sc.abort(c.Err())
				}
			}
		}
	}()

	logger.Debug("server started", "service", s.Name, "serverID", s.ID)
	return nil
}

// InFlight returns the number of calls being served.
func (s *Server) InFlight() int {
	return int(s.inFlight.Load())
}

// Close stops accepting calls. With force, calls in flight are cancelled
// with ErrServerClosed; otherwise Close waits for them to finish.
func (s *Server) Close(force bool) {
	s.shutdown.Once(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
	})

	if force {
		s.mu.Lock()
		calls := maps.Values(s.calls)
		s.mu.Unlock()
		for _, sc := range calls {
			sc.abort(psflight.ErrServerClosed)
		}
	}

	s.active.Wait()
	s.stopped.Break()
}

func (s *Server) track(sc *serverCall) {
	s.mu.Lock()
	s.calls[sc.info.RequestID] = sc
	s.mu.Unlock()
	s.inFlight.Inc()
}

func (s *Server) untrack(sc *serverCall) {
	s.mu.Lock()
	delete(s.calls, sc.info.RequestID)
	s.mu.Unlock()
	s.inFlight.Dec()
	s.active.Done()
}
