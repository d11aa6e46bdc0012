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
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/psflight"
	"github.com/livekit/psflight/internal/bus"
	"github.com/livekit/psflight/internal/wire"
	"github.com/livekit/psflight/pkg/info"
	"github.com/livekit/psflight/pkg/metadata"
)

const testService = "test"

// fakeServer speaks the wire protocol directly so tests control every frame.
type fakeServer struct {
	t        *testing.T
	bus      bus.MessageBus
	requests bus.Subscription[*wire.Request]
	cancels  bus.Subscription[*wire.Cancel]
}

func newFakeServer(t *testing.T, b bus.MessageBus) *fakeServer {
	ctx := context.Background()
	requests, err := bus.SubscribeQueue[*wire.Request](ctx, b, info.ServiceRequestChannel(testService), bus.DefaultChannelSize)
	require.NoError(t, err)
	cancels, err := bus.Subscribe[*wire.Cancel](ctx, b, info.ServiceCancelChannel(testService), bus.DefaultChannelSize)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = requests.Close()
		_ = cancels.Close()
	})
	return &fakeServer{t: t, bus: b, requests: requests, cancels: cancels}
}

func (s *fakeServer) nextRequest() *wire.Request {
	select {
	case req := <-s.requests.Channel():
		return req
	case <-time.After(time.Second):
		s.t.Fatal("no request received")
		return nil
	}
}

func (s *fakeServer) requireNoRequest() {
	select {
	case req := <-s.requests.Channel():
		s.t.Fatalf("unexpected request %s", req.RequestID)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *fakeServer) nextCancel() *wire.Cancel {
	select {
	case c := <-s.cancels.Channel():
		return c
	case <-time.After(time.Second):
		s.t.Fatal("no cancel received")
		return nil
	}
}

func (s *fakeServer) reply(req *wire.Request, frames ...*wire.Frame) {
	for _, f := range frames {
		f.RequestID = req.RequestID
		f.ServerID = "SRV_fake"
		require.NoError(s.t, s.bus.Publish(context.Background(), info.ClientResponseChannel(testService, req.ClientID), f))
	}
}

type callEvents struct {
	mu        sync.Mutex
	received  []*psflight.CallHeaders
	completed []psflight.CallStatus
	errored   []error
}

func (e *callEvents) snapshot() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.completed), len(e.errored)
}

type eventsMiddleware struct {
	psflight.NoOpMiddleware
	events *callEvents
	send   map[string]string
}

func (m *eventsMiddleware) OnBeforeSendingHeaders(h *psflight.CallHeaders) error {
	for k, v := range m.send {
		if err := h.Insert(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *eventsMiddleware) OnHeadersReceived(h *psflight.CallHeaders) error {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.received = append(m.events.received, h)
	return nil
}

func (m *eventsMiddleware) OnCallCompleted(s psflight.CallStatus) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.completed = append(m.events.completed, s)
}

func (m *eventsMiddleware) OnCallErrored(err error) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.errored = append(m.events.errored, err)
}

func recordEvents(events *callEvents, send map[string]string) psflight.CallOption {
	return psflight.CustomInterceptor(psflight.MiddlewareFactoryFunc(func(context.Context, psflight.CallInfo) (psflight.Middleware, error) {
		return &eventsMiddleware{events: events, send: send}, nil
	}))
}

func newTestClient(t *testing.T, opts ...psflight.ClientOption) (*Client, *fakeServer) {
	b := bus.NewLocalMessageBus()
	s := newFakeServer(t, b)
	c, err := NewClient(testService, b, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, s
}

func TestDoAction(t *testing.T) {
	c, s := newTestClient(t, psflight.WithClientID("CLI_test"))
	events := &callEvents{}

	h := psflight.NewCallHeaders()
	require.NoError(t, h.Insert("x-option", "1"))
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-context", "2")

	results, err := c.DoAction(ctx, &psflight.Action{Type: "echo", Body: []byte("ping")},
		psflight.HeaderOption(h),
		psflight.Timeout(time.Second),
		recordEvents(events, map[string]string{"x-middleware": "3"}),
	)
	require.NoError(t, err)

	req := s.nextRequest()
	require.Equal(t, "CLI_test", req.ClientID)
	require.Equal(t, psflight.MethodDoAction, req.Method)
	require.Equal(t, "echo", req.ActionType)
	require.Equal(t, []byte("ping"), req.Body)
	expiry, ok := req.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Second), expiry, 200*time.Millisecond)

	sent, err := wire.DecodeHeaders(req.Headers)
	require.NoError(t, err)
	require.Equal(t, []string{"x-context", "x-option", "x-middleware"}, keys(sent))

	response := psflight.NewCallHeaders()
	require.NoError(t, response.Insert("x-response", "ok"))
	s.reply(req,
		&wire.Frame{Type: wire.FrameHeaders, Headers: wire.EncodeHeaders(response)},
		&wire.Frame{Type: wire.FrameResult, Body: []byte("a")},
		&wire.Frame{Type: wire.FrameResult, Body: []byte("b")},
		&wire.Frame{Type: wire.FrameClose},
	)

	var bodies []string
	for r, err := range results.All() {
		require.NoError(t, err)
		bodies = append(bodies, string(r.Body))
	}
	require.Equal(t, []string{"a", "b"}, bodies)

	completed, errored := events.snapshot()
	require.Equal(t, 1, completed)
	require.Zero(t, errored)
	require.Equal(t, 2, events.completed[0].Results)
	require.Len(t, events.received, 1)
	v, _ := events.received[0].Get("x-response")
	require.Equal(t, "ok", v)

	// completed calls are not cancelled
	select {
	case cl := <-s.cancels.Channel():
		t.Fatalf("unexpected cancel for %s", cl.RequestID)
	case <-time.After(50 * time.Millisecond):
	}
}

func keys(h *psflight.CallHeaders) []string {
	var k []string
	for key := range h.Keys() {
		k = append(k, key)
	}
	return k
}

func TestDeadlineExceeded(t *testing.T) {
	c, s := newTestClient(t)
	events := &callEvents{}

	timeout := 100 * time.Millisecond
	start := time.Now()
	results, err := c.DoAction(context.Background(), &psflight.Action{Type: "hang"},
		psflight.Timeout(timeout),
		recordEvents(events, nil),
	)
	require.NoError(t, err)
	req := s.nextRequest()

	_, err = results.Recv()
	elapsed := time.Since(start)
	require.True(t, psflight.IsDeadlineExceeded(err))
	require.Contains(t, err.Error(), "deadline exceeded")
	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, timeout+200*time.Millisecond)

	cancel := s.nextCancel()
	require.Equal(t, req.RequestID, cancel.RequestID)
	require.Equal(t, psflight.DeadlineExceeded, psflight.ErrorCodeOf(cancel.Err()))

	// late frames are ignored
	s.reply(req, &wire.Frame{Type: wire.FrameResult, Body: []byte("late")}, &wire.Frame{Type: wire.FrameClose})
	time.Sleep(20 * time.Millisecond)
	_, err = results.Recv()
	require.True(t, psflight.IsDeadlineExceeded(err))

	completed, errored := events.snapshot()
	require.Zero(t, completed)
	require.Equal(t, 1, errored)
}

func TestDeadlineWithSlowCancel(t *testing.T) {
	cancelDelay := 500 * time.Millisecond
	b := bus.NewTestBus(bus.NewLocalMessageBus(), bus.WithPublishInterceptor(func(next bus.PublishHandler) bus.PublishHandler {
		return func(ctx context.Context, channel string, msg wire.Message) error {
			if _, ok := msg.(*wire.Cancel); ok {
				select {
				case <-time.After(cancelDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return next(ctx, channel, msg)
		}
	}))
	s := newFakeServer(t, b)
	c, err := NewClient(testService, b)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	timeout := 100 * time.Millisecond
	start := time.Now()
	results, err := c.DoAction(context.Background(), &psflight.Action{Type: "hang"}, psflight.Timeout(timeout))
	require.NoError(t, err)
	req := s.nextRequest()

	_, err = results.Recv()
	require.True(t, psflight.IsDeadlineExceeded(err))
	require.Less(t, time.Since(start), timeout+200*time.Millisecond)

	// the cancel still reaches the server once the bus catches up
	cancel := s.nextCancel()
	require.Equal(t, req.RequestID, cancel.RequestID)
}

func TestResponseHeadersAfterDeadline(t *testing.T) {
	c, s := newTestClient(t)
	events := &callEvents{}

	results, err := c.DoAction(context.Background(), &psflight.Action{Type: "hang"},
		psflight.Timeout(50*time.Millisecond),
		recordEvents(events, nil),
	)
	require.NoError(t, err)
	req := s.nextRequest()

	c.mu.RLock()
	cl := c.calls[req.RequestID]
	c.mu.RUnlock()
	require.NotNil(t, cl)

	_, err = results.Recv()
	require.True(t, psflight.IsDeadlineExceeded(err))

	h := psflight.NewCallHeaders()
	require.NoError(t, h.Insert("x-late", "1"))
	cl.handleFrame(&wire.Frame{RequestID: req.RequestID, Type: wire.FrameHeaders, Headers: wire.EncodeHeaders(h)})

	events.mu.Lock()
	defer events.mu.Unlock()
	require.Empty(t, events.received)
	require.Len(t, events.errored, 1)
}

func TestDefaultTimeout(t *testing.T) {
	c, s := newTestClient(t, psflight.WithClientTimeout(50*time.Millisecond))

	results, err := c.DoAction(context.Background(), &psflight.Action{Type: "hang"}, psflight.Timeout(0))
	require.NoError(t, err)
	s.nextRequest()

	_, err = results.Recv()
	require.Equal(t, psflight.DeadlineExceeded, psflight.ErrorCodeOf(err))
}

func TestContextCanceled(t *testing.T) {
	c, s := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	results, err := c.DoAction(ctx, &psflight.Action{Type: "hang"})
	require.NoError(t, err)
	req := s.nextRequest()

	cancel()
	_, err = results.Recv()
	require.Equal(t, psflight.Canceled, psflight.ErrorCodeOf(err))

	cl := s.nextCancel()
	require.Equal(t, req.RequestID, cl.RequestID)
	require.Equal(t, req.ClientID, cl.ClientID)
}

func TestContextDeadline(t *testing.T) {
	c, s := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	results, err := c.DoAction(ctx, &psflight.Action{Type: "hang"}, psflight.Timeout(time.Minute))
	require.NoError(t, err)
	s.nextRequest()

	_, err = results.Recv()
	require.True(t, psflight.IsDeadlineExceeded(err))
}

func TestConsumerClose(t *testing.T) {
	c, s := newTestClient(t)

	results, err := c.DoAction(context.Background(), &psflight.Action{Type: "stream"})
	require.NoError(t, err)
	req := s.nextRequest()

	results.Close()
	cl := s.nextCancel()
	require.Equal(t, req.RequestID, cl.RequestID)
	require.Equal(t, psflight.Canceled, psflight.ErrorCodeOf(cl.Err()))
}

func TestRemoteError(t *testing.T) {
	c, s := newTestClient(t)

	results, err := c.DoAction(context.Background(), &psflight.Action{Type: "secret"})
	require.NoError(t, err)
	req := s.nextRequest()
	s.reply(req, &wire.Frame{
		Type:  wire.FrameClose,
		Code:  string(psflight.PermissionDenied),
		Error: "not allowed",
	})

	_, err = results.Recv()
	require.Equal(t, psflight.PermissionDenied, psflight.ErrorCodeOf(err))
	require.Contains(t, err.Error(), "not allowed")
}

func TestInvalidHeaders(t *testing.T) {
	c, s := newTestClient(t)

	h := psflight.NewCallHeaders()
	require.NoError(t, h.Insert("x-name", "café"))
	_, err := c.DoAction(context.Background(), &psflight.Action{Type: "echo"}, psflight.HeaderOption(h))
	require.Equal(t, psflight.InvalidHeaderValue, psflight.ErrorCodeOf(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "bad key", "v")
	_, err = c.DoAction(ctx, &psflight.Action{Type: "echo"})
	require.Equal(t, psflight.InvalidKeyFormat, psflight.ErrorCodeOf(err))

	_, err = c.DoAction(context.Background(), &psflight.Action{})
	require.Equal(t, psflight.InvalidArgument, psflight.ErrorCodeOf(err))

	s.requireNoRequest()
}

func TestMiddlewareSetupFailure(t *testing.T) {
	events := &callEvents{}
	failing := psflight.CustomInterceptor(psflight.MiddlewareFactoryFunc(func(context.Context, psflight.CallInfo) (psflight.Middleware, error) {
		return nil, psflight.NewErrorf(psflight.Unavailable, "no tracer")
	}))
	c, s := newTestClient(t)

	_, err := c.DoAction(context.Background(), &psflight.Action{Type: "echo"}, recordEvents(events, nil), failing)
	require.Equal(t, psflight.CallSetupFailed, psflight.ErrorCodeOf(err))
	require.Contains(t, err.Error(), "no tracer")

	completed, errored := events.snapshot()
	require.Zero(t, completed)
	require.Equal(t, 1, errored)

	rejecting := recordEvents(events, map[string]string{"bad key": "v"})
	_, err = c.DoAction(context.Background(), &psflight.Action{Type: "echo"}, rejecting)
	require.Equal(t, psflight.CallSetupFailed, psflight.ErrorCodeOf(err))

	s.requireNoRequest()
}

func TestListActions(t *testing.T) {
	c, s := newTestClient(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := s.nextRequest()
		require.Equal(t, psflight.MethodListActions, req.Method)
		s.reply(req,
			&wire.Frame{Type: wire.FrameResult, Body: wire.MarshalActionType(psflight.ActionType{Type: "a", Description: "first"})},
			&wire.Frame{Type: wire.FrameResult, Body: wire.MarshalActionType(psflight.ActionType{Type: "b"})},
			&wire.Frame{Type: wire.FrameClose},
		)
	}()

	types, err := c.ListActions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []psflight.ActionType{{Type: "a", Description: "first"}, {Type: "b"}}, types)
	<-done
}

func TestClientClose(t *testing.T) {
	c, s := newTestClient(t)

	results, err := c.DoAction(context.Background(), &psflight.Action{Type: "hang"})
	require.NoError(t, err)
	s.nextRequest()

	c.Close()
	_, err = results.Recv()
	require.ErrorIs(t, err, psflight.ErrClientClosed)

	_, err = c.DoAction(context.Background(), &psflight.Action{Type: "hang"})
	require.ErrorIs(t, err, psflight.ErrClientClosed)
}

func TestDuplicateMiddleware(t *testing.T) {
	reg := psflight.RegisteredMiddleware{Name: "dup", Factory: psflight.MiddlewareFactoryFunc(
		func(context.Context, psflight.CallInfo) (psflight.Middleware, error) {
			return psflight.NoOpMiddleware{}, nil
		},
	)}
	_, err := NewClient(testService, bus.NewLocalMessageBus(), psflight.WithClientMiddleware(reg, reg))
	require.Equal(t, psflight.InvalidArgument, psflight.ErrorCodeOf(err))
}

func TestConcurrentCalls(t *testing.T) {
	c, s := newTestClient(t)

	go func() {
		for i := 0; i < 10; i++ {
			req := s.nextRequest()
			s.reply(req, &wire.Frame{Type: wire.FrameResult, Body: req.Body}, &wire.Frame{Type: wire.FrameClose})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := strings.Repeat("x", i+1)
			results, err := c.DoAction(context.Background(), &psflight.Action{Type: "echo", Body: []byte(body)})
			require.NoError(t, err)
			r, err := results.Recv()
			require.NoError(t, err)
			require.Equal(t, body, string(r.Body))
			_, err = results.Recv()
			require.Equal(t, io.EOF, err)
		}()
	}
	wg.Wait()
}
