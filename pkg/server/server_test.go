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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/psflight"
	"github.com/livekit/psflight/internal/bus"
	"github.com/livekit/psflight/internal/wire"
	"github.com/livekit/psflight/pkg/info"
	"github.com/livekit/psflight/pkg/middleware"
)

const (
	testService = "test"
	testClient  = "CLI_test"
)

// fakeClient speaks the wire protocol directly so tests see every frame.
type fakeClient struct {
	t      *testing.T
	bus    bus.MessageBus
	frames bus.Subscription[*wire.Frame]
	next   int
}

func newFakeClient(t *testing.T, b bus.MessageBus) *fakeClient {
	frames, err := bus.Subscribe[*wire.Frame](
		context.Background(), b, info.ClientResponseChannel(testService, testClient), bus.DefaultChannelSize,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = frames.Close() })
	return &fakeClient{t: t, bus: b, frames: frames}
}

func (c *fakeClient) send(req *wire.Request) *wire.Request {
	c.next++
	if req.RequestID == "" {
		req.RequestID = "REQ_" + string(rune('a'+c.next))
	}
	req.ClientID = testClient
	if req.Method == "" {
		req.Method = psflight.MethodDoAction
	}
	req.SentAt = time.Now().UnixNano()
	if req.Expiry == 0 {
		req.Expiry = time.Now().Add(time.Second).UnixNano()
	}
	require.NoError(c.t, c.bus.Publish(context.Background(), info.ServiceRequestChannel(testService), req))
	return req
}

func (c *fakeClient) cancel(req *wire.Request, err error) {
	code, msg := wire.EncodeError(err)
	require.NoError(c.t, c.bus.Publish(context.Background(), info.ServiceCancelChannel(testService), &wire.Cancel{
		RequestID: req.RequestID,
		ClientID:  testClient,
		Code:      code,
		Error:     msg,
	}))
}

// collect reads frames until the close frame.
func (c *fakeClient) collect() []*wire.Frame {
	var frames []*wire.Frame
	for {
		select {
		case f := <-c.frames.Channel():
			frames = append(frames, f)
			if f.Type == wire.FrameClose {
				return frames
			}
		case <-time.After(2 * time.Second):
			c.t.Fatal("no close frame received")
			return nil
		}
	}
}

func newTestServer(t *testing.T, opts ...psflight.ServerOption) (*Server, *fakeClient) {
	b := bus.NewLocalMessageBus()
	s, err := NewServer(info.NewServiceDefinition(testService, ""), b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(true) })
	return s, newFakeClient(t, b)
}

func echo(_ *psflight.CallContext, a *psflight.Action, out *psflight.ResultChannel) error {
	return out.Send(&psflight.Result{Body: a.Body})
}

func TestDoAction(t *testing.T) {
	s, c := newTestServer(t, psflight.WithServerID("SRV_test"))
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "echo"}, echo))
	require.NoError(t, s.Start())

	req := c.send(&wire.Request{ActionType: "echo", Body: []byte("hi")})
	frames := c.collect()
	require.Len(t, frames, 2)
	require.Equal(t, wire.FrameResult, frames[0].Type)
	require.Equal(t, []byte("hi"), frames[0].Body)
	require.Equal(t, req.RequestID, frames[0].RequestID)
	require.Equal(t, "SRV_test", frames[0].ServerID)
	require.NoError(t, frames[1].Err())
}

func TestHandlerHeaders(t *testing.T) {
	s, c := newTestServer(t, psflight.WithServerMiddleware(middleware.CaptureHeaders()))
	seen := make(chan *psflight.CallHeaders, 1)
	peer := make(chan string, 1)
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "headers"}, func(cc *psflight.CallContext, _ *psflight.Action, _ *psflight.ResultChannel) error {
		peer <- cc.Peer()
		h, err := middleware.HeadersFromCall(cc)
		if err != nil {
			return err
		}
		seen <- h
		return nil
	}))
	require.NoError(t, s.Start())

	h := psflight.NewCallHeaders()
	require.NoError(t, h.Insert("k", "v"))
	require.NoError(t, h.InsertBinary("k-bin", []byte{0xc3, 0x28}))
	c.send(&wire.Request{ActionType: "headers", Headers: wire.EncodeHeaders(h)})

	frames := c.collect()
	require.NoError(t, frames[len(frames)-1].Err())
	require.Equal(t, testClient, <-peer)
	got := <-seen
	require.Equal(t, wire.EncodeHeaders(h), wire.EncodeHeaders(got))
}

func TestResponseHeaders(t *testing.T) {
	h := psflight.NewCallHeaders()
	require.NoError(t, h.Insert("x-server", "1"))
	s, c := newTestServer(t, psflight.WithServerMiddleware(middleware.StaticHeaders("server-headers", h)))
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "echo"}, echo))
	require.NoError(t, s.Start())

	c.send(&wire.Request{ActionType: "echo"})
	frames := c.collect()
	require.Len(t, frames, 3)
	require.Equal(t, wire.FrameHeaders, frames[0].Type)
	got, err := wire.DecodeHeaders(frames[0].Headers)
	require.NoError(t, err)
	v, _ := got.Get("x-server")
	require.Equal(t, "1", v)
}

func TestUnknownAction(t *testing.T) {
	s, c := newTestServer(t)
	require.NoError(t, s.Start())

	c.send(&wire.Request{ActionType: "missing"})
	frames := c.collect()
	require.Len(t, frames, 1)
	require.Equal(t, psflight.Unimplemented, psflight.ErrorCodeOf(frames[0].Err()))

	c.send(&wire.Request{Method: "Handshake"})
	frames = c.collect()
	require.Equal(t, psflight.Unimplemented, psflight.ErrorCodeOf(frames[0].Err()))
}

func TestMalformedHeaders(t *testing.T) {
	s, c := newTestServer(t)
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "echo"}, echo))
	require.NoError(t, s.Start())

	c.send(&wire.Request{ActionType: "echo", Headers: []wire.Header{{Key: "bad key", Text: "v"}}})
	frames := c.collect()
	require.Equal(t, psflight.MalformedRequest, psflight.ErrorCodeOf(frames[0].Err()))
}

type countingMiddleware struct {
	psflight.NoOpMiddleware
	received  *atomic.Int32
	completed *atomic.Int32
	errored   chan error
}

func (m *countingMiddleware) OnHeadersReceived(*psflight.CallHeaders) error {
	m.received.Inc()
	return nil
}

func (m *countingMiddleware) OnCallCompleted(psflight.CallStatus) {
	m.completed.Inc()
}

func (m *countingMiddleware) OnCallErrored(err error) {
	m.errored <- err
}

func TestRejectedCallsReachMiddleware(t *testing.T) {
	var started, received, completed atomic.Int32
	errored := make(chan error, 10)
	counter := psflight.RegisteredMiddleware{
		Name: "counter",
		Factory: psflight.MiddlewareFactoryFunc(func(context.Context, psflight.CallInfo) (psflight.Middleware, error) {
			started.Inc()
			return &countingMiddleware{received: &received, completed: &completed, errored: errored}, nil
		}),
	}
	s, c := newTestServer(t, psflight.WithServerMiddleware(counter))
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "echo"}, echo))
	require.NoError(t, s.Start())

	cases := []struct {
		name     string
		req      *wire.Request
		code     psflight.ErrorCode
		received int32
	}{
		{"unknown action", &wire.Request{ActionType: "missing"}, psflight.Unimplemented, 1},
		{"unknown method", &wire.Request{Method: "Handshake"}, psflight.Unimplemented, 1},
		{"malformed headers", &wire.Request{ActionType: "echo", Headers: []wire.Header{{Key: "bad key"}}}, psflight.MalformedRequest, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			started.Store(0)
			received.Store(0)

			c.send(tc.req)
			require.Equal(t, tc.code, psflight.ErrorCodeOf(c.collect()[0].Err()))

			select {
			case err := <-errored:
				require.Equal(t, tc.code, psflight.ErrorCodeOf(err))
			case <-time.After(time.Second):
				t.Fatal("middleware not told the call errored")
			}
			require.EqualValues(t, 1, started.Load())
			require.Equal(t, tc.received, received.Load())
			require.Zero(t, completed.Load())
			require.Empty(t, errored)
		})
	}
}

func TestAuthBeforeActionLookup(t *testing.T) {
	s, c := newTestServer(t, middleware.WithBearerAuth(func(context.Context, string) (string, error) {
		return "", errors.New("expired")
	}))
	require.NoError(t, s.Start())

	c.send(&wire.Request{ActionType: "missing"})
	require.Equal(t, psflight.Unauthenticated, psflight.ErrorCodeOf(c.collect()[0].Err()))
}

func TestHandlerErrors(t *testing.T) {
	s, c := newTestServer(t)
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "plain"}, func(*psflight.CallContext, *psflight.Action, *psflight.ResultChannel) error {
		return errors.New("disk full")
	}))
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "coded"}, func(*psflight.CallContext, *psflight.Action, *psflight.ResultChannel) error {
		return psflight.NewErrorf(psflight.NotFound, "no such thing")
	}))
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "panic"}, func(*psflight.CallContext, *psflight.Action, *psflight.ResultChannel) error {
		panic("oops")
	}))
	require.NoError(t, s.Start())

	c.send(&wire.Request{ActionType: "plain"})
	err := c.collect()[0].Err()
	require.Equal(t, psflight.Internal, psflight.ErrorCodeOf(err))
	require.Contains(t, err.Error(), "disk full")

	c.send(&wire.Request{ActionType: "coded"})
	err = c.collect()[0].Err()
	require.Equal(t, psflight.NotFound, psflight.ErrorCodeOf(err))

	c.send(&wire.Request{ActionType: "panic"})
	err = c.collect()[0].Err()
	require.Equal(t, psflight.Internal, psflight.ErrorCodeOf(err))
	require.Contains(t, err.Error(), "caught server panic")
}

func TestRejectingMiddleware(t *testing.T) {
	s, c := newTestServer(t, middleware.WithBearerAuth(func(context.Context, string) (string, error) {
		return "", errors.New("expired")
	}))
	called := make(chan struct{}, 1)
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "echo"}, func(*psflight.CallContext, *psflight.Action, *psflight.ResultChannel) error {
		called <- struct{}{}
		return nil
	}))
	require.NoError(t, s.Start())

	c.send(&wire.Request{ActionType: "echo"})
	require.Equal(t, psflight.Unauthenticated, psflight.ErrorCodeOf(c.collect()[0].Err()))
	require.Empty(t, called)
}

func TestExpiredRequest(t *testing.T) {
	s, c := newTestServer(t)
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "hang"}, func(cc *psflight.CallContext, _ *psflight.Action, _ *psflight.ResultChannel) error {
		<-cc.Done()
		return cc.Err()
	}))
	require.NoError(t, s.Start())

	start := time.Now()
	c.send(&wire.Request{ActionType: "hang", Expiry: time.Now().Add(50 * time.Millisecond).UnixNano()})
	frames := c.collect()
	require.Equal(t, psflight.DeadlineExceeded, psflight.ErrorCodeOf(frames[0].Err()))
	require.Less(t, time.Since(start), time.Second)
}

func TestServerTimeout(t *testing.T) {
	s, c := newTestServer(t, psflight.WithServerTimeout(50*time.Millisecond))
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "hang"}, func(cc *psflight.CallContext, _ *psflight.Action, _ *psflight.ResultChannel) error {
		<-cc.Done()
		return nil
	}))
	require.NoError(t, s.Start())

	c.send(&wire.Request{ActionType: "hang", Expiry: time.Now().Add(time.Minute).UnixNano()})
	require.True(t, psflight.IsDeadlineExceeded(c.collect()[0].Err()))
}

func TestClientCancel(t *testing.T) {
	s, c := newTestServer(t)
	started := make(chan struct{})
	stopped := make(chan error, 1)
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "hang"}, func(cc *psflight.CallContext, _ *psflight.Action, _ *psflight.ResultChannel) error {
		close(started)
		<-cc.Done()
		stopped <- cc.Err()
		return nil
	}))
	require.NoError(t, s.Start())

	req := c.send(&wire.Request{ActionType: "hang"})
	<-started
	require.Equal(t, 1, s.InFlight())

	c.cancel(req, psflight.ErrCallCanceled)
	select {
	case err := <-stopped:
		require.Equal(t, psflight.Canceled, psflight.ErrorCodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("handler was not cancelled")
	}
	frames := c.collect()
	require.Equal(t, psflight.Canceled, psflight.ErrorCodeOf(frames[len(frames)-1].Err()))

	require.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, 10*time.Millisecond)
}

func TestListActions(t *testing.T) {
	s, c := newTestServer(t)
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "b", Description: "second"}, echo))
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "a"}, echo))
	require.NoError(t, s.Start())

	c.send(&wire.Request{Method: psflight.MethodListActions})
	frames := c.collect()
	require.Len(t, frames, 3)

	var types []psflight.ActionType
	for _, f := range frames[:2] {
		at, err := wire.UnmarshalActionType(f.Body)
		require.NoError(t, err)
		types = append(types, at)
	}
	require.Equal(t, []psflight.ActionType{{Type: "b", Description: "second"}, {Type: "a"}}, types)
}

func TestRegisterAfterStart(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "echo"}, echo))
	require.Equal(t, psflight.AlreadyExists, psflight.ErrorCodeOf(s.RegisterAction(psflight.ActionType{Type: "echo"}, echo)))
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	err := s.RegisterAction(psflight.ActionType{Type: "late"}, echo)
	require.Equal(t, psflight.FailedPrecondition, psflight.ErrorCodeOf(err))
}

func TestServerID(t *testing.T) {
	b := bus.NewLocalMessageBus()
	s, err := NewServer(info.NewServiceDefinition(testService, "SRV_definition"), b)
	require.NoError(t, err)
	require.Equal(t, "SRV_definition", s.ID)

	s, err = NewServer(info.NewServiceDefinition(testService, "SRV_definition"), b, psflight.WithServerID("SRV_option"))
	require.NoError(t, err)
	require.Equal(t, "SRV_option", s.ID)

	s, err = NewServer(info.NewServiceDefinition(testService, ""), b)
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
}

func TestGracefulClose(t *testing.T) {
	s, c := newTestServer(t)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "slow"}, func(_ *psflight.CallContext, _ *psflight.Action, out *psflight.ResultChannel) error {
		close(started)
		<-release
		return out.Send(&psflight.Result{Body: []byte("done")})
	}))
	require.NoError(t, s.Start())

	c.send(&wire.Request{ActionType: "slow"})
	<-started

	closed := make(chan struct{})
	go func() {
		s.Close(false)
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned with a call in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	frames := c.collect()
	require.Len(t, frames, 2)
	require.NoError(t, frames[1].Err())
	<-closed

	require.ErrorIs(t, s.Start(), psflight.ErrServerClosed)
}

func TestForceClose(t *testing.T) {
	s, c := newTestServer(t)
	started := make(chan struct{})
	require.NoError(t, s.RegisterAction(psflight.ActionType{Type: "hang"}, func(cc *psflight.CallContext, _ *psflight.Action, _ *psflight.ResultChannel) error {
		close(started)
		<-cc.Done()
		return cc.Err()
	}))
	require.NoError(t, s.Start())

	c.send(&wire.Request{ActionType: "hang"})
	<-started

	s.Close(true)
	frames := c.collect()
	require.ErrorIs(t, frames[len(frames)-1].Err(), psflight.Canceled)
	require.Zero(t, s.InFlight())
}
