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
	"io"
	"runtime/debug"
	"time"

	"github.com/livekit/psflight"
	"github.com/livekit/psflight/internal/interceptors"
	"github.com/livekit/psflight/internal/logger"
	"github.com/livekit/psflight/internal/wire"
	"github.com/livekit/psflight/pkg/info"
)

type serverCall struct {
	s        *Server
	info     psflight.CallInfo
	clientID string
	channel  string

	cancelCause context.CancelCauseFunc
	results     *psflight.ResultChannel
	chain       *interceptors.Chain
}

func (s *Server) handleRequest(req *wire.Request) {
	startedAt := time.Now()
	ci := s.CallInfo(req.Method, req.ActionType, req.RequestID, psflight.ServerRole)
	ci.StartedAt = startedAt

	deadline := startedAt.Add(s.Timeout)
	if d, ok := req.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ctx, cancelTimeout := context.WithDeadline(context.Background(), deadline)
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)

	sc := &serverCall{
		s:           s,
		info:        ci,
		clientID:    req.ClientID,
		channel:     info.ClientResponseChannel(s.Name, req.ClientID),
		cancelCause: cancel,
		results:     psflight.NewResultChannel(),
	}
	s.track(sc)
	defer s.untrack(sc)
	defer cancel(psflight.ErrCallCanceled)

	// middleware sees every call, including ones rejected before the handler
	chain, err := interceptors.StartChain(ctx, ci, s.Middleware, nil)
	if err != nil {
		sc.sendClose(coded(err, psflight.Internal))
		return
	}
	sc.chain = chain

	headers, err := wire.DecodeHeaders(req.Headers)
	if err != nil {
		sc.reject(psflight.NewError(psflight.MalformedRequest, err))
		return
	}
	if err = sc.chain.HeadersReceived(headers); err != nil {
		sc.reject(coded(err, psflight.PermissionDenied))
		return
	}

	handler, err := s.resolve(req)
	if err != nil {
		sc.reject(err)
		return
	}

	response := psflight.NewCallHeaders()
	if err = sc.chain.SendingHeaders(response); err == nil {
		err = response.Validate()
	}
	if err != nil {
		sc.reject(coded(err, psflight.Internal))
		return
	}
	if response.Len() > 0 {
		sc.send(&wire.Frame{Type: wire.FrameHeaders, Headers: wire.EncodeHeaders(response)})
	}

	cc := psflight.NewCallContext(ctx, ci, req.ClientID, headers, sc.chain.Instances())
	sc.results.OnTerminal(func(err error) {
		sc.chain.Complete(sc.status(err), err)
	})
	stop := context.AfterFunc(cc.Context(), func() {
		sc.results.Abort(cc.Err())
	})
	defer stop()

	go sc.invoke(handler, cc, &psflight.Action{Type: req.ActionType, Body: req.Body})

	sc.pump()
}

func (s *Server) resolve(req *wire.Request) (psflight.ActionHandler, error) {
	switch req.Method {
	case psflight.MethodDoAction:
		h, ok := s.Handler(req.ActionType)
		if !ok {
			return nil, psflight.NewErrorf(psflight.Unimplemented, "unknown action type %q", req.ActionType)
		}
		return h, nil
	case psflight.MethodListActions:
		return s.listActions, nil
	default:
		return nil, psflight.NewErrorf(psflight.Unimplemented, "%s: %q", psflight.ErrUnknownMethod, req.Method)
	}
}

func (s *Server) listActions(_ *psflight.CallContext, _ *psflight.Action, out *psflight.ResultChannel) error {
	for _, t := range s.ActionTypes() {
		if err := out.Send(&psflight.Result{Body: wire.MarshalActionType(t)}); err != nil {
			return err
		}
	}
	return nil
}

// invoke runs the handler and turns its return value or panic into the
// terminal signal, unless the handler already gave one.
func (sc *serverCall) invoke(handler psflight.ActionHandler, cc *psflight.CallContext, action *psflight.Action) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = psflight.NewErrorf(psflight.Internal, "caught server panic. Stack trace:\n%s", string(debug.Stack()))
			logger.Error(err, "action handler panicked", "action", action.Type, "requestID", sc.info.RequestID)
		}
		if err != nil {
			err = coded(err, psflight.Internal)
		}
		sc.results.Finish(err)
	}()

	err = handler(cc, action, sc.results)
}

// pump forwards results to the client until the channel terminates.
func (sc *serverCall) pump() {
	for {
		r, err := sc.results.Recv()
		if err == io.EOF {
			sc.sendClose(nil)
			return
		}
		if err != nil {
			sc.sendClose(err)
			return
		}
		sc.send(&wire.Frame{Type: wire.FrameResult, Body: r.Body})
	}
}

// reject ends a call that never reached its handler.
func (sc *serverCall) reject(err error) {
	sc.chain.Complete(sc.status(err), err)
	sc.sendClose(err)
}

func (sc *serverCall) sendClose(err error) {
	code, msg := wire.EncodeError(err)
	sc.send(&wire.Frame{Type: wire.FrameClose, Code: code, Error: msg})
	logger.Debug("call finished",
		"service", sc.info.Service,
		"method", sc.info.Method,
		"action", sc.info.ActionType,
		"requestID", sc.info.RequestID,
		"code", code,
		"elapsed", time.Since(sc.info.StartedAt),
	)
}

func (sc *serverCall) send(f *wire.Frame) {
	f.RequestID = sc.info.RequestID
	f.ServerID = sc.s.ID
	f.SentAt = time.Now().UnixNano()
	if err := sc.s.bus.Publish(context.Background(), sc.channel, f); err != nil {
		logger.Error(err, "failed to publish frame", "requestID", sc.info.RequestID, "type", f.Type)
	}
}

// abort cancels the call context, which in turn aborts the results.
func (sc *serverCall) abort(cause error) {
	sc.cancelCause(cause)
}

func (sc *serverCall) status(err error) psflight.CallStatus {
	return psflight.CallStatus{
		Code:    psflight.ErrorCodeOf(err),
		Elapsed: time.Since(sc.info.StartedAt),
		Results: sc.results.Sent(),
	}
}

// coded leaves psflight errors untouched and wraps any other error with code.
func coded(err error, code psflight.ErrorCode) error {
	var e psflight.Error
	if errors.As(err, &e) {
		return err
	}
	return psflight.NewError(code, err)
}
