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
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/livekit/psflight"
	"github.com/livekit/psflight/internal/interceptors"
	"github.com/livekit/psflight/internal/logger"
	"github.com/livekit/psflight/internal/rand"
	"github.com/livekit/psflight/internal/wire"
	"github.com/livekit/psflight/pkg/info"
	"github.com/livekit/psflight/pkg/metadata"
)

const cancelPublishTimeout = 5 * time.Second

type call struct {
	c        *Client
	info     psflight.CallInfo
	results  *psflight.ResultChannel
	deadline *deadline

	// hookMu orders response-header hooks before the completion hooks
	hookMu sync.Mutex

	mu         sync.Mutex
	chain      *interceptors.Chain
	stopCtx    func() bool
	terminated bool
	termErr    error

	published    atomic.Bool
	closedByPeer atomic.Bool
}

func (c *Client) startCall(
	ctx context.Context,
	method string,
	actionType string,
	body []byte,
	opts ...psflight.CallOption,
) (*psflight.ResultChannel, error) {
	if c.closed.IsBroken() {
		return nil, psflight.ErrClientClosed
	}

	o, timeout := getCallOpts(c.ClientOpts, opts...)
	cl := &call{
		c: c,
		info: psflight.CallInfo{
			Service:    c.serviceName,
			Method:     method,
			ActionType: actionType,
			RequestID:  rand.NewRequestID(),
			Role:       psflight.ClientRole,
			StartedAt:  time.Now(),
		},
		results:  psflight.NewResultChannel(),
		deadline: newDeadline(timeout),
	}
	cl.results.OnTerminal(cl.onTerminal)

	// the deadline covers middleware setup as well as the remote call
	cl.deadline.arm(func() {
		cl.results.Abort(psflight.ErrDeadlineExceeded)
	})
	cl.watchContext(ctx)

	chain, err := interceptors.StartChain(ctx, cl.info, c.Middleware, o.Interceptors)
	if err != nil {
		err = psflight.NewError(psflight.CallSetupFailed, err)
		cl.results.Finish(err)
		return nil, err
	}
	cl.setChain(chain)

	headers, err := metadata.OutgoingHeaders(ctx)
	if err != nil {
		cl.results.Finish(err)
		return nil, err
	}
	headers.Merge(o.Headers)
	if err := chain.SendingHeaders(headers); err != nil {
		err = psflight.NewError(psflight.CallSetupFailed, err)
		cl.results.Finish(err)
		return nil, err
	}
	if err := headers.Validate(); err != nil {
		cl.results.Finish(err)
		return nil, err
	}

	select {
	case <-cl.results.Done():
		// expired or cancelled during setup, the channel carries the cause
		return cl.results, nil
	default:
	}

	req := &wire.Request{
		RequestID:  cl.info.RequestID,
		ClientID:   c.ID,
		Method:     method,
		ActionType: actionType,
		Body:       body,
		SentAt:     cl.info.StartedAt.UnixNano(),
		Expiry:     cl.deadline.Deadline().UnixNano(),
		Headers:    wire.EncodeHeaders(headers),
	}

	c.register(cl)
	cl.published.Store(true)
	if err := c.bus.Publish(ctx, info.ServiceRequestChannel(c.serviceName), req); err != nil {
		cl.published.Store(false)
		err = psflight.NewError(psflight.Unavailable, err)
		cl.results.Finish(err)
		return nil, err
	}

	logger.Debug("call started",
		"service", c.serviceName,
		"method", method,
		"action", actionType,
		"requestID", cl.info.RequestID,
		"timeout", timeout,
	)
	return cl.results, nil
}

func (cl *call) watchContext(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		cause := context.Cause(ctx)
		if psflight.IsDeadlineExceeded(cause) || errors.Is(cause, context.DeadlineExceeded) {
			cl.results.Abort(psflight.ErrDeadlineExceeded)
		} else {
			cl.results.Abort(psflight.ErrCallCanceled)
		}
	})

	cl.mu.Lock()
	cl.stopCtx = stop
	terminated := cl.terminated
	cl.mu.Unlock()

	if terminated {
		stop()
	}
}

func (cl *call) setChain(chain *interceptors.Chain) {
	cl.mu.Lock()
	cl.chain = chain
	terminated, err := cl.terminated, cl.termErr
	cl.mu.Unlock()

	// the call ended while middleware was being created
	if terminated {
		cl.complete(chain, err)
	}
}

func (cl *call) handleFrame(f *wire.Frame) {
	switch f.Type {
	case wire.FrameHeaders:
		headers, err := wire.DecodeHeaders(f.Headers)
		if err == nil {
			err = cl.headersReceived(headers)
		}
		if err != nil {
			logger.Debug("response headers rejected", "requestID", cl.info.RequestID, "error", err)
			if psflight.ErrorCodeOf(err) == psflight.Unknown {
				err = psflight.NewError(psflight.Internal, err)
			}
			cl.results.Abort(err)
		}

	case wire.FrameResult:
		_ = cl.results.Send(&psflight.Result{Body: f.Body})

	case wire.FrameClose:
		cl.closedByPeer.Store(true)
		cl.results.Finish(f.Err())

	default:
		logger.Debug("unknown frame kind", "requestID", cl.info.RequestID, "type", f.Type)
	}
}

// headersReceived runs the response-header hooks unless the call already
// ended, in which case the frame is dropped.
func (cl *call) headersReceived(headers *psflight.CallHeaders) error {
	cl.hookMu.Lock()
	defer cl.hookMu.Unlock()

	cl.mu.Lock()
	chain, terminated := cl.chain, cl.terminated
	cl.mu.Unlock()

	if terminated || chain == nil {
		logger.Debug("dropping response headers for finished call", "requestID", cl.info.RequestID)
		return nil
	}
	return chain.HeadersReceived(headers)
}

func (cl *call) complete(chain *interceptors.Chain, err error) {
	cl.hookMu.Lock()
	defer cl.hookMu.Unlock()
	chain.Complete(cl.status(err), err)
}

// onTerminal runs once the outcome of the call is decided and before the
// caller can observe it. It must not block on the bus.
func (cl *call) onTerminal(err error) {
	cl.mu.Lock()
	cl.terminated = true
	cl.termErr = err
	chain, stopCtx := cl.chain, cl.stopCtx
	cl.mu.Unlock()

	cl.deadline.stop(err)
	if stopCtx != nil {
		stopCtx()
	}
	cl.c.unregister(cl.info.RequestID)

	if cl.published.Load() && !cl.closedByPeer.Load() {
		go cl.publishCancel(err)
	}

	if chain != nil {
		cl.complete(chain, err)
	}
}

// publishCancel tells the servers to stop working on the call.
func (cl *call) publishCancel(err error) {
	code, msg := wire.EncodeError(err)
	cancel := &wire.Cancel{
		RequestID: cl.info.RequestID,
		ClientID:  cl.c.ID,
		Code:      code,
		Error:     msg,
	}

	ctx, done := context.WithTimeout(context.Background(), cancelPublishTimeout)
	defer done()
	if perr := cl.c.bus.Publish(ctx, info.ServiceCancelChannel(cl.c.serviceName), cancel); perr != nil {
		logger.Error(perr, "failed to publish cancel", "requestID", cl.info.RequestID)
	}
}

func (cl *call) status(err error) psflight.CallStatus {
	return psflight.CallStatus{
		Code:    psflight.ErrorCodeOf(err),
		Elapsed: time.Since(cl.info.StartedAt),
		Results: cl.results.Sent(),
	}
}
