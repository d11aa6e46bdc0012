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
	"io"
	"iter"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"

	"github.com/livekit/psflight/internal/logger"
)

type resultState int

const (
	resultsActive resultState = iota
	resultsCompleted
	resultsErrored
	resultsAborted
)

// ResultChannel delivers zero or more results followed by exactly one
// terminal signal. One side produces with Send, Complete and Fail; the
// other consumes with Recv and may give up with Close.
type ResultChannel struct {
	mu      sync.Mutex
	queue   *deque.Deque[*Result]
	state   resultState
	err     error
	visible bool
	sent    int
	wake    chan struct{}
	done    core.Fuse

	onTerminal func(err error)
}

func NewResultChannel() *ResultChannel {
	return &ResultChannel{
		queue: deque.New[*Result](),
		wake:  make(chan struct{}, 1),
	}
}

// OnTerminal registers fn to run once, after the terminal signal has been
// decided and before the consumer can observe it. err is nil on completion.
// It must be set before the channel is shared.
func (c *ResultChannel) OnTerminal(fn func(err error)) {
	c.mu.Lock()
	c.onTerminal = fn
	c.mu.Unlock()
}

// Send appends a result. It fails if the channel has already terminated:
// with the cancellation cause after Close or Abort, otherwise with
// ErrResultChannelClosed.
func (c *ResultChannel) Send(r *Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case resultsActive:
		c.queue.PushBack(r)
		c.sent++
		c.signal()
		return nil
	case resultsAborted:
		return c.err
	default:
		logger.Error(ErrResultChannelClosed, "result sent after terminal signal", "sent", c.sent)
		return ErrResultChannelClosed
	}
}

// Complete ends the channel successfully.
func (c *ResultChannel) Complete() error {
	return c.finishProducer(resultsCompleted, nil)
}

// Fail ends the channel with cause.
func (c *ResultChannel) Fail(cause error) error {
	if cause == nil {
		cause = NewErrorf(Internal, "result channel failed without a cause")
	}
	return c.finishProducer(resultsErrored, cause)
}

func (c *ResultChannel) finishProducer(state resultState, cause error) error {
	if c.terminate(state, cause) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == resultsAborted {
		return c.err
	}
	logger.Error(ErrResultChannelClosed, "result channel terminated twice")
	return ErrResultChannelClosed
}

// Finish terminates the channel with err, or completes it when err is nil,
// unless a terminal signal was already given. It reports whether this call
// decided the outcome.
func (c *ResultChannel) Finish(err error) bool {
	if err == nil {
		return c.terminate(resultsCompleted, nil)
	}
	return c.terminate(resultsErrored, err)
}

// Abort forces the channel to terminate with cause, discarding undelivered
// results. It is used for deadlines and cancellation and reports whether it
// won the race against the producer.
func (c *ResultChannel) Abort(cause error) bool {
	return c.terminate(resultsAborted, cause)
}

// Close gives up on the remaining results.
func (c *ResultChannel) Close() {
	c.Abort(ErrCallCanceled)
}

// Done is closed as soon as a terminal signal has been decided. Producers
// can watch it to stop early.
func (c *ResultChannel) Done() <-chan struct{} {
	return c.done.Watch()
}

// Err returns the terminal error, or nil while active or after completion.
func (c *ResultChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Sent returns the number of results accepted so far.
func (c *ResultChannel) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Recv blocks until the next result is available. It returns io.EOF once
// the channel completed and all results were consumed, or the terminal
// error.
func (c *ResultChannel) Recv() (*Result, error) {
	for {
		c.mu.Lock()
		if c.visible && c.state == resultsAborted {
			c.mu.Unlock()
			return nil, c.err
		}
		if c.queue.Len() > 0 {
			r := c.queue.PopFront()
			c.mu.Unlock()
			return r, nil
		}
		if c.visible {
			err := c.err
			c.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		c.mu.Unlock()

		<-c.wake
	}
}

// All ranges over the remaining results. Iteration stops after the first
// error, which is yielded with a nil result; completion ends the sequence
// without an error. The sequence can only be consumed once.
func (c *ResultChannel) All() iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		for {
			r, err := c.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				c.Close()
				return
			}
		}
	}
}

func (c *ResultChannel) terminate(state resultState, cause error) bool {
	c.mu.Lock()
	if c.state != resultsActive {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.err = cause
	if state == resultsAborted {
		c.queue.Clear()
	}
	hook := c.onTerminal
	c.mu.Unlock()

	c.done.Break()
	if hook != nil {
		hook(cause)
	}

	c.mu.Lock()
	c.visible = true
	c.signal()
	c.mu.Unlock()
	return true
}

func (c *ResultChannel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
