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
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/livekit/psflight"
)

type deadlineState int32

const (
	deadlineActive deadlineState = iota
	deadlineCompleted
	deadlineErrored
	deadlineTimedOut
	deadlineCancelled
)

func (s deadlineState) String() string {
	switch s {
	case deadlineActive:
		return "active"
	case deadlineCompleted:
		return "completed"
	case deadlineErrored:
		return "errored"
	case deadlineTimedOut:
		return "timed_out"
	case deadlineCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// deadline bounds a call. It is armed when the call is issued, before any
// middleware runs, and fires at most once.
type deadline struct {
	state atomic.Int32
	at    time.Time

	mu    sync.Mutex
	timer *time.Timer
}

func newDeadline(timeout time.Duration) *deadline {
	return &deadline{
		at: time.Now().Add(timeout),
	}
}

// arm calls onExpire when the deadline passes unless stop is called first.
func (d *deadline) arm(onExpire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() != deadlineActive {
		return
	}
	d.timer = time.AfterFunc(time.Until(d.at), func() {
		if d.state.CompareAndSwap(int32(deadlineActive), int32(deadlineTimedOut)) {
			onExpire()
		}
	})
}

// stop records how the call ended and disarms the timer. It has no effect
// once the deadline fired.
func (d *deadline) stop(err error) {
	next := deadlineCompleted
	switch {
	case err == nil:
	case errors.Is(err, psflight.DeadlineExceeded):
		next = deadlineTimedOut
	case errors.Is(err, psflight.Canceled):
		next = deadlineCancelled
	default:
		next = deadlineErrored
	}
	if !d.state.CompareAndSwap(int32(deadlineActive), int32(next)) {
		return
	}
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
}

func (d *deadline) State() deadlineState {
	return deadlineState(d.state.Load())
}

// Deadline returns the absolute expiry sent to the server.
func (d *deadline) Deadline() time.Time {
	return d.at
}
