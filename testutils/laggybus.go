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

package testutils

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"time"
)

// LatencyFunc returns the delivery delay for messages read from channel.
type LatencyFunc func(channel string) time.Duration

// WithLaggyBus delays every read by the latency of its channel. Messages are
// released in delivery-time order.
func WithLaggyBus(latency LatencyFunc) TestBusOption {
	return WithSubscribeInterceptor(func(ctx context.Context, channel string, next ReadHandler) ReadHandler {
		l := newLaggySubscribeInterceptor()
		go l.Copy(ctx, latency(channel), next)
		return l.Read
	})
}

// FixedLatency delays every channel by d.
func FixedLatency(d time.Duration) LatencyFunc {
	return func(string) time.Duration { return d }
}

type laggySubscribeInterceptor struct {
	mu sync.Mutex
	rh readResultHeap
	t  *time.Timer
}

func newLaggySubscribeInterceptor() *laggySubscribeInterceptor {
	return &laggySubscribeInterceptor{
		t: time.NewTimer(math.MaxInt64),
	}
}

func (l *laggySubscribeInterceptor) pushRead(r *readResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	heap.Push(&l.rh, r)
	if l.rh.Peek() == r && l.t.Stop() {
		l.t.Reset(time.Until(r.time))
	}
}

func (l *laggySubscribeInterceptor) popRead() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := heap.Pop(&l.rh).(*readResult)
	if l.rh.Len() > 0 {
		l.t.Reset(time.Until(l.rh.Peek().time))
	} else if r.ok {
		l.t.Reset(math.MaxInt64)
	}
	return r.body, r.ok
}

func (l *laggySubscribeInterceptor) Copy(ctx context.Context, latency time.Duration, read ReadHandler) {
	for ctx.Err() == nil {
		b, ok := read()
		if !ok {
			break
		}
		l.pushRead(&readResult{time.Now().Add(latency), b, true})
	}

	l.pushRead(&readResult{time: time.Now(), ok: false})
}

func (l *laggySubscribeInterceptor) Read() ([]byte, bool) {
	<-l.t.C
	return l.popRead()
}

type readResult struct {
	time time.Time
	body []byte
	ok   bool
}

type readResultHeap struct {
	v []*readResult
}

func (h *readResultHeap) Peek() *readResult  { return h.v[0] }
func (h *readResultHeap) Len() int           { return len(h.v) }
func (h *readResultHeap) Less(i, j int) bool { return h.v[i].time.Before(h.v[j].time) }
func (h *readResultHeap) Swap(i, j int)      { h.v[i], h.v[j] = h.v[j], h.v[i] }
func (h *readResultHeap) Push(r any)         { h.v = append(h.v, r.(*readResult)) }
func (h *readResultHeap) Pop() any {
	r := h.v[len(h.v)-1]
	h.v[len(h.v)-1] = nil
	h.v = h.v[:len(h.v)-1]
	return r
}
