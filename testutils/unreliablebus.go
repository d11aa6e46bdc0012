// Copyright 2023 LiveKit, Inc.
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
	"context"
	"math/rand/v2"
	"strings"

	"go.uber.org/atomic"
)

// AtomicFailureRate is the probability, between 0 and 1, that a read is dropped.
// It may be changed while the bus is in use.
type AtomicFailureRate struct {
	v *atomic.Float64
}

func NewAtomicFailureRate(v float64) AtomicFailureRate {
	return AtomicFailureRate{v: atomic.NewFloat64(v)}
}

func (r AtomicFailureRate) Rate() float64 {
	return r.v.Load()
}

func (r AtomicFailureRate) SetRate(v float64) {
	r.v.Store(v)
}

// ChannelMatcher selects the channels a test bus option applies to.
type ChannelMatcher func(channel string) bool

// AllChannels matches every channel.
func AllChannels(string) bool { return true }

// ChannelSuffix matches channels ending in suffix, e.g. "RES" for client
// response channels.
func ChannelSuffix(suffix string) ChannelMatcher {
	return func(channel string) bool { return strings.HasSuffix(channel, suffix) }
}

// WithUnreliableBus drops reads on every channel at the given rate.
func WithUnreliableBus(rate AtomicFailureRate) TestBusOption {
	return WithUnreliableChannels(rate, AllChannels)
}

// WithUnreliableChannels drops reads on matching channels at the given rate.
// Drops are drawn from a fixed seed so runs are repeatable.
func WithUnreliableChannels(rate AtomicFailureRate, match ChannelMatcher) TestBusOption {
	return WithSubscribeInterceptor(func(_ context.Context, channel string, next ReadHandler) ReadHandler {
		if !match(channel) {
			return next
		}

		rng := rand.New(rand.NewPCG(0, uint64(len(channel))))
		return func() ([]byte, bool) {
			for {
				b, ok := next()
				if !ok || rng.Float64() >= rate.Rate() {
					return b, ok
				}
			}
		}
	})
}
