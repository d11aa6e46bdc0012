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

// Package testutils wraps message buses to observe, delay or drop traffic
// in tests.
package testutils

import (
	"github.com/livekit/psflight/internal/bus"
	"github.com/livekit/psflight/pkg/msgbus"
)

type PublishInterceptor = bus.PublishInterceptor
type SubscribeInterceptor = bus.SubscribeInterceptor

type PublishHandler = bus.PublishHandler
type ReadHandler = bus.ReadHandler

type TestBusOption = bus.TestBusOption

func WithPublishInterceptor(interceptor PublishInterceptor) TestBusOption {
	return bus.WithPublishInterceptor(interceptor)
}

func WithSubscribeInterceptor(interceptor SubscribeInterceptor) TestBusOption {
	return bus.WithSubscribeInterceptor(interceptor)
}

func WithBusOptions(opts ...TestBusOption) TestBusOption {
	return func(o *bus.TestBusOpts) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

func NewTestBus(next msgbus.MessageBus, opts ...TestBusOption) msgbus.MessageBus {
	return bus.NewTestBus(next, opts...)
}
