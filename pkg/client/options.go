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
	"time"

	"github.com/livekit/psflight"
	"github.com/livekit/psflight/internal/rand"
)

func getClientOpts(opts ...psflight.ClientOption) psflight.ClientOpts {
	o := &psflight.ClientOpts{
		Timeout:     psflight.DefaultClientTimeout,
		ChannelSize: psflight.DefaultChannelSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.ID == "" {
		o.ID = rand.NewClientID()
	}
	if o.Timeout <= 0 {
		o.Timeout = psflight.DefaultClientTimeout
	}
	if o.ChannelSize <= 0 {
		o.ChannelSize = psflight.DefaultChannelSize
	}
	return *o
}

// getCallOpts resolves per-call options against the client defaults.
func getCallOpts(options psflight.ClientOpts, opts ...psflight.CallOption) (psflight.CallOpts, time.Duration) {
	o := psflight.ApplyCallOptions(opts...)
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = options.Timeout
	}
	return o, timeout
}
