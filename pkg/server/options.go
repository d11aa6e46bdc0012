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
	"github.com/livekit/psflight"
)

func getServerOpts(opts ...psflight.ServerOption) psflight.ServerOpts {
	o := &psflight.ServerOpts{
		Timeout:     psflight.DefaultServerTimeout,
		ChannelSize: psflight.DefaultChannelSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Timeout <= 0 {
		o.Timeout = psflight.DefaultServerTimeout
	}
	if o.ChannelSize <= 0 {
		o.ChannelSize = psflight.DefaultChannelSize
	}
	return *o
}
