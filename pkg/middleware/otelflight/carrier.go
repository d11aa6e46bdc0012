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

package otelflight

import (
	"slices"

	"github.com/livekit/psflight"
)

// HeaderCarrier adapts CallHeaders to propagation.TextMapCarrier. Binary
// headers are invisible to propagators.
type HeaderCarrier struct {
	Headers *psflight.CallHeaders
}

func (c HeaderCarrier) Get(key string) string {
	v, _ := c.Headers.Get(key)
	return v
}

// Set replaces every value of key. Keys the headers cannot carry are dropped.
func (c HeaderCarrier) Set(key, value string) {
	c.Headers.Remove(key)
	_ = c.Headers.Insert(key, value)
}

func (c HeaderCarrier) Keys() []string {
	return slices.Collect(c.Headers.Keys())
}
