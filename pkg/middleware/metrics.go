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

package middleware

import (
	"context"
	"time"

	"github.com/livekit/psflight"
)

var metricsKey = psflight.NewMiddlewareKey[*metricsMiddleware]("metrics")

// MetricsObserver receives one event when a call starts and one when it
// ends. err is nil for successful calls.
type MetricsObserver interface {
	OnCallStarted(info psflight.CallInfo)
	OnCallFinished(info psflight.CallInfo, duration time.Duration, results int, err error)
}

func WithClientMetrics(observer MetricsObserver) psflight.ClientOption {
	return psflight.WithClientMiddleware(NewMetrics(observer))
}

func WithServerMetrics(observer MetricsObserver) psflight.ServerOption {
	return psflight.WithServerMiddleware(NewMetrics(observer))
}

// NewMetrics reports every call to observer.
func NewMetrics(observer MetricsObserver) psflight.RegisteredMiddleware {
	return psflight.RegisterMiddleware(metricsKey, func(_ context.Context, info psflight.CallInfo) (*metricsMiddleware, error) {
		observer.OnCallStarted(info)
		return &metricsMiddleware{
			observer: observer,
			info:     info,
			start:    time.Now(),
		}, nil
	})
}

type metricsMiddleware struct {
	psflight.NoOpMiddleware
	observer MetricsObserver
	info     psflight.CallInfo
	start    time.Time
}

func (m *metricsMiddleware) OnCallCompleted(status psflight.CallStatus) {
	m.observer.OnCallFinished(m.info, time.Since(m.start), status.Results, nil)
}

func (m *metricsMiddleware) OnCallErrored(err error) {
	m.observer.OnCallFinished(m.info, time.Since(m.start), 0, err)
}
