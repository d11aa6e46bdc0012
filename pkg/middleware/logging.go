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

	"github.com/go-logr/logr"

	"github.com/livekit/psflight"
)

var loggingKey = psflight.NewMiddlewareKey[*loggingMiddleware]("logging")

func WithClientLogging(l logr.Logger) psflight.ClientOption {
	return psflight.WithClientMiddleware(NewLogging(l))
}

func WithServerLogging(l logr.Logger) psflight.ServerOption {
	return psflight.WithServerMiddleware(NewLogging(l))
}

// NewLogging logs the outcome of every call. Successful calls are logged at
// debug verbosity.
func NewLogging(l logr.Logger) psflight.RegisteredMiddleware {
	return psflight.RegisterMiddleware(loggingKey, func(_ context.Context, info psflight.CallInfo) (*loggingMiddleware, error) {
		return &loggingMiddleware{
			logger: l.WithValues(
				"service", info.Service,
				"method", info.Method,
				"action", info.ActionType,
				"requestID", info.RequestID,
				"role", info.Role,
			),
			start: time.Now(),
		}, nil
	})
}

type loggingMiddleware struct {
	psflight.NoOpMiddleware
	logger logr.Logger
	start  time.Time
}

func (m *loggingMiddleware) OnHeadersReceived(incoming *psflight.CallHeaders) error {
	m.logger.V(2).Info("headers received", "count", incoming.Len())
	return nil
}

func (m *loggingMiddleware) OnCallCompleted(status psflight.CallStatus) {
	m.logger.V(1).Info("call completed", "results", status.Results, "elapsed", status.Elapsed)
}

func (m *loggingMiddleware) OnCallErrored(err error) {
	code := psflight.ErrorCodeOf(err)
	switch code {
	case psflight.Canceled, psflight.DeadlineExceeded:
		m.logger.Info("call ended early", "code", code, "elapsed", time.Since(m.start), "reason", err.Error())
	default:
		m.logger.Error(err, "call failed", "code", code, "elapsed", time.Since(m.start))
	}
}
