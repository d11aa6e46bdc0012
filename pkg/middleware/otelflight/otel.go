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

// Package otelflight propagates OpenTelemetry traces through call headers.
package otelflight

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/status"

	"github.com/livekit/psflight"
	"github.com/livekit/psflight/version"
)

const (
	StatusCodeKey = attribute.Key("rpc.psflight.status_code")
	ResultsKey    = attribute.Key("rpc.psflight.results")
)

// Key retrieves the tracing middleware of a call, for example to parent
// spans created by a handler.
var Key = psflight.NewMiddlewareKey[*Middleware]("otel")

type Config struct {
	TracerProvider    trace.TracerProvider
	TextMapPropagator propagation.TextMapPropagator
}

func (c *Config) defaults() {
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.TextMapPropagator == nil {
		c.TextMapPropagator = propagation.TraceContext{}
	}
}

func (c *Config) getTracer() trace.Tracer {
	return c.TracerProvider.Tracer(
		"github.com/livekit/psflight",
		trace.WithInstrumentationVersion(version.Version),
	)
}

func ClientOptions(c Config) []psflight.ClientOption {
	return []psflight.ClientOption{psflight.WithClientMiddleware(New(c))}
}

func ServerOptions(c Config) []psflight.ServerOption {
	return []psflight.ServerOption{psflight.WithServerMiddleware(New(c))}
}

// New creates the tracing middleware. On a client it starts a span when the
// call is issued and injects it into the request headers. On a server it
// continues the trace found in the request headers.
func New(c Config) psflight.RegisteredMiddleware {
	c.defaults()
	tracer := c.getTracer()
	return psflight.RegisterMiddleware(Key, func(ctx context.Context, info psflight.CallInfo) (*Middleware, error) {
		m := &Middleware{
			tracer:     tracer,
			propagator: c.TextMapPropagator,
			info:       info,
			ctx:        ctx,
		}
		if info.Role == psflight.ClientRole {
			m.start(ctx, "Sent.", trace.SpanKindClient)
		}
		return m, nil
	})
}

type Middleware struct {
	psflight.NoOpMiddleware
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	info       psflight.CallInfo

	mu   sync.Mutex
	ctx  context.Context
	span trace.Span
}

func (m *Middleware) start(ctx context.Context, prefix string, kind trace.SpanKind) {
	ctx, span := m.tracer.Start(ctx, prefix+m.info.Service+"."+m.info.Method,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			semconv.RPCSystemKey.String("psflight"),
			semconv.RPCService(m.info.Service),
			semconv.RPCMethod(m.info.Method),
		),
	)
	m.mu.Lock()
	m.ctx, m.span = ctx, span
	m.mu.Unlock()
}

func (m *Middleware) OnBeforeSendingHeaders(outgoing *psflight.CallHeaders) error {
	if m.info.Role != psflight.ClientRole {
		return nil
	}
	m.propagator.Inject(m.Context(), HeaderCarrier{outgoing})
	m.addEvent("Outbound message")
	return nil
}

func (m *Middleware) OnHeadersReceived(incoming *psflight.CallHeaders) error {
	if m.info.Role == psflight.ServerRole {
		ctx := m.propagator.Extract(m.Context(), HeaderCarrier{incoming})
		m.start(ctx, "Recv.", trace.SpanKindServer)
	}
	m.addEvent("Inbound message")
	return nil
}

func (m *Middleware) OnCallCompleted(s psflight.CallStatus) {
	if span := m.Span(); span != nil {
		span.SetAttributes(ResultsKey.Int(s.Results))
		setSpanError(span, nil)
		span.End()
	}
}

func (m *Middleware) OnCallErrored(err error) {
	if span := m.Span(); span != nil {
		setSpanError(span, err)
		span.End()
	}
}

// Context returns a context carrying the span of the call.
func (m *Middleware) Context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

func (m *Middleware) Span() trace.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.span
}

func (m *Middleware) addEvent(name string) {
	if span := m.Span(); span != nil {
		span.AddEvent(name)
	}
}

func setSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if e := psflight.Error(nil); errors.As(err, &e) {
		span.SetAttributes(StatusCodeKey.String(string(e.Code())))
	}
	if st, ok := status.FromError(err); ok {
		span.SetAttributes(semconv.RPCGRPCStatusCodeKey.Int(int(st.Code())))
	}
}
