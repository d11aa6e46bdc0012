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
	"errors"
	"strings"

	"github.com/livekit/psflight"
)

const (
	AuthorizationHeader = "authorization"
	bearerPrefix        = "Bearer "
)

var AuthKey = psflight.NewMiddlewareKey[*BearerAuth]("auth")

// TokenValidator checks a bearer token and returns the identity it grants.
type TokenValidator func(ctx context.Context, token string) (string, error)

// BearerAuth rejects calls without a valid bearer token. Handlers can read
// the authenticated identity with Identity.
type BearerAuth struct {
	psflight.NoOpMiddleware
	ctx      context.Context
	validate TokenValidator
	identity string
}

func WithBearerAuth(validate TokenValidator) psflight.ServerOption {
	return psflight.WithServerMiddleware(NewBearerAuth(validate))
}

func NewBearerAuth(validate TokenValidator) psflight.RegisteredMiddleware {
	return psflight.RegisterMiddleware(AuthKey, func(ctx context.Context, _ psflight.CallInfo) (*BearerAuth, error) {
		return &BearerAuth{ctx: ctx, validate: validate}, nil
	})
}

func (m *BearerAuth) OnHeadersReceived(incoming *psflight.CallHeaders) error {
	v, ok := incoming.Get(AuthorizationHeader)
	if !ok {
		return psflight.NewErrorf(psflight.Unauthenticated, "missing %s header", AuthorizationHeader)
	}
	token, ok := strings.CutPrefix(v, bearerPrefix)
	if !ok || token == "" {
		return psflight.NewErrorf(psflight.Unauthenticated, "malformed %s header", AuthorizationHeader)
	}

	identity, err := m.validate(m.ctx, token)
	if err != nil {
		var e psflight.Error
		if errors.As(err, &e) {
			return err
		}
		return psflight.NewError(psflight.Unauthenticated, err)
	}
	m.identity = identity
	return nil
}

func (m *BearerAuth) Identity() string {
	return m.identity
}

// WithBearerToken sends token on every call made by the client.
func WithBearerToken(token string) psflight.ClientOption {
	h := psflight.NewCallHeaders()
	_ = h.Insert(AuthorizationHeader, bearerPrefix+token)
	return psflight.WithClientMiddleware(StaticHeaders("bearer-token", h))
}
