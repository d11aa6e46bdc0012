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

package info

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/livekit/psflight"
)

// ServiceDefinition is the set of actions a server exposes. It is built
// before the server starts and never changes afterwards.
type ServiceDefinition struct {
	Name string
	ID   string

	types    []psflight.ActionType
	handlers map[string]psflight.ActionHandler
}

func NewServiceDefinition(name, id string) *ServiceDefinition {
	return &ServiceDefinition{
		Name:     name,
		ID:       id,
		handlers: map[string]psflight.ActionHandler{},
	}
}

// RegisterAction adds an action. Action types must be unique.
func (s *ServiceDefinition) RegisterAction(t psflight.ActionType, h psflight.ActionHandler) error {
	if t.Type == "" {
		return psflight.NewErrorf(psflight.InvalidArgument, "action type is required")
	}
	if h == nil {
		return psflight.NewErrorf(psflight.InvalidArgument, "action %q has no handler", t.Type)
	}
	if _, ok := s.handlers[t.Type]; ok {
		return psflight.NewError(psflight.AlreadyExists, fmt.Errorf("action %q already registered", t.Type))
	}
	s.types = append(s.types, t)
	s.handlers[t.Type] = h
	return nil
}

func (s *ServiceDefinition) Handler(actionType string) (psflight.ActionHandler, bool) {
	h, ok := s.handlers[actionType]
	return h, ok
}

// ActionTypes returns the registered actions in registration order.
func (s *ServiceDefinition) ActionTypes() []psflight.ActionType {
	return slices.Clone(s.types)
}

// CallInfo describes a call of method on this service.
func (s *ServiceDefinition) CallInfo(method, actionType, requestID string, role psflight.CallRole) psflight.CallInfo {
	return psflight.CallInfo{
		Service:    s.Name,
		Method:     method,
		ActionType: actionType,
		RequestID:  requestID,
		Role:       role,
	}
}
