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

package psflight

import (
	"time"
)

// Methods understood by the server.
const (
	MethodDoAction    = "DoAction"
	MethodListActions = "ListActions"
)

// Action is an opaque request for the server to perform a named operation.
type Action struct {
	Type string
	Body []byte
}

// ActionType describes an action a server can perform.
type ActionType struct {
	Type        string
	Description string
}

// Result is one opaque response produced by an action.
type Result struct {
	Body []byte
}

type CallRole int

const (
	_ CallRole = iota
	ClientRole
	ServerRole
)

func (r CallRole) String() string {
	switch r {
	case ClientRole:
		return "client"
	case ServerRole:
		return "server"
	default:
		return "invalid"
	}
}

// CallInfo identifies a single call.
type CallInfo struct {
	Service    string
	Method     string
	ActionType string
	RequestID  string
	Role       CallRole
	StartedAt  time.Time
}

// CallStatus is the outcome reported to middleware when a call ends.
type CallStatus struct {
	Code    ErrorCode
	Elapsed time.Duration
	Results int
}

// ActionHandler services a DoAction call. Results are pushed to out. A nil
// return completes out if the handler has not already terminated it; an
// error fails it.
type ActionHandler func(cc *CallContext, action *Action, out *ResultChannel) error
