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

package wire

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/livekit/psflight"
)

// Header is a single key/value pair. Binary keys use Binary, all others Text.
type Header struct {
	Key    string
	Text   string
	Binary []byte
}

const (
	headerKey    protowire.Number = 1
	headerText   protowire.Number = 2
	headerBinary protowire.Number = 3
)

func (h *Header) append(b []byte) []byte {
	b = appendString(b, headerKey, h.Key)
	if psflight.IsBinaryHeader(h.Key) {
		// written even when empty so the value is present after decoding
		b = appendMessage(b, headerBinary, h.Binary)
	} else {
		b = appendString(b, headerText, h.Text)
	}
	return b
}

func decodeHeader(b []byte) (Header, error) {
	var h Header
	err := consumeFields(b, func(num protowire.Number, v []byte, _ uint64) error {
		switch num {
		case headerKey:
			h.Key = string(v)
		case headerText:
			h.Text = string(v)
		case headerBinary:
			h.Binary = cloneBytes(v)
		}
		return nil
	})
	return h, err
}

// Request starts a call on a server.
type Request struct {
	RequestID  string
	ClientID   string
	Method     string
	ActionType string
	Body       []byte
	SentAt     int64
	Expiry     int64
	Headers    []Header
}

const (
	requestID         protowire.Number = 1
	requestClientID   protowire.Number = 2
	requestMethod     protowire.Number = 3
	requestActionType protowire.Number = 4
	requestBody       protowire.Number = 5
	requestSentAt     protowire.Number = 6
	requestExpiry     protowire.Number = 7
	requestHeaders    protowire.Number = 8
)

func (*Request) Kind() Kind { return KindRequest }

func (r *Request) appendFields(b []byte) []byte {
	b = appendString(b, requestID, r.RequestID)
	b = appendString(b, requestClientID, r.ClientID)
	b = appendString(b, requestMethod, r.Method)
	b = appendString(b, requestActionType, r.ActionType)
	b = appendBytes(b, requestBody, r.Body)
	b = appendVarint(b, requestSentAt, uint64(r.SentAt))
	b = appendVarint(b, requestExpiry, uint64(r.Expiry))
	for i := range r.Headers {
		b = appendMessage(b, requestHeaders, r.Headers[i].append(nil))
	}
	return b
}

func (r *Request) unmarshalField(num protowire.Number, v []byte, x uint64) error {
	switch num {
	case requestID:
		r.RequestID = string(v)
	case requestClientID:
		r.ClientID = string(v)
	case requestMethod:
		r.Method = string(v)
	case requestActionType:
		r.ActionType = string(v)
	case requestBody:
		r.Body = cloneBytes(v)
	case requestSentAt:
		r.SentAt = int64(x)
	case requestExpiry:
		r.Expiry = int64(x)
	case requestHeaders:
		h, err := decodeHeader(v)
		if err != nil {
			return err
		}
		r.Headers = append(r.Headers, h)
	}
	return nil
}

// Deadline returns the absolute expiry of the request, if it has one.
func (r *Request) Deadline() (time.Time, bool) {
	if r.Expiry == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, r.Expiry), true
}

type FrameKind uint64

const (
	// FrameHeaders carries the response headers and precedes any result.
	FrameHeaders FrameKind = iota + 1
	FrameResult
	// FrameClose ends the call. A non empty Code marks a failure.
	FrameClose
)

// Frame is sent from the server to the client for a single request.
type Frame struct {
	RequestID string
	ServerID  string
	SentAt    int64
	Type      FrameKind
	Headers   []Header
	Body      []byte
	Code      string
	Error     string
}

const (
	frameRequestID protowire.Number = 1
	frameServerID  protowire.Number = 2
	frameSentAt    protowire.Number = 3
	frameType      protowire.Number = 4
	frameHeaders   protowire.Number = 5
	frameBody      protowire.Number = 6
	frameCode      protowire.Number = 7
	frameError     protowire.Number = 8
)

func (*Frame) Kind() Kind { return KindFrame }

func (f *Frame) appendFields(b []byte) []byte {
	b = appendString(b, frameRequestID, f.RequestID)
	b = appendString(b, frameServerID, f.ServerID)
	b = appendVarint(b, frameSentAt, uint64(f.SentAt))
	b = appendVarint(b, frameType, uint64(f.Type))
	for i := range f.Headers {
		b = appendMessage(b, frameHeaders, f.Headers[i].append(nil))
	}
	b = appendBytes(b, frameBody, f.Body)
	b = appendString(b, frameCode, f.Code)
	b = appendString(b, frameError, f.Error)
	return b
}

func (f *Frame) unmarshalField(num protowire.Number, v []byte, x uint64) error {
	switch num {
	case frameRequestID:
		f.RequestID = string(v)
	case frameServerID:
		f.ServerID = string(v)
	case frameSentAt:
		f.SentAt = int64(x)
	case frameType:
		f.Type = FrameKind(x)
	case frameHeaders:
		h, err := decodeHeader(v)
		if err != nil {
			return err
		}
		f.Headers = append(f.Headers, h)
	case frameBody:
		f.Body = cloneBytes(v)
	case frameCode:
		f.Code = string(v)
	case frameError:
		f.Error = string(v)
	}
	return nil
}

// Err returns the error carried by a close frame, or nil.
func (f *Frame) Err() error {
	if f.Code == "" && f.Error == "" {
		return nil
	}
	return psflight.NewErrorFromResponse(f.Code, f.Error)
}

// Cancel tells the server to stop working on a request.
type Cancel struct {
	RequestID string
	ClientID  string
	Code      string
	Error     string
}

const (
	cancelRequestID protowire.Number = 1
	cancelClientID  protowire.Number = 2
	cancelCode      protowire.Number = 3
	cancelError     protowire.Number = 4
)

func (*Cancel) Kind() Kind { return KindCancel }

func (c *Cancel) appendFields(b []byte) []byte {
	b = appendString(b, cancelRequestID, c.RequestID)
	b = appendString(b, cancelClientID, c.ClientID)
	b = appendString(b, cancelCode, c.Code)
	b = appendString(b, cancelError, c.Error)
	return b
}

func (c *Cancel) unmarshalField(num protowire.Number, v []byte, _ uint64) error {
	switch num {
	case cancelRequestID:
		c.RequestID = string(v)
	case cancelClientID:
		c.ClientID = string(v)
	case cancelCode:
		c.Code = string(v)
	case cancelError:
		c.Error = string(v)
	}
	return nil
}

// Err returns the reason for the cancellation.
func (c *Cancel) Err() error {
	return psflight.NewErrorFromResponse(c.Code, c.Error)
}
