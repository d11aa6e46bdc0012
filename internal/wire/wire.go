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

// Package wire encodes the messages exchanged over the bus using the
// protobuf wire format.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrUnknownKind = errors.New("unknown message kind")

type Kind uint64

const (
	KindRequest Kind = iota + 1
	KindFrame
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindFrame:
		return "frame"
	case KindCancel:
		return "cancel"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// Message is implemented by Request, Frame and Cancel.
type Message interface {
	Kind() Kind
	appendFields(b []byte) []byte
	unmarshalField(num protowire.Number, v []byte, x uint64) error
}

const (
	envelopeKind protowire.Number = 1
	envelopeBody protowire.Number = 2
)

// Marshal encodes msg inside an envelope that records its kind.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	body := msg.appendFields(nil)

	b := make([]byte, 0, len(body)+16)
	b = appendVarint(b, envelopeKind, uint64(msg.Kind()))
	b = appendBytes(b, envelopeBody, body)
	return b, nil
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(b []byte) (Message, error) {
	var kind Kind
	var body []byte
	err := consumeFields(b, func(num protowire.Number, v []byte, x uint64) error {
		switch num {
		case envelopeKind:
			kind = Kind(x)
		case envelopeBody:
			body = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var msg Message
	switch kind {
	case KindRequest:
		msg = &Request{}
	case KindFrame:
		msg = &Frame{}
	case KindCancel:
		msg = &Cancel{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	if err := consumeFields(body, msg.unmarshalField); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	return msg, nil
}

// consumeFields calls field for every varint and length delimited field of
// b. Fields of other wire types are skipped. Byte slices passed to field
// alias b.
func consumeFields(b []byte, field func(num protowire.Number, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := field(num, v, x); err != nil {
			return err
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, x uint64) []byte {
	if x == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, x)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendMessage always writes the field so empty nested messages survive.
func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func cloneBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	return append([]byte{}, v...)
}
