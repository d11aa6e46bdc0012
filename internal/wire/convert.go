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
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/livekit/psflight"
)

// EncodeHeaders flattens h in key order, keeping every value.
func EncodeHeaders(h *psflight.CallHeaders) []Header {
	var out []Header
	for k := range h.Keys() {
		if psflight.IsBinaryHeader(k) {
			for _, v := range h.BinaryValues(k) {
				out = append(out, Header{Key: k, Binary: v})
			}
		} else {
			for _, v := range h.Values(k) {
				out = append(out, Header{Key: k, Text: v})
			}
		}
	}
	return out
}

// DecodeHeaders rebuilds CallHeaders, rejecting keys that break the
// text/binary convention.
func DecodeHeaders(hs []Header) (*psflight.CallHeaders, error) {
	h := psflight.NewCallHeaders()
	for _, kv := range hs {
		var err error
		if psflight.IsBinaryHeader(kv.Key) {
			err = h.InsertBinary(kv.Key, kv.Binary)
		} else {
			err = h.Insert(kv.Key, kv.Text)
		}
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}

// EncodeError splits err into the code and message carried by close and
// cancel frames. Uncoded errors are reported as Unknown.
func EncodeError(err error) (code, msg string) {
	if err == nil {
		return "", ""
	}
	return string(psflight.ErrorCodeOf(err)), err.Error()
}

const (
	actionTypeType        protowire.Number = 1
	actionTypeDescription protowire.Number = 2
)

// MarshalActionType encodes an ActionType for use as a result body.
func MarshalActionType(t psflight.ActionType) []byte {
	var b []byte
	b = appendString(b, actionTypeType, t.Type)
	b = appendString(b, actionTypeDescription, t.Description)
	return b
}

func UnmarshalActionType(b []byte) (psflight.ActionType, error) {
	var t psflight.ActionType
	err := consumeFields(b, func(num protowire.Number, v []byte, _ uint64) error {
		switch num {
		case actionTypeType:
			t.Type = string(v)
		case actionTypeDescription:
			t.Description = string(v)
		}
		return nil
	})
	return t, err
}
