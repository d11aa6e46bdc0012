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
	"iter"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/grpc/metadata"
)

// BinaryHeaderSuffix marks header keys whose values are opaque bytes.
const BinaryHeaderSuffix = "-bin"

type headerValue struct {
	text string
	bin  []byte
}

// CallHeaders is an ordered multi-map of call metadata. Keys ending in
// BinaryHeaderSuffix carry binary values, all other keys carry text.
// The zero value is ready to use. CallHeaders is not safe for concurrent use.
type CallHeaders struct {
	keys   []string
	values map[string][]headerValue
}

func NewCallHeaders() *CallHeaders {
	return &CallHeaders{}
}

// IsBinaryHeader reports whether key must carry binary values.
func IsBinaryHeader(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), BinaryHeaderSuffix)
}

// Insert appends a text value under key.
func (h *CallHeaders) Insert(key, value string) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if IsBinaryHeader(k) {
		return NewErrorf(InvalidKeyFormat, "header %q requires a binary value", k)
	}
	h.add(k, headerValue{text: value})
	return nil
}

// InsertBinary appends a copy of value under key.
func (h *CallHeaders) InsertBinary(key string, value []byte) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if !IsBinaryHeader(k) {
		return NewErrorf(InvalidKeyFormat, "binary header %q must end in %q", k, BinaryHeaderSuffix)
	}
	h.add(k, headerValue{bin: slices.Clone(value)})
	return nil
}

func (h *CallHeaders) add(key string, v headerValue) {
	if h.values == nil {
		h.values = make(map[string][]headerValue)
	}
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = append(h.values[key], v)
}

// Get returns the most recently inserted text value for key.
func (h *CallHeaders) Get(key string) (string, bool) {
	key = strings.ToLower(key)
	if h == nil || IsBinaryHeader(key) {
		return "", false
	}
	vs := h.values[key]
	if len(vs) == 0 {
		return "", false
	}
	return vs[len(vs)-1].text, true
}

// GetBinary returns the most recently inserted binary value for key.
func (h *CallHeaders) GetBinary(key string) ([]byte, bool) {
	key = strings.ToLower(key)
	if h == nil || !IsBinaryHeader(key) {
		return nil, false
	}
	vs := h.values[key]
	if len(vs) == 0 {
		return nil, false
	}
	return vs[len(vs)-1].bin, true
}

// Values returns every text value for key in insertion order.
func (h *CallHeaders) Values(key string) []string {
	key = strings.ToLower(key)
	if h == nil || IsBinaryHeader(key) {
		return nil
	}
	vs := h.values[key]
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.text)
	}
	return out
}

// BinaryValues returns every binary value for key in insertion order.
func (h *CallHeaders) BinaryValues(key string) [][]byte {
	key = strings.ToLower(key)
	if h == nil || !IsBinaryHeader(key) {
		return nil
	}
	vs := h.values[key]
	out := make([][]byte, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.bin)
	}
	return out
}

func (h *CallHeaders) ContainsKey(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h.values[strings.ToLower(key)]
	return ok
}

// Keys yields each distinct key once, in first-insertion order. The
// sequence may be ranged over any number of times.
func (h *CallHeaders) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		if h == nil {
			return
		}
		for _, k := range h.keys {
			if !yield(k) {
				return
			}
		}
	}
}

// Len returns the number of distinct keys.
func (h *CallHeaders) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Remove deletes every value stored under key.
func (h *CallHeaders) Remove(key string) {
	key = strings.ToLower(key)
	if h == nil {
		return
	}
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	h.keys = slices.DeleteFunc(h.keys, func(k string) bool { return k == key })
}

func (h *CallHeaders) Clone() *CallHeaders {
	c := &CallHeaders{}
	c.Merge(h)
	return c
}

// Merge appends every value of o to h. Values under keys present in both
// are concatenated, never overwritten.
func (h *CallHeaders) Merge(o *CallHeaders) {
	if o == nil {
		return
	}
	for _, k := range o.keys {
		for _, v := range o.values[k] {
			h.add(k, headerValue{text: v.text, bin: slices.Clone(v.bin)})
		}
	}
}

// Validate checks that every text value can be carried by the transport.
// Text values are limited to printable ASCII; anything else must be sent
// under a binary key.
func (h *CallHeaders) Validate() error {
	if h == nil {
		return nil
	}
	for _, k := range h.keys {
		if IsBinaryHeader(k) {
			continue
		}
		for _, v := range h.values[k] {
			for i := 0; i < len(v.text); i++ {
				if c := v.text[i]; c < 0x20 || c > 0x7e {
					return NewErrorf(InvalidHeaderValue,
						"header %q contains illegal character %#x, use a %q key for binary data", k, c, BinaryHeaderSuffix)
				}
			}
		}
	}
	return nil
}

// MD converts the headers to grpc metadata. Binary values are stored raw.
func (h *CallHeaders) MD() metadata.MD {
	md := metadata.MD{}
	if h == nil {
		return md
	}
	for _, k := range h.keys {
		for _, v := range h.values[k] {
			if IsBinaryHeader(k) {
				md[k] = append(md[k], string(v.bin))
			} else {
				md[k] = append(md[k], v.text)
			}
		}
	}
	return md
}

// HeadersFromMD converts grpc metadata into CallHeaders. Keys are taken in
// lexical order since metadata.MD is unordered.
func HeadersFromMD(md metadata.MD) (*CallHeaders, error) {
	h := &CallHeaders{}
	keys := maps.Keys(md)
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range md[k] {
			var err error
			if IsBinaryHeader(k) {
				err = h.InsertBinary(k, []byte(v))
			} else {
				err = h.Insert(k, v)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

func normalizeKey(key string) (string, error) {
	if key == "" {
		return "", NewErrorf(InvalidKeyFormat, "empty header key")
	}
	k := strings.ToLower(key)
	for i := 0; i < len(k); i++ {
		c := k[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
			return "", NewErrorf(InvalidKeyFormat, "header key %q contains illegal character %q", key, c)
		}
	}
	return k, nil
}
