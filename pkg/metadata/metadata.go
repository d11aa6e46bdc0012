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

package metadata

import (
	"context"

	"github.com/livekit/psflight"
)

type ctxMD struct {
	headers *psflight.CallHeaders
	added   [][]string
}

type metadataKey struct{}

// NewOutgoingContext attaches a copy of h to ctx. Calls issued with the
// returned context send h ahead of any headers set through call options.
func NewOutgoingContext(ctx context.Context, h *psflight.CallHeaders) context.Context {
	return context.WithValue(ctx, metadataKey{}, ctxMD{headers: h.Clone()})
}

// AppendToOutgoingContext adds text key/value pairs to the outgoing
// headers of ctx. kv must have an even length.
func AppendToOutgoingContext(ctx context.Context, kv ...string) context.Context {
	if len(kv)%2 == 1 {
		panic("metadata: AppendToOutgoingContext got an odd number of input pairs")
	}
	md, _ := ctx.Value(metadataKey{}).(ctxMD)
	added := make([][]string, len(md.added)+1)
	copy(added, md.added)
	added[len(added)-1] = make([]string, len(kv))
	copy(added[len(added)-1], kv)
	return context.WithValue(ctx, metadataKey{}, ctxMD{md.headers, added})
}

// OutgoingHeaders returns the headers attached to ctx, or an empty set.
func OutgoingHeaders(ctx context.Context) (*psflight.CallHeaders, error) {
	md, _ := ctx.Value(metadataKey{}).(ctxMD)
	h := md.headers.Clone()
	for _, a := range md.added {
		for i := 1; i < len(a); i += 2 {
			if err := h.Insert(a[i-1], a[i]); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

// IncomingHeaders returns the headers received by the call serving ctx.
func IncomingHeaders(ctx context.Context) *psflight.CallHeaders {
	cc, ok := psflight.CallContextFromContext(ctx)
	if !ok {
		return psflight.NewCallHeaders()
	}
	return cc.Headers()
}
