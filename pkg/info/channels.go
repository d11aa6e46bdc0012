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
	"strings"
)

// ServiceRequestChannel carries requests to the servers of a service. It is
// consumed as a queue so each request reaches one server.
func ServiceRequestChannel(service string) string {
	return formatChannel("SRV", service, "REQ")
}

// ServiceCancelChannel carries cancellations to every server of a service.
func ServiceCancelChannel(service string) string {
	return formatChannel("SRV", service, "CNL")
}

// ClientResponseChannel carries frames back to a single client.
func ClientResponseChannel(service, clientID string) string {
	return formatChannel("CLI", service, clientID, "RES")
}

// formatChannel joins the sanitized parts with '.', skipping parts that
// sanitize to nothing.
func formatChannel(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		writeChannelPart(&b, p)
	}
	return b.String()
}

// writeChannelPart keeps [0-9A-Za-z_] and escapes every other rune as u+XXXX,
// or U+XXXXXXXX outside the basic plane, so brokers never see wildcards or
// delimiters.
func writeChannelPart(b *strings.Builder, s string) {
	for _, r := range s {
		switch {
		case r == '_', '0' <= r && r <= '9', 'A' <= r && r <= 'Z', 'a' <= r && r <= 'z':
			b.WriteRune(r)
		case r < 0x10000:
			fmt.Fprintf(b, "u+%04x", r)
		default:
			fmt.Fprintf(b, "U+%08x", r)
		}
	}
}
