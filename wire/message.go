// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"sort"
	"strings"
)

// Kind tags the two message variants.
type Kind uint8

const (
	// Text is a message whose body is a UTF-8 string.
	Text Kind = iota + 1
	// Binary is a message whose body is raw bytes.
	Binary
)

// Message is a client payload: a set of string headers and a body. It is a
// tagged union over the text and binary variants; exactly one of Body and
// Data is meaningful, selected by Kind. Both variants share the same header
// encoding: "k=v&k2=v2", separated from the body by a single '\n'.
type Message struct {
	Kind    Kind
	Headers map[string]string

	// Body holds the payload of a Text message.
	Body string
	// Data holds the payload of a Binary message.
	Data []byte
}

// ParseText parses a text frame into headers and body. A frame without a
// newline is all headers and carries no body.
func ParseText(payload string) Message {
	headerStr, body, hasBody := strings.Cut(payload, "\n")
	m := Message{
		Kind:    Text,
		Headers: ParseHeaders(headerStr),
	}
	if hasBody {
		m.Body = body
	}
	return m
}

// ParseBinary parses a binary frame. The header block is ASCII up to the
// first '\n'; everything after it is the raw body. A frame without a
// newline is all headers.
func ParseBinary(payload []byte) Message {
	m := Message{Kind: Binary}
	if i := bytes.IndexByte(payload, '\n'); i >= 0 {
		m.Headers = ParseHeaders(string(payload[:i]))
		m.Data = payload[i+1:]
	} else {
		m.Headers = ParseHeaders(string(payload))
	}
	return m
}

// Frame serializes a text message back into its wire form.
func (m Message) Frame() string {
	hs := SerializeHeaders(m.Headers)
	if m.Kind == Binary {
		return hs + "\n" + string(m.Data)
	}
	return hs + "\n" + m.Body
}

// FrameBytes serializes a binary message back into its wire form.
func (m Message) FrameBytes() []byte {
	hs := SerializeHeaders(m.Headers)
	out := make([]byte, 0, len(hs)+1+len(m.Data))
	out = append(out, hs...)
	out = append(out, '\n')
	if m.Kind == Binary {
		return append(out, m.Data...)
	}
	return append(out, m.Body...)
}

// Header returns a single header value, or "" when absent.
func (m Message) Header(key string) string {
	return m.Headers[key]
}

// ParseHeaders decodes a "k=v&k2=v2" header block. An empty block yields an
// empty map.
func ParseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	if headerStr == "" {
		return headers
	}
	for _, pair := range strings.Split(headerStr, "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers
}

// SerializeHeaders encodes headers as "k=v&k2=v2" with keys sorted, so the
// encoding is deterministic.
func SerializeHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(headers[k])
	}
	return b.String()
}
