// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "strconv"

// Envelope renders a stored message into its delivery form. The body is
// embedded verbatim: producers publish JSON values and the envelope wraps
// them without re-encoding, so what was published is exactly what is
// delivered.
func Envelope(id int64, body string) string {
	var b []byte
	b = append(b, `{"id": `...)
	b = strconv.AppendInt(b, id, 10)
	b = append(b, `, "message": `...)
	b = append(b, body...)
	b = append(b, '}')
	return string(b)
}
