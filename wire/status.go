// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the text protocol spoken between the broker and its
// clients: command and status literals, the delivery envelope, and the
// header/body message representation.
package wire

import "strings"

// Status is a server-to-client protocol literal. Statuses are prefixed with
// ':' so they can never collide with a delivered envelope, which always
// starts with '{'.
type Status string

const (
	// StatusOK acknowledges an accepted publish.
	StatusOK Status = ":OK"

	// StatusBusy rejects a publish sent while a prior publish on the same
	// connection is still unacknowledged.
	StatusBusy Status = ":BUSY"

	// StatusTimeout reports that no message became available within the
	// group's timeout, or that the writer buffer stayed full past the
	// write timeout.
	StatusTimeout Status = ":TIMEOUT"

	// StatusError reports an I/O or internal failure on the request path.
	StatusError Status = ":ERROR"

	// StatusMesgDrop tells a topic subscriber it missed a message batch.
	StatusMesgDrop Status = ":MESG_DROP"

	// StatusClose notifies blocking client-side callers of an orderly
	// disconnect.
	StatusClose Status = ":CLOSE"
)

// String returns the literal sent on the wire.
func (s Status) String() string {
	return string(s)
}

// IsStatus reports whether a received frame is a status literal rather than
// a payload.
func IsStatus(frame string) bool {
	return strings.HasPrefix(frame, ":")
}

// Command is a client-to-server protocol literal, prefixed with '#'.
type Command string

const (
	// CommandGet requests the next message from a consumer group.
	CommandGet Command = "#GET"

	// CommandReconnect and CommandPing are reserved for session management
	// and keepalive; they are not part of the delivery logic.
	CommandReconnect Command = "#RECONNECT"
	CommandPing      Command = "#PING"
)

// String returns the literal sent on the wire.
func (c Command) String() string {
	return string(c)
}
