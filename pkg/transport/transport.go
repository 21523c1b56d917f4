// SPDX-License-Identifier: Apache-2.0

// Package transport wraps the underlying network library (gorilla's
// WebSocket implementation, or a one-shot HTTP POST) behind a single
// Adapter interface exposing message/close/error events, so the
// ClientCoordinator and ServerDispatcher never speak to net/http or
// gorilla/websocket directly.
package transport

import "errors"

var ErrClosed = errors.New("transport: closed")

// Close codes of interest, named per the wire protocol rather than
// gorilla's generic constants.
const (
	CloseAbnormal          = 1006 // abnormal closure, client should reconnect
	CloseServerShuttingOff = 1000 // server-initiated graceful restart, client should reconnect
	CloseGoingAway         = 1001 // terminal, client should not reconnect
)

// EventKind discriminates an Event delivered on an Adapter's channel.
type EventKind int

const (
	EventMessage EventKind = iota
	EventClose
	EventError
)

// Event is one occurrence on an Adapter's event stream.
type Event struct {
	Kind EventKind
	Data []byte // set for EventMessage
	Code int    // set for EventClose
	Err  error  // set for EventError
}

// Adapter is a thin, transport-agnostic connection: send bytes, close
// with a code, and observe inbound messages/closure/errors as events.
type Adapter interface {
	Send(data []byte) error
	Close(code int) error
	Events() <-chan Event
}
