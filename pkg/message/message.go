// SPDX-License-Identifier: Apache-2.0

// Package message encodes and decodes the tagged-union wire frames
// exchanged between a ClientCoordinator and a ServerDispatcher: REQUEST,
// OK, ERR, and PUSH.
package message

import (
	"encoding/json"
	"errors"
)

var ErrBadFrame = errors.New("message: malformed frame")

// Kind discriminates the decoded form of a frame.
type Kind int

const (
	KindRequest Kind = iota
	KindOK
	KindErr
	KindPush
)

const (
	typeOK   = "OK"
	typeErr  = "ERR"
	typePush = "PUSH"
)

// PingType is the reserved request type that invokes the server
// healthcheck instead of a schema handler.
const PingType = "$PING"

// RemoteError is the single error schema carried by an ERR frame's
// error field: a human-readable message plus an optional code, carried
// through unchanged. The dispatcher never fills Code, and the HTTP
// transport takes its response status from server.Fault, not from this
// field.
type RemoteError struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code,omitempty"`
}

func (e *RemoteError) Error() string { return e.Message }

// DecodeRemoteError parses an ERR frame's error payload. A payload that
// doesn't match the {message, code?} shape is preserved verbatim as the
// message so no information is lost.
func DecodeRemoteError(raw json.RawMessage) *RemoteError {
	var re RemoteError
	if err := json.Unmarshal(raw, &re); err == nil && re.Message != "" {
		return &re
	}
	return &RemoteError{Message: string(raw)}
}

// Envelope is the decoded form of any wire frame.
type Envelope struct {
	Kind Kind

	// Type is the request type; empty for OK, ERR, and PUSH.
	Type string
	// ID is the correlation id; empty for PUSH.
	ID string
	// Event is the PUSH event name.
	Event string

	Payload json.RawMessage
	Error   json.RawMessage

	extra map[string]json.RawMessage
}

// wire is the JSON-level shape shared by every frame kind.
type wire struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// NewRequest builds a REQUEST envelope.
func NewRequest(reqType, id string, payload json.RawMessage) Envelope {
	return Envelope{Kind: KindRequest, Type: reqType, ID: id, Payload: payload}
}

// NewOK builds an OK reply envelope.
func NewOK(id string, payload json.RawMessage) Envelope {
	return Envelope{Kind: KindOK, ID: id, Payload: payload}
}

// NewErr builds an ERR reply envelope.
func NewErr(id string, errPayload json.RawMessage) Envelope {
	return Envelope{Kind: KindErr, ID: id, Error: errPayload}
}

// NewPush builds a server-originated PUSH envelope.
func NewPush(event string, payload json.RawMessage) Envelope {
	return Envelope{Kind: KindPush, Event: event, Payload: payload}
}

// Extra returns the top-level fields an unmarshaled Envelope carried that
// this package does not otherwise model. Encode never replays them.
func (e Envelope) Extra() map[string]json.RawMessage { return e.extra }

// Encode serializes the envelope to its wire JSON form. Fields captured
// into Extra by a prior Decode are not replayed.
func (e Envelope) Encode() ([]byte, error) {
	w := wire{ID: e.ID, Payload: e.Payload, Error: e.Error}
	switch e.Kind {
	case KindRequest:
		w.Type = e.Type
	case KindOK:
		w.Type = typeOK
	case KindErr:
		w.Type = typeErr
	case KindPush:
		w.Type = typePush
		w.Event = e.Event
		w.ID = ""
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.Join(ErrBadFrame, err)
	}
	return data, nil
}

// Decode parses a wire frame. Unknown top-level fields are preserved in
// Extra; a structurally malformed frame fails with ErrBadFrame.
func Decode(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, errors.Join(ErrBadFrame, err)
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, errors.Join(ErrBadFrame, err)
	}
	if w.Type == "" {
		return Envelope{}, ErrBadFrame
	}

	delete(raw, "type")
	delete(raw, "id")
	delete(raw, "event")
	delete(raw, "payload")
	delete(raw, "error")
	if len(raw) == 0 {
		raw = nil
	}

	e := Envelope{ID: w.ID, Payload: w.Payload, Error: w.Error, extra: raw}
	switch w.Type {
	case typeOK:
		e.Kind = KindOK
	case typeErr:
		e.Kind = KindErr
	case typePush:
		e.Kind = KindPush
		e.Event = w.Event
	default:
		e.Kind = KindRequest
		e.Type = w.Type
	}
	return e, nil
}
