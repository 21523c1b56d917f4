// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
)

// httpAdapter implements Adapter over the stateless HTTP variant: each
// Send performs one POST to baseURL+"/api/"+<request type> and delivers
// the response back as a synthesized OK/ERR message event, so the
// ClientCoordinator can drive either transport through the same
// interface. There is no persistent connection, so Close only stops
// delivery: a round trip that completes afterwards drops its result
// instead of blocking on the events channel. A POST already in progress
// is not cancelled.
type httpAdapter struct {
	baseURL string
	client  *http.Client

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// DialHTTP constructs an Adapter that issues each request as a one-shot
// HTTP POST against baseURL.
func DialHTTP(baseURL string) Adapter {
	return &httpAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		events:  make(chan Event, 32),
		done:    make(chan struct{}),
	}
}

func (h *httpAdapter) Events() <-chan Event { return h.events }

// Send unwraps the encoded envelope: the POST body is the bare request
// payload, the request type selects the path, and the correlation id is
// reattached to the synthesized reply.
func (h *httpAdapter) Send(data []byte) error {
	var head struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	body := head.Payload
	if len(body) == 0 {
		body = []byte("null")
	}
	go h.roundTrip(head.ID, head.Type, body)
	return nil
}

func (h *httpAdapter) roundTrip(id, reqType string, data []byte) {
	url := h.baseURL + "/api/" + reqType
	resp, err := h.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		h.emit(Event{Kind: EventError, Err: err})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.emit(Event{Kind: EventError, Err: err})
		return
	}

	var reply struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Error   json.RawMessage `json:"error,omitempty"`
	}
	reply.ID = id
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		reply.Type = "OK"
		reply.Payload = body
	} else {
		reply.Type = "ERR"
		reply.Error = body
	}
	out, err := json.Marshal(reply)
	if err != nil {
		h.emit(Event{Kind: EventError, Err: err})
		return
	}
	h.emit(Event{Kind: EventMessage, Data: out})
}

func (h *httpAdapter) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *httpAdapter) Close(code int) error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}
