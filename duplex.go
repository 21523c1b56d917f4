// SPDX-License-Identifier: Apache-2.0

// Package duplex is the public entry point for the bidirectional
// request/reply RPC substrate: NewServer constructs a ServerDispatcher
// from an application schema, NewClient constructs a ClientCoordinator
// against it, and Dispatch provides a typed call site over the
// coordinator's generic payload-in/payload-out Dispatch. Callers write
// their own thin typed wrappers around Dispatch for ergonomic call
// sites.
package duplex

import (
	"context"
	"encoding/json"

	"github.com/loopholelabs/duplex/pkg/client"
	"github.com/loopholelabs/duplex/pkg/server"
)

// NewServer constructs a ServerDispatcher from the given schema and
// options.
func NewServer(options *server.Options) (*server.Dispatcher, error) {
	return server.New(options)
}

// NewClient constructs a ClientCoordinator against the given options.
func NewClient(options *client.Options) (*client.Coordinator, error) {
	return client.New(options)
}

// Dispatch sends a typed request and json-decodes the reply payload
// into T.
func Dispatch[T any](ctx context.Context, c *client.Coordinator, taskType string, payload any) (T, error) {
	var zero T
	req, err := json.Marshal(payload)
	if err != nil {
		return zero, err
	}
	raw, err := c.Dispatch(ctx, taskType, req)
	if err != nil {
		return zero, err
	}
	if len(raw) == 0 {
		return zero, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}
