// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"

	"github.com/loopholelabs/logging"

	"github.com/loopholelabs/duplex/pkg/middleware"
)

// Handler terminates the middleware chain for one schema entry.
type Handler = middleware.Handler

// Schema is the authoritative mapping from task-type name to handler.
// The reserved type "$PING" is never a Schema key; it is routed to
// Healthcheck instead.
type Schema map[string]Handler

// Healthcheck answers the reserved "$PING" request type and the
// GET /healthcheck HTTP endpoint.
type Healthcheck func(ctx context.Context) (json.RawMessage, error)

// Options configures a Dispatcher.
type Options struct {
	Schema      Schema
	Healthcheck Healthcheck
	// Middleware is installed ahead of any later Use calls, in order.
	Middleware []middleware.Middleware
	Logger     logging.Logger
}

func validOptions(o *Options) bool {
	return o != nil && o.Schema != nil && o.Logger != nil
}
