// SPDX-License-Identifier: Apache-2.0

// Package middleware composes an ordered list of request middleware
// into a single handler terminated by a schema's handler function.
package middleware

import (
	"context"
	"fmt"
)

// Handler terminates a chain for one request type: it receives the
// request payload and returns the reply payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Middleware wraps a Handler. It may inspect or rewrite the payload,
// short-circuit by not calling next, or call next and post-process its
// result.
type Middleware func(ctx context.Context, payload []byte, next Handler) ([]byte, error)

// Chain composes middlewares in registration order, terminated by
// handler: invoking the result computes
// m1(r, m2(r, ... mn(r, handler))). A middleware that returns without
// calling next short-circuits and the terminal handler is not invoked.
// Panics raised by any stage are recovered and surfaced as errors.
func Chain(middlewares []Middleware, handler Handler) Handler {
	h := recoverable(handler)
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = wrap(middlewares[i], h)
	}
	return h
}

func wrap(m Middleware, next Handler) Handler {
	return func(ctx context.Context, payload []byte) (resp []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("middleware panic: %v", r)
			}
		}()
		return m(ctx, payload, next)
	}
}

func recoverable(handler Handler) Handler {
	return func(ctx context.Context, payload []byte) (resp []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, payload)
	}
}
