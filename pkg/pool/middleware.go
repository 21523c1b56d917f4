// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"

	"github.com/loopholelabs/duplex/pkg/middleware"
)

// Middleware adapts the pool into a MiddlewareChain stage: invoking next
// is gated by the pool's concurrency and queue limits.
func (p *Pool) Middleware() middleware.Middleware {
	return func(ctx context.Context, payload []byte, next middleware.Handler) ([]byte, error) {
		return Run(ctx, p, func(ctx context.Context) ([]byte, error) {
			return next(ctx, payload)
		})
	}
}
