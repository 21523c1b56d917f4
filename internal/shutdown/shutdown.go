// SPDX-License-Identifier: Apache-2.0

// Package shutdown ties transport teardown to a lifecycle context. A
// coordinator owns goroutines that block on network I/O; its cleanup
// must run exactly once whether shutdown starts from an explicit Close
// or from the context ending, and Close must not return before the
// teardown has actually happened.
package shutdown

import (
	"context"
	"sync"
)

// Watcher runs a cleanup function when its context ends, or earlier
// when the owner calls Stop. The cleanup runs exactly once.
type Watcher struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	err      error
}

// Watch starts watching ctx. When ctx is done, or Stop is called,
// cleanup runs on the watch goroutine.
func Watch(ctx context.Context, cleanup func() error) *Watcher {
	w := &Watcher{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-w.stop:
		}
		w.err = cleanup()
		close(w.done)
	}()
	return w
}

// Stop triggers the cleanup if the context has not already done so,
// waits until it has run, and returns its error. Safe to call more
// than once; every call returns the same error.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return w.err
}
