// SPDX-License-Identifier: Apache-2.0

package client

import (
	"time"

	"github.com/loopholelabs/logging"

	"github.com/loopholelabs/duplex/pkg/transport"
)

// DialFunc opens a fresh transport.Adapter against the coordinator's
// configured endpoint. The default, built from Options.URL and
// Options.HTTP, is overridable so tests can inject in-process adapters.
type DialFunc func() (transport.Adapter, error)

// Defaults for the fields of Options a caller leaves zero.
const (
	DefaultReconnectInterval = time.Second
	DefaultTimeout           = 10 * time.Second
	DefaultAttempts          = 3
	DefaultToleranceRatio    = 0.05
	DefaultToleranceInterval = 10 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	// URL is the server endpoint to dial, e.g. "ws://host:port/ws" or,
	// when HTTP is set, "http://host:port".
	URL string
	// HTTP selects the stateless HTTP transport variant in place of the
	// default persistent WebSocket transport.
	HTTP bool
	// Dial overrides the default dialer built from URL/HTTP. Tests use
	// this to hand the coordinator an in-process transport.Adapter.
	Dial DialFunc

	// NoServer, if true, suppresses the automatic initial connection;
	// the caller must invoke Coordinator.Connect once a transport is
	// ready to be dialed.
	NoServer bool

	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// Timeout is the per-attempt deadline for a single dispatched
	// request before it is retransmitted or, on the final attempt,
	// failed with ErrTimeout.
	Timeout time.Duration
	// Attempts is the maximum number of transmissions per request
	// before failing with ErrTimeout.
	Attempts int
	// DrainInterval, if positive, periodically rotates the transport
	// while preserving in-flight requests.
	DrainInterval time.Duration

	// ToleranceRatio and ToleranceInterval bound the observed
	// timeouts/requests ratio; exceeding the ratio within the interval
	// forces a reconnect.
	ToleranceRatio    float64
	ToleranceInterval time.Duration

	Logger logging.Logger
}

func setDefaults(o *Options) {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.ToleranceRatio <= 0 {
		o.ToleranceRatio = DefaultToleranceRatio
	}
	if o.ToleranceInterval <= 0 {
		o.ToleranceInterval = DefaultToleranceInterval
	}
}

func validOptions(o *Options) bool {
	return o != nil && o.Logger != nil && (o.Dial != nil || o.URL != "")
}

func (o *Options) dialer() DialFunc {
	if o.Dial != nil {
		return o.Dial
	}
	url := o.URL
	if o.HTTP {
		return func() (transport.Adapter, error) {
			return transport.DialHTTP(url), nil
		}
	}
	return func() (transport.Adapter, error) {
		return transport.DialWS(url)
	}
}
