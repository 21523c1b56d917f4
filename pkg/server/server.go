// SPDX-License-Identifier: Apache-2.0

// Package server implements the ServerDispatcher: it accepts WebSocket
// connections and one-shot HTTP requests, routes each inbound frame
// through a composable middleware chain terminated by a schema handler,
// detects stale connections, and supports scoped server-initiated push.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/duplex/pkg/message"
	"github.com/loopholelabs/duplex/pkg/middleware"
	"github.com/loopholelabs/duplex/pkg/transport"
)

var (
	ErrOptions = errors.New("server: invalid options")
	// ErrUnknownType identifies the Go-level cause behind an ERR/HTTP
	// error response whose request type matched neither Schema nor the
	// reserved "$PING" healthcheck route. The wire-facing message stays
	// the capitalized, quoted form the wire contract requires; this
	// sentinel is for callers that want errors.Is on the dispatcher's
	// own OnEvent stream.
	ErrUnknownType = errors.New("server: unknown request type")
)

func unknownTypeMessage(reqType string) string {
	return fmt.Sprintf("Unknown request type: %q", reqType)
}

const (
	stateOpen uint32 = iota
	stateClosed
)

// Connection is a live, registered peer. The request-to-connection
// binding is transient: each request goroutine holds the Connection it
// arrived on and checks its open state when the reply is ready. The
// registry entry is purged when the connection closes.
type Connection struct {
	id      string
	adapter transport.Adapter
	state   atomic.Uint32
}

// ID identifies the connection for push scoping and event correlation.
func (c *Connection) ID() string { return c.id }

func (c *Connection) isOpen() bool { return c.state.Load() == stateOpen }

func (c *Connection) close(code int) {
	if c.state.CompareAndSwap(stateOpen, stateClosed) {
		_ = c.adapter.Close(code)
	}
}

// EventKind discriminates an Event delivered to a subscriber registered
// with OnEvent.
type EventKind int

const (
	EventConnection EventKind = iota
	EventTerminated
	EventRequest
	EventReply
	EventStale
	EventError
)

// Event is one occurrence on the dispatcher's observable event stream.
type Event struct {
	Kind   EventKind
	ConnID string
	ID     string // correlation id
	Type   string // request type
	Err    error
}

// Fault lets a handler return an arbitrary JSON error payload verbatim
// and, optionally, an HTTP status code. A plain error is instead
// reduced to its message.
type Fault struct {
	Payload json.RawMessage
	Code    int
}

func (f *Fault) Error() string { return string(f.Payload) }

func errToPayload(err error) json.RawMessage {
	var f *Fault
	if errors.As(err, &f) && f.Payload != nil {
		return f.Payload
	}
	data, _ := json.Marshal(message.RemoteError{Message: err.Error()})
	return data
}

func errToStatus(err error) int {
	var f *Fault
	if errors.As(err, &f) && f.Code >= 100 && f.Code <= 599 {
		return f.Code
	}
	return http.StatusInternalServerError
}

// Scope selects the targets of a push: the Broadcast sentinel, a single
// Connection, or an explicit list.
type Scope struct {
	broadcast bool
	targets   []*Connection
}

// Broadcast pushes to every currently-open connection.
var Broadcast = Scope{broadcast: true}

// To scopes a push to the given connections.
func To(conns ...*Connection) Scope { return Scope{targets: conns} }

// Dispatcher accepts connections, routes inbound requests through the
// middleware chain to their schema handlers, and emits replies and
// pushes.
type Dispatcher struct {
	logger logging.Logger

	mu          sync.RWMutex
	schema      Schema
	healthcheck Healthcheck
	middlewares []middleware.Middleware

	connMu      sync.RWMutex
	connections map[string]*Connection

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	httpServer *http.Server
}

// New constructs a Dispatcher from options. The schema's keys are the
// authoritative accepted task types; "$PING" is reserved and always
// routes to Healthcheck regardless of Schema's contents.
func New(options *Options) (*Dispatcher, error) {
	if !validOptions(options) {
		return nil, ErrOptions
	}
	return &Dispatcher{
		logger:      options.Logger.SubLogger("server"),
		schema:      options.Schema,
		healthcheck: options.Healthcheck,
		middlewares: append([]middleware.Middleware(nil), options.Middleware...),
		connections: make(map[string]*Connection),
		subs:        make(map[int]func(Event)),
	}, nil
}

// Use appends middleware to the chain applied to every subsequent
// request. Requests already being handled are unaffected.
func (d *Dispatcher) Use(m middleware.Middleware) {
	d.mu.Lock()
	d.middlewares = append(d.middlewares, m)
	d.mu.Unlock()
}

// OnEvent registers fn to receive every Event the dispatcher emits. It
// returns an unsubscribe function.
func (d *Dispatcher) OnEvent(fn func(Event)) func() {
	d.subsMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subsMu.Unlock()
	return func() {
		d.subsMu.Lock()
		delete(d.subs, id)
		d.subsMu.Unlock()
	}
}

// Connection looks up a live connection by the id reported on
// EventConnection, for callers that want to scope a later Push with To.
func (d *Dispatcher) Connection(id string) (*Connection, bool) {
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	c, ok := d.connections[id]
	return c, ok
}

func (d *Dispatcher) emit(ev Event) {
	d.subsMu.Lock()
	fns := make([]func(Event), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Handler returns the http.Handler serving the WebSocket upgrade path,
// the HTTP request/response variant, and the admin endpoints. Listen
// uses this directly; tests typically wrap it with httptest.Server.
func (d *Dispatcher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.handleWS)
	mux.HandleFunc("/api/", d.handleHTTPAPI)
	mux.HandleFunc("/healthcheck", d.handleHealthcheck)
	mux.HandleFunc("/disconnect", d.handleDisconnect)
	return mux
}

// Listen blocks serving addr until Close is called.
func (d *Dispatcher) Listen(addr string) error {
	srv := &http.Server{Addr: addr, Handler: d.Handler()}
	d.mu.Lock()
	d.httpServer = srv
	d.mu.Unlock()

	d.logger.Info().Str("addr", addr).Msg("listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close closes every live connection and, if Listen is running, shuts
// down the HTTP listener. In-flight handler futures are not force
// cancelled; their eventual replies will be stale-emitted once their
// connection is gone.
func (d *Dispatcher) Close() error {
	d.connMu.Lock()
	conns := make([]*Connection, 0, len(d.connections))
	for _, c := range d.connections {
		conns = append(conns, c)
	}
	d.connMu.Unlock()
	for _, c := range conns {
		c.close(transport.CloseGoingAway)
	}

	d.mu.Lock()
	srv := d.httpServer
	d.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Push originates an out-of-band event to scope. A target whose
// connection is no longer open emits stale and is skipped rather than
// erroring the whole call.
func (d *Dispatcher) Push(event string, payload json.RawMessage, scope Scope) {
	env := message.NewPush(event, payload)
	data, err := env.Encode()
	if err != nil {
		d.emit(Event{Kind: EventError, Err: err})
		return
	}
	for _, conn := range d.resolveScope(scope) {
		if !conn.isOpen() {
			d.emit(Event{Kind: EventStale, ConnID: conn.id, Type: "PUSH"})
			continue
		}
		if err := conn.adapter.Send(data); err != nil {
			d.emit(Event{Kind: EventError, ConnID: conn.id, Err: err})
		}
	}
}

func (d *Dispatcher) resolveScope(scope Scope) []*Connection {
	if scope.broadcast {
		d.connMu.RLock()
		defer d.connMu.RUnlock()
		out := make([]*Connection, 0, len(d.connections))
		for _, c := range d.connections {
			out = append(out, c)
		}
		return out
	}
	return scope.targets
}

func (d *Dispatcher) handleWS(w http.ResponseWriter, r *http.Request) {
	adapter, err := transport.UpgradeWS(w, r)
	if err != nil {
		d.emit(Event{Kind: EventError, Err: err})
		return
	}
	conn := &Connection{id: uuid.New().String(), adapter: adapter}
	conn.state.Store(stateOpen)

	d.connMu.Lock()
	d.connections[conn.id] = conn
	d.connMu.Unlock()
	d.emit(Event{Kind: EventConnection, ConnID: conn.id})

	// Cleanup runs on every exit path from the loop below, including the
	// adapter's events channel simply closing without ever delivering a
	// synthetic EventClose (it can race against the adapter's own done
	// signal and get dropped). The registry entry must not outlive the
	// connection regardless of which path fires.
	defer func() {
		conn.state.Store(stateClosed)
		d.connMu.Lock()
		delete(d.connections, conn.id)
		d.connMu.Unlock()
		d.emit(Event{Kind: EventTerminated, ConnID: conn.id})
	}()

	for ev := range adapter.Events() {
		switch ev.Kind {
		case transport.EventMessage:
			go d.handleRequest(conn, ev.Data)
		case transport.EventError:
			d.emit(Event{Kind: EventError, ConnID: conn.id, Err: ev.Err})
		case transport.EventClose:
			return
		}
	}
}

func (d *Dispatcher) buildHandler(reqType string) (middleware.Handler, bool) {
	d.mu.RLock()
	mws := append([]middleware.Middleware(nil), d.middlewares...)
	h, ok := d.schema[reqType]
	hc := d.healthcheck
	d.mu.RUnlock()

	if reqType == message.PingType {
		return middleware.Chain(mws, func(ctx context.Context, _ []byte) ([]byte, error) {
			if hc == nil {
				return []byte("null"), nil
			}
			return hc(ctx)
		}), true
	}
	if !ok {
		return nil, false
	}
	return middleware.Chain(mws, h), true
}

// handleRequest runs the per-request flow for the WebSocket transport:
// decode, route through the chain, reply on the originating connection.
func (d *Dispatcher) handleRequest(conn *Connection, data []byte) {
	env, err := message.Decode(data)
	if err != nil {
		d.logger.Warn().Err(err).Msg("dropping malformed frame")
		d.emit(Event{Kind: EventError, ConnID: conn.id, Err: err})
		return
	}
	if env.Kind != message.KindRequest {
		return
	}
	d.emit(Event{Kind: EventRequest, ConnID: conn.id, ID: env.ID, Type: env.Type})

	handler, ok := d.buildHandler(env.Type)
	if !ok {
		d.emit(Event{Kind: EventError, ConnID: conn.id, ID: env.ID, Type: env.Type, Err: fmt.Errorf("%w: %q", ErrUnknownType, env.Type)})
		d.sendErr(conn, env.ID, unknownTypeMessage(env.Type))
		return
	}

	payload, err := handler(context.Background(), env.Payload)
	if err != nil {
		d.sendRaw(conn, message.NewErr(env.ID, errToPayload(err)))
		return
	}
	d.sendRaw(conn, message.NewOK(env.ID, payload))
}

func (d *Dispatcher) sendErr(conn *Connection, id, msg string) {
	raw, _ := json.Marshal(message.RemoteError{Message: msg})
	d.sendRaw(conn, message.NewErr(id, raw))
}

func (d *Dispatcher) sendRaw(conn *Connection, env message.Envelope) {
	data, err := env.Encode()
	if err != nil {
		d.emit(Event{Kind: EventError, ConnID: conn.id, Err: err})
		return
	}
	if !conn.isOpen() {
		d.emit(Event{Kind: EventStale, ConnID: conn.id, ID: env.ID})
		return
	}
	if err := conn.adapter.Send(data); err != nil {
		d.emit(Event{Kind: EventError, ConnID: conn.id, Err: err})
		return
	}
	d.emit(Event{Kind: EventReply, ConnID: conn.id, ID: env.ID})
}

// handleHTTPAPI implements the HTTP transport variant: each POST is its
// own one-shot request, the response is the reply, and there is no
// push or stale emission.
func (d *Dispatcher) handleHTTPAPI(w http.ResponseWriter, r *http.Request) {
	reqType := strings.TrimPrefix(r.URL.Path, "/api/")
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		writeErrStatus(w, message.RemoteError{Message: err.Error()}, http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	d.emit(Event{Kind: EventRequest, ID: id, Type: reqType})

	handler, ok := d.buildHandler(reqType)
	if !ok {
		d.emit(Event{Kind: EventError, ID: id, Type: reqType, Err: fmt.Errorf("%w: %q", ErrUnknownType, reqType)})
		writeErrStatus(w, message.RemoteError{Message: unknownTypeMessage(reqType)}, http.StatusInternalServerError)
		return
	}

	payload, err := handler(r.Context(), body)
	if err != nil {
		writeErrPayload(w, errToPayload(err), errToStatus(err))
		return
	}
	writeOK(w, payload)
}

func (d *Dispatcher) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	hc := d.healthcheck
	d.mu.RUnlock()
	if hc == nil {
		writeOK(w, []byte("null"))
		return
	}
	payload, err := hc(r.Context())
	if err != nil {
		d.emit(Event{Kind: EventError, Err: err})
		writeErrStatus(w, message.RemoteError{Message: err.Error()}, errToStatus(err))
		return
	}
	writeOK(w, payload)
}

// handleDisconnect is the reserved admin endpoint that closes every
// live WebSocket connection.
func (d *Dispatcher) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	d.connMu.Lock()
	conns := make([]*Connection, 0, len(d.connections))
	for _, c := range d.connections {
		conns = append(conns, c)
	}
	d.connMu.Unlock()
	for _, c := range conns {
		c.close(transport.CloseServerShuttingOff)
	}
	w.WriteHeader(http.StatusOK)
}

func writeOK(w http.ResponseWriter, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if payload == nil {
		payload = []byte("null")
	}
	_, _ = w.Write(payload)
}

func writeErrStatus(w http.ResponseWriter, remoteErr message.RemoteError, status int) {
	data, _ := json.Marshal(remoteErr)
	writeErrPayload(w, data, status)
}

func writeErrPayload(w http.ResponseWriter, payload json.RawMessage, status int) {
	if status < 100 || status > 599 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
