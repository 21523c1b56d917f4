// SPDX-License-Identifier: Apache-2.0

// Package client implements the ClientCoordinator: a state machine that
// multiplexes in-flight requests over a single transport, correlates
// replies by id, enforces per-request timeouts with bounded retry, and
// transparently reconnects (abnormal-close driven, tolerance-ratio
// driven, and periodic-drain driven), re-slinging pending work onto the
// new transport. The pending table maps correlation id to a one-shot
// result cell; each live transport carries a monotonic epoch so the
// coordinator knows which pending requests predate a reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/duplex/internal/shutdown"
	"github.com/loopholelabs/duplex/pkg/message"
	"github.com/loopholelabs/duplex/pkg/transport"
)

var (
	ErrOptions = errors.New("client: invalid options")
	ErrTimeout = errors.New("client: request timed out")
	ErrClosed  = errors.New("client: closed")
)

// State is the coordinator's lifecycle state.
type State uint32

const (
	StateInit State = iota
	StateConnecting
	StateReady
	StateReconnecting
	StateClosed
)

// EventKind discriminates an Event delivered to a subscriber registered
// with OnEvent.
type EventKind int

const (
	EventReady EventKind = iota
	EventReconnecting
	EventReconnectFailed
	EventReconnected
	EventHostClosed
	EventError
	EventRequest
	EventTimeout
	EventPingTimeout
	EventPush
)

// Event is one occurrence on the coordinator's observable event stream.
type Event struct {
	Kind      EventKind
	ID        string // correlation id, for EventRequest/EventTimeout
	Type      string // request type, for EventRequest
	Code      int    // close code, for EventHostClosed
	Err       error  // for EventError/EventReconnectFailed
	PushEvent string
	Payload   json.RawMessage // for EventPush
}

type adapterHandle struct {
	adapter transport.Adapter
	epoch   uint64
}

type dispatchResult struct {
	payload json.RawMessage
	err     error
}

// pendingEntry is one in-flight request. The id remains in the pending
// table until an OK, ERR, or final timeout delivers exactly one
// terminal outcome.
type pendingEntry struct {
	id      string
	reqType string
	payload json.RawMessage

	mu           sync.Mutex
	epoch        uint64
	attemptsLeft int
	timer        *time.Timer
	delivered    bool
	resultCh     chan dispatchResult
}

func (e *pendingEntry) deliver(res dispatchResult) {
	e.mu.Lock()
	if e.delivered {
		e.mu.Unlock()
		return
	}
	e.delivered = true
	e.mu.Unlock()
	e.resultCh <- res
}

// Coordinator multiplexes in-flight requests over a single rotating
// transport, correlating replies by id.
type Coordinator struct {
	options *Options
	logger  logging.Logger

	ctx       context.Context
	ctxCancel context.CancelFunc
	watcher   *shutdown.Watcher

	state atomic.Uint32

	mu          sync.Mutex
	adapters    map[uint64]*adapterHandle
	current     uint64
	nextEpoch   uint64
	pending     map[string]*pendingEntry
	openedCh    chan struct{}
	opened      bool
	reconnectCh chan struct{}

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	requests atomic.Int64
	timeouts atomic.Int64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Coordinator and, unless Options.NoServer is set,
// begins connecting immediately.
func New(options *Options) (*Coordinator, error) {
	if !validOptions(options) {
		return nil, ErrOptions
	}
	setDefaults(options)

	c := &Coordinator{
		options:     options,
		logger:      options.Logger.SubLogger("client"),
		adapters:    make(map[uint64]*adapterHandle),
		pending:     make(map[string]*pendingEntry),
		openedCh:    make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
		subs:        make(map[int]func(Event)),
	}
	c.ctx, c.ctxCancel = context.WithCancel(context.Background())
	c.watcher = shutdown.Watch(c.ctx, c.closeAdapters)
	c.state.Store(uint32(StateInit))

	c.wg.Add(1)
	go c.connectLoop()

	c.wg.Add(1)
	go c.toleranceLoop()

	c.wg.Add(1)
	go c.drainLoop()

	if !options.NoServer {
		c.Connect()
	}
	return c, nil
}

// Connect triggers the initial connection attempt. It is only necessary
// when Options.NoServer was set.
func (c *Coordinator) Connect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// OnEvent registers fn to receive every Event the coordinator emits. It
// returns an unsubscribe function.
func (c *Coordinator) OnEvent(fn func(Event)) func() {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Coordinator) emit(ev Event) {
	c.subsMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Coordinator) isClosed() bool { return c.State() == StateClosed }

// Dispatch sends a request of reqType with payload and blocks until a
// matching OK/ERR reply arrives, ctx is done, the request exhausts its
// retries, or the coordinator closes.
func (c *Coordinator) Dispatch(ctx context.Context, reqType string, payload json.RawMessage) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	entry := &pendingEntry{
		id:           uuid.New().String(),
		reqType:      reqType,
		payload:      payload,
		attemptsLeft: c.options.Attempts - 1,
		resultCh:     make(chan dispatchResult, 1),
	}

	c.mu.Lock()
	c.pending[entry.id] = entry
	c.mu.Unlock()
	c.requests.Add(1)

	if err := c.waitOpened(ctx); err != nil {
		c.removePending(entry.id)
		return nil, err
	}

	if err := c.transmit(entry); err != nil {
		c.logger.Warn().Str("id", entry.id).Err(err).Msg("initial transmit failed, awaiting reconnect")
	}
	c.armTimer(entry)

	select {
	case res := <-entry.resultCh:
		return res.payload, res.err
	case <-ctx.Done():
		c.removePending(entry.id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// Ping sends the reserved $PING request type with a caller-supplied
// timeout independent of Dispatch's own timeout/retry chain.
func (c *Coordinator) Ping(ctx context.Context, timeout time.Duration) error {
	pingCtx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()
	_, err := c.Dispatch(pingCtx, message.PingType, nil)
	if errors.Is(err, context.DeadlineExceeded) {
		c.emit(Event{Kind: EventPingTimeout})
	}
	return err
}

// Close severs the transport and fails every pending dispatch with
// ErrClosed. The shutdown watcher tears the live adapters down, so
// goroutines blocked on transport I/O unwind before Close returns.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(uint32(StateClosed))
		c.ctxCancel()

		c.mu.Lock()
		pendings := make([]*pendingEntry, 0, len(c.pending))
		for _, e := range c.pending {
			pendings = append(pendings, e)
		}
		c.pending = make(map[string]*pendingEntry)
		c.mu.Unlock()

		for _, e := range pendings {
			e.mu.Lock()
			if e.timer != nil {
				e.timer.Stop()
			}
			e.mu.Unlock()
			e.deliver(dispatchResult{err: ErrClosed})
		}

		_ = c.watcher.Stop()
		c.wg.Wait()
	})
	return nil
}

// closeAdapters is the shutdown watcher's cleanup: close every live
// transport with GOING_AWAY.
func (c *Coordinator) closeAdapters() error {
	c.mu.Lock()
	adapters := make([]*adapterHandle, 0, len(c.adapters))
	for _, h := range c.adapters {
		adapters = append(adapters, h)
	}
	c.mu.Unlock()
	for _, h := range adapters {
		_ = h.adapter.Close(transport.CloseGoingAway)
	}
	return nil
}

func (c *Coordinator) removePending(id string) *pendingEntry {
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.mu.Unlock()
	}
	return e
}

func (c *Coordinator) waitOpened(ctx context.Context) error {
	c.mu.Lock()
	ch := c.openedCh
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Coordinator) markNotReady() {
	c.mu.Lock()
	if c.opened {
		c.openedCh = make(chan struct{})
		c.opened = false
	}
	c.mu.Unlock()
}

func (c *Coordinator) markReady() {
	c.mu.Lock()
	if !c.opened {
		close(c.openedCh)
		c.opened = true
	}
	c.mu.Unlock()
}

// transmit encodes and sends entry over the current transport, stamping
// the entry with the transport's epoch.
func (c *Coordinator) transmit(entry *pendingEntry) error {
	c.mu.Lock()
	h, ok := c.adapters[c.current]
	epoch := c.current
	c.mu.Unlock()
	if !ok {
		return ErrClosed
	}

	env := message.NewRequest(entry.reqType, entry.id, entry.payload)
	data, err := env.Encode()
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.epoch = epoch
	entry.mu.Unlock()

	c.emit(Event{Kind: EventRequest, ID: entry.id, Type: entry.reqType})
	return h.adapter.Send(data)
}

func (c *Coordinator) armTimer(entry *pendingEntry) {
	entry.mu.Lock()
	entry.timer = time.AfterFunc(c.options.Timeout, func() { c.onTimeout(entry.id) })
	entry.mu.Unlock()
}

func (c *Coordinator) onTimeout(id string) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.attemptsLeft <= 0 {
		entry.mu.Unlock()
		c.removePending(id)
		c.timeouts.Add(1)
		c.emit(Event{Kind: EventTimeout, ID: id})
		entry.deliver(dispatchResult{err: ErrTimeout})
		return
	}
	entry.attemptsLeft--
	entry.mu.Unlock()

	if err := c.transmit(entry); err != nil {
		c.logger.Warn().Str("id", id).Err(err).Msg("retransmit failed")
	}
	c.armTimer(entry)
}

// connectLoop owns the dial/reconnect state machine.
func (c *Coordinator) connectLoop() {
	defer c.wg.Done()
	first := true
	for {
		select {
		case <-c.reconnectCh:
		case <-c.ctx.Done():
			return
		}
		if c.isClosed() {
			return
		}
		c.attemptConnect(first)
		first = false
	}
}

func (c *Coordinator) attemptConnect(first bool) {
	c.state.Store(uint32(StateConnecting))
	for {
		if c.isClosed() {
			return
		}
		adapter, err := c.options.dialer()()
		if err != nil {
			c.emit(Event{Kind: EventReconnectFailed, Err: err})
			select {
			case <-time.After(c.options.ReconnectInterval):
				continue
			case <-c.ctx.Done():
				return
			}
		}

		epoch := c.activate(adapter)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pump(&adapterHandle{adapter: adapter, epoch: epoch})
		}()

		if first {
			c.emit(Event{Kind: EventReady})
		} else {
			c.emit(Event{Kind: EventReconnected})
		}
		return
	}
}

// activate installs adapter as the current transport, re-slings every
// still-pending request onto it, and transitions to READY. Entries
// still in their timeout window are not reset; only the epoch and the
// bytes on the wire change.
func (c *Coordinator) activate(adapter transport.Adapter) uint64 {
	c.mu.Lock()
	epoch := c.nextEpoch
	c.nextEpoch++
	c.adapters[epoch] = &adapterHandle{adapter: adapter, epoch: epoch}
	c.current = epoch
	toResend := make([]*pendingEntry, 0, len(c.pending))
	for _, e := range c.pending {
		toResend = append(toResend, e)
	}
	c.mu.Unlock()

	c.state.Store(uint32(StateReady))
	c.markReady()

	for _, e := range toResend {
		if err := c.transmit(e); err != nil {
			c.logger.Warn().Str("id", e.id).Err(err).Msg("re-sling failed")
		}
	}
	return epoch
}

// pump forwards one adapter's events to the coordinator's serialized
// inbound-handling path, tagged with the adapter's epoch. On
// coordinator shutdown it closes its own adapter so the underlying
// read/write goroutines unwind.
func (c *Coordinator) pump(h *adapterHandle) {
	for {
		select {
		case ev, ok := <-h.adapter.Events():
			if !ok {
				c.handleClose(h.epoch, transport.CloseAbnormal)
				return
			}
			c.handleInbound(h.epoch, ev)
			if ev.Kind == transport.EventClose {
				return
			}
		case <-c.ctx.Done():
			_ = h.adapter.Close(transport.CloseGoingAway)
			return
		}
	}
}

func (c *Coordinator) handleInbound(epoch uint64, ev transport.Event) {
	switch ev.Kind {
	case transport.EventMessage:
		c.handleMessage(ev.Data)
	case transport.EventError:
		c.emit(Event{Kind: EventError, Err: ev.Err})
	case transport.EventClose:
		c.handleClose(epoch, ev.Code)
	}
}

func (c *Coordinator) handleMessage(data []byte) {
	env, err := message.Decode(data)
	if err != nil {
		c.emit(Event{Kind: EventError, Err: err})
		return
	}
	switch env.Kind {
	case message.KindOK, message.KindErr:
		entry := c.removePending(env.ID)
		if entry == nil {
			return // no listener: retired via timeout, or a duplicate reply
		}
		if env.Kind == message.KindOK {
			entry.deliver(dispatchResult{payload: env.Payload})
		} else {
			entry.deliver(dispatchResult{err: message.DecodeRemoteError(env.Error)})
		}
	case message.KindPush:
		c.emit(Event{Kind: EventPush, PushEvent: env.Event, Payload: env.Payload})
	}
}

// handleClose processes a transport closure tagged with the epoch that
// produced it. A closure from a retired (already-drained) epoch is pure
// cleanup; only the current epoch's closure drives reconnection. A
// GOING_AWAY closure of the current epoch is terminal: the coordinator
// moves to CLOSED and does not dial again.
func (c *Coordinator) handleClose(epoch uint64, code int) {
	c.mu.Lock()
	_, existed := c.adapters[epoch]
	if !existed {
		c.mu.Unlock()
		return
	}
	delete(c.adapters, epoch)
	isCurrent := epoch == c.current
	c.mu.Unlock()

	if !isCurrent || c.isClosed() {
		return
	}

	c.markNotReady()
	if code == transport.CloseGoingAway {
		c.state.Store(uint32(StateClosed))
		c.emit(Event{Kind: EventHostClosed, Code: code})
		return
	}
	c.state.Store(uint32(StateReconnecting))
	c.emit(Event{Kind: EventHostClosed, Code: code})
	c.Connect()
}

// forceReconnect closes the current transport locally, triggering the
// normal reconnect path, without waiting for the remote end to
// acknowledge. Used by the tolerance-ratio trip.
func (c *Coordinator) forceReconnect() {
	c.mu.Lock()
	h, ok := c.adapters[c.current]
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = h.adapter.Close(transport.CloseAbnormal)
	c.handleClose(h.epoch, transport.CloseAbnormal)
}

func (c *Coordinator) toleranceLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.options.ToleranceInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			requests := c.requests.Swap(0)
			timeouts := c.timeouts.Swap(0)
			if requests > 0 && float64(timeouts)/float64(requests) > c.options.ToleranceRatio {
				c.logger.Warn().Int64("requests", requests).Int64("timeouts", timeouts).Msg("tolerance ratio tripped, forcing reconnect")
				c.forceReconnect()
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) drainLoop() {
	defer c.wg.Done()
	if c.options.DrainInterval <= 0 {
		<-c.ctx.Done()
		return
	}
	t := time.NewTicker(c.options.DrainInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.drainOnce()
		case <-c.ctx.Done():
			return
		}
	}
}

// drainOnce rotates the transport without a host-initiated close: it
// dials a fresh adapter, re-slings every pending request onto it, and
// closes the old adapter with GOING_AWAY once nothing remains bound to
// it, which after the re-sling is immediately.
func (c *Coordinator) drainOnce() {
	if c.isClosed() || c.State() != StateReady {
		return
	}
	adapter, err := c.options.dialer()()
	if err != nil {
		c.logger.Warn().Err(err).Msg("drain dial failed, will retry next tick")
		return
	}

	c.emit(Event{Kind: EventReconnecting})

	c.mu.Lock()
	oldHandle := c.adapters[c.current]
	c.mu.Unlock()

	epoch := c.activate(adapter)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pump(&adapterHandle{adapter: adapter, epoch: epoch})
	}()

	c.emit(Event{Kind: EventReconnected})

	if oldHandle != nil {
		_ = oldHandle.adapter.Close(transport.CloseGoingAway)
	}
}
