// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the shared Adapter implementation for both a client-dialed
// and a server-accepted WebSocket connection: one read pump, one write
// pump, all inbound traffic funneled onto a single events channel.
type wsConn struct {
	conn   *websocket.Conn
	events chan Event
	send   chan []byte
	done   chan struct{}

	closeOnce sync.Once
	pumpWg    sync.WaitGroup
}

func newWSConn(conn *websocket.Conn) *wsConn {
	w := &wsConn{
		conn:   conn,
		events: make(chan Event, 32),
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	w.pumpWg.Add(2)
	go func() { defer w.pumpWg.Done(); w.readPump() }()
	go func() { defer w.pumpWg.Done(); w.writePump() }()
	// Always closes events once both pumps exit, even if the close
	// notification they tried to send raced against done and was
	// dropped. Callers ranging over Events() must still terminate.
	go func() {
		w.pumpWg.Wait()
		close(w.events)
	}()
	return w
}

func (w *wsConn) Events() <-chan Event { return w.events }

func (w *wsConn) Send(data []byte) error {
	select {
	case w.send <- data:
		return nil
	case <-w.done:
		return ErrClosed
	}
}

func (w *wsConn) Close(code int) error {
	var err error
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = w.conn.Close()
		close(w.done)
	})
	return err
}

func (w *wsConn) readPump() {
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			code := CloseAbnormal
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			select {
			case w.events <- Event{Kind: EventClose, Code: code}:
			case <-w.done:
			}
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		select {
		case w.events <- Event{Kind: EventMessage, Data: data}:
		case <-w.done:
			return
		}
	}
}

func (w *wsConn) writePump() {
	for {
		select {
		case data := <-w.send:
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				select {
				case w.events <- Event{Kind: EventError, Err: err}:
				case <-w.done:
				}
				return
			}
		case <-w.done:
			return
		}
	}
}

// DialWS opens a client-side WebSocket Adapter to url.
func DialWS(url string) (Adapter, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeWS upgrades an inbound HTTP request to a server-side WebSocket
// Adapter.
func UpgradeWS(w http.ResponseWriter, r *http.Request) (Adapter, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}
