// SPDX-License-Identifier: Apache-2.0

package duplex_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loopholelabs/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loopholelabs/duplex"
	"github.com/loopholelabs/duplex/pkg/client"
	"github.com/loopholelabs/duplex/pkg/middleware"
	"github.com/loopholelabs/duplex/pkg/pool"
	"github.com/loopholelabs/duplex/pkg/server"
)

type addArgs struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func addSchema() server.Schema {
	return server.Schema{
		"ADD": func(_ context.Context, payload []byte) ([]byte, error) {
			var args addArgs
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, err
			}
			return json.Marshal(args.X + args.Y)
		},
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newTestPair(t *testing.T, schema server.Schema) (*server.Dispatcher, *httptest.Server, *client.Coordinator) {
	t.Helper()
	logger := logging.Test(t, logging.Zerolog, t.Name())

	d, err := duplex.NewServer(&server.Options{Schema: schema, Logger: logger})
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler())

	c, err := duplex.NewClient(&client.Options{URL: wsURL(srv), Logger: logger})
	require.NoError(t, err)
	return d, srv, c
}

func TestEndToEndAdd(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, srv, c := newTestPair(t, addSchema())
	defer srv.Close()
	defer d.Close()
	defer c.Close()

	sum, err := duplex.Dispatch[int](context.Background(), c, "ADD", addArgs{X: 3, Y: 5})
	require.NoError(t, err)
	assert.Equal(t, 8, sum)
}

func TestEndToEndUnknownType(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, srv, c := newTestPair(t, addSchema())
	defer srv.Close()
	defer d.Close()
	defer c.Close()

	_, err := duplex.Dispatch[json.RawMessage](context.Background(), c, "NOPE", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Unknown request type: "NOPE"`)
}

func TestEndToEndTimeoutRetryCount(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logging.Test(t, logging.Zerolog, t.Name())

	var received atomic.Int64
	block := make(chan struct{})
	defer close(block)
	schema := server.Schema{
		"SLEEP": func(ctx context.Context, _ []byte) ([]byte, error) {
			received.Add(1)
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		},
	}

	d, err := duplex.NewServer(&server.Options{Schema: schema, Logger: logger})
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()
	defer d.Close()

	c, err := duplex.NewClient(&client.Options{
		URL:               wsURL(srv),
		Logger:            logger,
		Timeout:           200 * time.Millisecond,
		Attempts:          2,
		ReconnectInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	_, err = duplex.Dispatch[json.RawMessage](context.Background(), c, "SLEEP", nil)
	require.ErrorIs(t, err, client.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, int64(2), received.Load())
}

func TestEndToEndHostClosedThenReconnected(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, srv, c := newTestPair(t, addSchema())
	defer srv.Close()
	defer d.Close()
	defer c.Close()

	var mu sync.Mutex
	var kinds []client.EventKind
	unsub := c.OnEvent(func(ev client.Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	defer unsub()

	_, err := duplex.Dispatch[int](context.Background(), c, "ADD", addArgs{X: 1, Y: 1})
	require.NoError(t, err)

	// Kick every connection off with SERVER_SHUTTING_OFF; the client
	// treats it as host-closed and dials back in. The dispatch above
	// guarantees the connection is registered.
	disconnectAll(t, srv)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		sawClosed, sawReconnected := false, false
		for _, k := range kinds {
			if k == client.EventHostClosed {
				sawClosed = true
			}
			if sawClosed && k == client.EventReconnected {
				sawReconnected = true
			}
		}
		return sawClosed && sawReconnected
	}, 3*time.Second, 10*time.Millisecond)

	// The rebuilt transport carries traffic again.
	sum, err := duplex.Dispatch[int](context.Background(), c, "ADD", addArgs{X: 2, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, sum)
}

func disconnectAll(t *testing.T, srv *httptest.Server) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + "/disconnect")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

func TestEndToEndPushFanOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logging.Test(t, logging.Zerolog, t.Name())
	d, err := duplex.NewServer(&server.Options{Schema: addSchema(), Logger: logger})
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()
	defer d.Close()

	var connMu sync.Mutex
	var connIDs []string
	unsubServer := d.OnEvent(func(ev server.Event) {
		if ev.Kind == server.EventConnection {
			connMu.Lock()
			connIDs = append(connIDs, ev.ConnID)
			connMu.Unlock()
		}
	})
	defer unsubServer()

	newCounted := func() (*client.Coordinator, *atomic.Int64) {
		var count atomic.Int64
		c, err := duplex.NewClient(&client.Options{URL: wsURL(srv), Logger: logger})
		require.NoError(t, err)
		c.OnEvent(func(ev client.Event) {
			if ev.Kind == client.EventPush && ev.PushEvent == "foo" {
				count.Add(1)
			}
		})
		return c, &count
	}

	c0, count0 := newCounted()
	defer c0.Close()
	require.Eventually(t, func() bool {
		connMu.Lock()
		defer connMu.Unlock()
		return len(connIDs) == 1
	}, time.Second, 10*time.Millisecond)

	c1, count1 := newCounted()
	defer c1.Close()
	require.Eventually(t, func() bool {
		connMu.Lock()
		defer connMu.Unlock()
		return len(connIDs) == 2
	}, time.Second, 10*time.Millisecond)

	connMu.Lock()
	conn0, ok0 := d.Connection(connIDs[0])
	conn1, ok1 := d.Connection(connIDs[1])
	connMu.Unlock()
	require.True(t, ok0)
	require.True(t, ok1)

	d.Push("foo", nil, server.Broadcast)
	d.Push("foo", nil, server.To(conn0))
	d.Push("foo", nil, server.To(conn0, conn1))

	require.Eventually(t, func() bool {
		return count0.Load() == 3 && count1.Load() == 2
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), count0.Load())
	assert.Equal(t, int64(2), count1.Load())
}

func TestEndToEndPoolMiddleware(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logging.Test(t, logging.Zerolog, t.Name())

	var inHandler atomic.Int64
	var maxSeen atomic.Int64
	release := make(chan struct{})
	schema := server.Schema{
		"WORK": func(ctx context.Context, _ []byte) ([]byte, error) {
			n := inHandler.Add(1)
			for {
				prev := maxSeen.Load()
				if n <= prev || maxSeen.CompareAndSwap(prev, n) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			inHandler.Add(-1)
			return []byte(`"ok"`), nil
		},
	}

	p := pool.New(2, 8)
	d, err := duplex.NewServer(&server.Options{
		Schema:     schema,
		Middleware: []middleware.Middleware{p.Middleware()},
		Logger:     logger,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()
	defer d.Close()

	c, err := duplex.NewClient(&client.Options{URL: wsURL(srv), Logger: logger, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	const calls = 6
	var wg sync.WaitGroup
	results := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := duplex.Dispatch[string](context.Background(), c, "WORK", nil)
			results <- err
		}()
	}

	require.Eventually(t, func() bool { return inHandler.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	for err := range results {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(2), maxSeen.Load())
}

func TestEndToEndHTTPVariant(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logging.Test(t, logging.Zerolog, t.Name())
	d, err := duplex.NewServer(&server.Options{Schema: addSchema(), Logger: logger})
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()
	defer d.Close()

	c, err := duplex.NewClient(&client.Options{URL: srv.URL, HTTP: true, Logger: logger})
	require.NoError(t, err)
	defer c.Close()

	sum, err := duplex.Dispatch[int](context.Background(), c, "ADD", addArgs{X: 20, Y: 22})
	require.NoError(t, err)
	assert.Equal(t, 42, sum)

	_, err = duplex.Dispatch[json.RawMessage](context.Background(), c, "NOPE", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Unknown request type: "NOPE"`)
}
