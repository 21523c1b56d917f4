// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingMiddleware(name string, order *[]string) Middleware {
	return func(ctx context.Context, payload []byte, next Handler) ([]byte, error) {
		*order = append(*order, name+":before")
		resp, err := next(ctx, payload)
		*order = append(*order, name+":after")
		return resp, err
	}
}

func TestChainOrderAndTerminal(t *testing.T) {
	var order []string
	terminalCalled := false
	terminal := Handler(func(ctx context.Context, payload []byte) ([]byte, error) {
		terminalCalled = true
		order = append(order, "terminal")
		return payload, nil
	})

	chain := Chain([]Middleware{
		recordingMiddleware("m1", &order),
		recordingMiddleware("m2", &order),
	}, terminal)

	resp, err := chain(context.Background(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), resp)
	assert.True(t, terminalCalled)
	assert.Equal(t, []string{"m1:before", "m2:before", "terminal", "m2:after", "m1:after"}, order)
}

func TestChainShortCircuit(t *testing.T) {
	terminalCalled := false
	terminal := Handler(func(ctx context.Context, payload []byte) ([]byte, error) {
		terminalCalled = true
		return nil, nil
	})

	shortCircuit := Middleware(func(ctx context.Context, payload []byte, next Handler) ([]byte, error) {
		return []byte("short"), nil
	})

	chain := Chain([]Middleware{shortCircuit}, terminal)
	resp, err := chain(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), resp)
	assert.False(t, terminalCalled)
}

func TestChainPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	terminal := Handler(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, boom
	})
	chain := Chain(nil, terminal)
	_, err := chain(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestChainRecoversPanic(t *testing.T) {
	terminal := Handler(func(ctx context.Context, payload []byte) ([]byte, error) {
		panic("kaboom")
	})
	chain := Chain(nil, terminal)
	_, err := chain(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}
