// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripRequest(t *testing.T) {
	env := NewRequest("ADD", "req-1", json.RawMessage(`{"x":3,"y":5}`))
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindRequest, decoded.Kind)
	assert.Equal(t, "ADD", decoded.Type)
	assert.Equal(t, "req-1", decoded.ID)
	assert.JSONEq(t, `{"x":3,"y":5}`, string(decoded.Payload))
}

func TestRoundTripOK(t *testing.T) {
	env := NewOK("req-1", json.RawMessage(`8`))
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindOK, decoded.Kind)
	assert.Equal(t, "req-1", decoded.ID)
	assert.Equal(t, json.RawMessage(`8`), decoded.Payload)
}

func TestRoundTripErr(t *testing.T) {
	env := NewErr("req-1", json.RawMessage(`{"message":"boom"}`))
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindErr, decoded.Kind)
	assert.JSONEq(t, `{"message":"boom"}`, string(decoded.Error))
}

func TestRoundTripPush(t *testing.T) {
	env := NewPush("foo", json.RawMessage(`null`))
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindPush, decoded.Kind)
	assert.Equal(t, "foo", decoded.Event)
	assert.Empty(t, decoded.ID)
}

func TestDecodeUnknownFieldsPreservedNotReplayed(t *testing.T) {
	decoded, err := Decode([]byte(`{"type":"OK","id":"x","payload":1,"trace":"abc"}`))
	require.NoError(t, err)
	require.Contains(t, decoded.Extra(), "trace")

	data, err := decoded.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "trace")
}

func TestDecodeBadFrame(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.ErrorIs(t, err, ErrBadFrame)

	_, err = Decode([]byte(`{"id":"x"}`))
	require.ErrorIs(t, err, ErrBadFrame)
}
