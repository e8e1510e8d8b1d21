// ABOUTME: Tests for envelope encode/decode round-trips and type validation.
// ABOUTME: Covers each payload shape and rejection of unknown/missing types.

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_MessageEnvelope(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	env, err := NewEnvelope(TypeMessage, &MessagePayload{
		ID:         "msg-1",
		Seq:        7,
		AuthorID:   "user-1",
		AuthorName: "Ada",
		Content:    "hello",
		Timestamp:  ts,
	})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, decoded.Type)

	payload, err := DecodePayload[MessagePayload](decoded)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", payload.ID)
	assert.Equal(t, int64(7), payload.Seq)
	assert.Equal(t, "Ada", payload.AuthorName)
	assert.True(t, ts.Equal(payload.Timestamp))
	assert.False(t, payload.IsAssistant)
}

func TestDecode_AllKnownTypes(t *testing.T) {
	for _, typ := range []Type{
		TypeMessage, TypeTyping, TypePing, TypePong,
		TypeUserJoined, TypeUserLeft, TypeAck, TypeError,
	} {
		env := &Envelope{Type: typ}
		data, err := env.Encode()
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err, "type %s should decode", typ)
		assert.Equal(t, typ, decoded.Type)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"telepathy"}`))
	assert.ErrorContains(t, err, "unknown envelope type")
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"payload":{}}`))
	assert.ErrorContains(t, err, "missing type")
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{nope`))
	assert.Error(t, err)
}

func TestDecodePayload_EmptyPayload(t *testing.T) {
	env := &Envelope{Type: TypePing}
	_, err := DecodePayload[MessagePayload](env)
	assert.ErrorContains(t, err, "no payload")
}

func TestDecodePayload_ErrorFrame(t *testing.T) {
	env, err := NewEnvelope(TypeError, &ErrorPayload{
		IdempotencyToken: "tok-1",
		Code:             "persistence_failure",
		Message:          "store unavailable",
		Retryable:        true,
	})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	payload, err := DecodePayload[ErrorPayload](decoded)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", payload.IdempotencyToken)
	assert.True(t, payload.Retryable)
}
