package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	payload := VoteCastPayload{CardValue: "5"}
	raw, werr := Encode(TypeVoteCast, "req-1", payload)
	require.Nil(t, werr)

	env, werr := Decode(raw)
	require.Nil(t, werr)
	assert.Equal(t, TypeVoteCast, env.Type)
	assert.Equal(t, "req-1", env.RequestID)

	var decoded VoteCastPayload
	werr = DecodePayload(env, &decoded)
	require.Nil(t, werr)
	assert.Equal(t, payload, decoded)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, werr := Decode([]byte(`{not json`))
	require.NotNil(t, werr)
	assert.Equal(t, CodeValidationError, werr.Code)
}

func TestDecode_MissingType(t *testing.T) {
	_, werr := Decode([]byte(`{"requestId":"x"}`))
	require.NotNil(t, werr)
	assert.Equal(t, CodeValidationError, werr.Code)
}

func TestDecode_TypeTooLong(t *testing.T) {
	longType := make([]byte, 70)
	for i := range longType {
		longType[i] = 'a'
	}
	raw := []byte(`{"type":"` + string(longType) + `"}`)
	_, werr := Decode(raw)
	require.NotNil(t, werr)
	assert.Equal(t, CodeValidationError, werr.Code)
}

func TestDecodePayload_MalformedPayload(t *testing.T) {
	env := &Envelope{Type: TypeVoteCast, Payload: []byte(`{"cardValue": 5}`)} // wrong type for string field
	var dst VoteCastPayload
	werr := DecodePayload(env, &dst)
	require.NotNil(t, werr)
	assert.Equal(t, CodeValidationError, werr.Code)
}

func TestDecodePayload_MissingPayload(t *testing.T) {
	env := &Envelope{Type: TypeVoteCast}
	var dst VoteCastPayload
	werr := DecodePayload(env, &dst)
	require.NotNil(t, werr)
	assert.Equal(t, CodeValidationError, werr.Code)
}

func TestEncodeError_EchoesRequestID(t *testing.T) {
	werr := NewWireError(CodeForbidden, "not allowed", nil)
	raw := EncodeError("req-42", werr)

	env, decodeErr := Decode(raw)
	require.Nil(t, decodeErr)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "req-42", env.RequestID)

	var payload ErrorPayload
	werr2 := DecodePayload(env, &payload)
	require.Nil(t, werr2)
	assert.Equal(t, CodeForbidden, payload.Code)
	assert.Equal(t, "not allowed", payload.Message)
}

func TestEncode_UnknownFieldsIgnoredOnDecode(t *testing.T) {
	raw := []byte(`{"type":"room.join.v1","requestId":"r1","payload":{"displayName":"Alice"},"extra":"field"}`)
	env, werr := Decode(raw)
	require.Nil(t, werr)
	assert.Equal(t, "room.join.v1", env.Type)

	var p RoomJoinPayload
	werr = DecodePayload(env, &p)
	require.Nil(t, werr)
	assert.Equal(t, "Alice", p.DisplayName)
}

func TestWireError_ErrorString(t *testing.T) {
	werr := NewWireError(CodeRateLimitExceeded, "too many messages", nil)
	assert.Contains(t, werr.Error(), "4006")
	assert.Contains(t, werr.Error(), "too many messages")
}
