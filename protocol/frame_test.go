package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	payload := CallPayload{Function: "echo"}
	payload.Args, _ = EncodeArgs("hello", 42)
	require.NoError(t, w.WriteFrame(KindCall, 7, payload))

	r := NewReader(&buf)
	frame, err := r.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, frame.DecodeErr)
	assert.Equal(t, KindCall, frame.Kind)
	assert.EqualValues(t, 7, frame.ID)

	var decoded CallPayload
	require.NoError(t, DecodeBody(frame.Body, &decoded))
	assert.Equal(t, "echo", decoded.Function)
	require.Len(t, decoded.Args, 2)

	var s string
	require.NoError(t, DecodeBody(decoded.Args[0], &s))
	assert.Equal(t, "hello", s)
}

func TestReadFrameMultipleInSequence(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFrame(KindResult, 1, ResultPayload{}))
	require.NoError(t, w.WriteFrame(KindResult, 2, ResultPayload{}))
	require.NoError(t, w.WriteFrame(KindFailure, 3, FailurePayload{Message: "boom"}))

	r := NewReader(&buf)
	for _, wantID := range []uint64{1, 2, 3} {
		frame, err := r.ReadFrame()
		require.NoError(t, err)
		require.NoError(t, frame.DecodeErr)
		assert.EqualValues(t, wantID, frame.ID)
	}
}

func TestReadFrameCleanClose(t *testing.T) {
	var buf bytes.Buffer
	r := NewReader(&buf)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadFrameResyncsAfterCorruptBody(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	// Hand-craft a frame whose body is not well-formed CBOR, followed by the
	// delimiter, followed by a well-formed frame. The reader must recover.
	buf.WriteByte(byte(KindCall))
	idBytes := make([]byte, 8)
	buf.Write(idBytes)
	buf.Write([]byte{0xFF, 0xFF, 0xFF}) // not well-formed CBOR
	buf.Write(delimiter[:])

	require.NoError(t, w.WriteFrame(KindResult, 99, ResultPayload{}))

	r := NewReader(&buf)
	bad, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Error(t, bad.DecodeErr)

	good, err := r.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, good.DecodeErr)
	assert.EqualValues(t, 99, good.ID)
}

func TestReadFrameFatalOnShortID(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindCall))
	buf.Write([]byte{1, 2, 3}) // short id, stream ends here

	r := NewReader(&buf)
	_, err := r.ReadFrame()
	require.Error(t, err)
	assert.False(t, err == io.EOF)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "call", KindCall.String())
	assert.Equal(t, "serialization-failure", KindSerializationFailure.String())
	assert.Contains(t, Kind(0xAB).String(), "0xab")
}
