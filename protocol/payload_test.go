package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeArgsPreservesOrderAndValues(t *testing.T) {
	args, err := EncodeArgs(1, "two", []int{3, 4})
	require.NoError(t, err)
	require.Len(t, args, 3)

	var n int
	require.NoError(t, DecodeBody(args[0], &n))
	assert.Equal(t, 1, n)

	var s string
	require.NoError(t, DecodeBody(args[1], &s))
	assert.Equal(t, "two", s)

	var nums []int
	require.NoError(t, DecodeBody(args[2], &nums))
	assert.Equal(t, []int{3, 4}, nums)
}

func TestEncodeBodyIsDeterministic(t *testing.T) {
	payload := CallPayload{Function: "f"}
	payload.Args, _ = EncodeArgs(map[string]int{"b": 2, "a": 1})

	a, err := EncodeBody(payload)
	require.NoError(t, err)
	b, err := EncodeBody(payload)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFailurePayloadOmitsEmptyTraceback(t *testing.T) {
	encoded, err := EncodeBody(FailurePayload{Message: "bad"})
	require.NoError(t, err)

	var decoded FailurePayload
	require.NoError(t, DecodeBody(encoded, &decoded))
	assert.Equal(t, "bad", decoded.Message)
	assert.Empty(t, decoded.Traceback)
}
