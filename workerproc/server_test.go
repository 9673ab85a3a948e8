package workerproc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/JuliaPluto/malt/protocol"
	"github.com/JuliaPluto/malt/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestServeDispatchesEcho(t *testing.T) {
	ln := listenLoopback(t)
	reg := registry.New()
	ctrl := NewController()
	RegisterBuiltins(reg, NewSymbols(), ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- Serve(ctx, ln, reg, nil, WithController(ctrl)) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	writer := protocol.NewWriter(conn)
	reader := protocol.NewReader(conn)

	args, err := protocol.EncodeArgs("hi")
	require.NoError(t, err)
	require.NoError(t, writer.WriteFrame(protocol.KindCall, 1, protocol.CallPayload{Function: "echo", Args: args}))

	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, frame.DecodeErr)
	assert.Equal(t, protocol.KindResult, frame.Kind)
	assert.EqualValues(t, 1, frame.ID)

	var result protocol.ResultPayload
	require.NoError(t, protocol.DecodeBody(frame.Body, &result))
	var s string
	require.NoError(t, protocol.DecodeBody(result.Value, &s))
	assert.Equal(t, "hi", s)
}

func TestServeReportsUnknownFunction(t *testing.T) {
	ln := listenLoopback(t)
	reg := registry.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Serve(ctx, ln, reg, nil) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	writer := protocol.NewWriter(conn)
	reader := protocol.NewReader(conn)

	require.NoError(t, writer.WriteFrame(protocol.KindCall, 5, protocol.CallPayload{Function: "nope"}))

	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, frame.DecodeErr)
	assert.Equal(t, protocol.KindFailure, frame.Kind)

	var failure protocol.FailurePayload
	require.NoError(t, protocol.DecodeBody(frame.Body, &failure))
	assert.Contains(t, failure.Message, "nope")
}

func TestServeInterruptCancelsLatestCall(t *testing.T) {
	ln := listenLoopback(t)
	reg := registry.New()
	RegisterBuiltins(reg, NewSymbols(), NewController())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Serve(ctx, ln, reg, nil) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	writer := protocol.NewWriter(conn)
	reader := protocol.NewReader(conn)

	args, err := protocol.EncodeArgs(30.0)
	require.NoError(t, err)
	require.NoError(t, writer.WriteFrame(protocol.KindCall, 9, protocol.CallPayload{Function: "sleep", Args: args}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, writer.WriteFrame(protocol.KindInterrupt, 0, protocol.InterruptPayload{}))

	done := make(chan struct{})
	go func() {
		frame, err := reader.ReadFrame()
		require.NoError(t, err)
		require.NoError(t, frame.DecodeErr)
		assert.Equal(t, protocol.KindFailure, frame.Kind)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt did not cancel the sleeping call in time")
	}
}

// TestControllerInterruptCancelsLatestCallWithoutClosingConnection exercises
// the same path an OS-level SIGINT takes in cmd/maltworker: ctrl.Interrupt()
// called directly, never a KindInterrupt wire frame. It must cancel the
// running call without tearing down Serve, so a call issued right
// afterwards on the same connection still succeeds (spec.md §8 scenario 4).
func TestControllerInterruptCancelsLatestCallWithoutClosingConnection(t *testing.T) {
	ln := listenLoopback(t)
	reg := registry.New()
	ctrl := NewController()
	RegisterBuiltins(reg, NewSymbols(), ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Serve(ctx, ln, reg, nil, WithController(ctrl)) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	writer := protocol.NewWriter(conn)
	reader := protocol.NewReader(conn)

	args, err := protocol.EncodeArgs(30.0)
	require.NoError(t, err)
	require.NoError(t, writer.WriteFrame(protocol.KindCall, 9, protocol.CallPayload{Function: "sleep", Args: args}))
	time.Sleep(20 * time.Millisecond)

	ctrl.Interrupt()

	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, frame.DecodeErr)
	assert.Equal(t, protocol.KindFailure, frame.Kind)

	require.NoError(t, writer.WriteFrame(protocol.KindCall, 10, protocol.CallPayload{Function: "echo"}))
	frame, err = reader.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, frame.DecodeErr)
	assert.Equal(t, protocol.KindResult, frame.Kind)
}

// TestShutdownBuiltinClosesConnection exercises the path Handle.Stop takes:
// a "shutdown" call-no-reply, routed through the same Controller Serve was
// given, must make Serve return.
func TestShutdownBuiltinClosesConnection(t *testing.T) {
	ln := listenLoopback(t)
	reg := registry.New()
	ctrl := NewController()
	RegisterBuiltins(reg, NewSymbols(), ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- Serve(ctx, ln, reg, nil, WithController(ctrl)) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	writer := protocol.NewWriter(conn)
	require.NoError(t, writer.WriteFrame(protocol.KindCallNoReply, 0, protocol.CallPayload{Function: "shutdown"}))

	select {
	case <-serveErr:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown call did not make Serve return in time")
	}
}

func TestChannelCreatePutReadyTake(t *testing.T) {
	reg := registry.New()
	RegisterBuiltins(reg, NewSymbols(), NewController())
	ctx := context.Background()

	idArgs, err := protocol.EncodeArgs(uint64(777), 1)
	require.NoError(t, err)
	_, err = reg.Invoke(ctx, "channel.create", idArgs)
	require.NoError(t, err)

	putArgs1, err := protocol.EncodeArgs(uint64(777), "a")
	require.NoError(t, err)
	_, err = reg.Invoke(ctx, "channel.put", putArgs1)
	require.NoError(t, err)

	readyArgs, err := protocol.EncodeArgs(uint64(777))
	require.NoError(t, err)
	ready, err := reg.Invoke(ctx, "channel.ready", readyArgs)
	require.NoError(t, err)
	assert.Equal(t, true, ready)

	takeCtx, takeCancel := context.WithTimeout(ctx, time.Second)
	defer takeCancel()
	v, err := reg.Invoke(takeCtx, "channel.take", readyArgs)
	require.NoError(t, err)

	var s string
	require.NoError(t, protocol.DecodeBody(v.(protocol.RawValue), &s))
	assert.Equal(t, "a", s)
}
