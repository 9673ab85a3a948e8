package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/JuliaPluto/malt/protocol"
	"github.com/JuliaPluto/malt/registry"
	"github.com/JuliaPluto/malt/workerproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// dialHandle builds a Handle directly against a net.Conn, bypassing Spawn,
// so the protocol can be exercised without a real subprocess.
func dialHandle(t *testing.T, conn net.Conn) *Handle {
	t.Helper()
	h := &Handle{
		log:     zap.NewNop().Sugar(),
		conn:    conn,
		writer:  protocol.NewWriter(conn),
		pending: make(map[uint64]chan Result),
		done:    make(chan struct{}),
	}
	go h.receiveLoop()
	t.Cleanup(func() { h.terminate(nil) })
	return h
}

func serveInProcess(t *testing.T) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	reg := registry.New()
	ctrl := workerproc.NewController()
	workerproc.RegisterBuiltins(reg, workerproc.NewSymbols(), ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go workerproc.Serve(ctx, ln, reg, nil, workerproc.WithController(ctrl))

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFetchRoundTrip(t *testing.T) {
	h := dialHandle(t, serveInProcess(t))

	result, err := h.Fetch(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestFetchUnknownFunctionReturnsRemoteError(t *testing.T) {
	h := dialHandle(t, serveInProcess(t))

	_, err := h.Fetch(context.Background(), "nonexistent")
	require.Error(t, err)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
}

func TestDoDoesNotWaitForReply(t *testing.T) {
	h := dialHandle(t, serveInProcess(t))
	require.NoError(t, h.Do("echo", "fire and forget"))
}

func TestGoFutureAwait(t *testing.T) {
	h := dialHandle(t, serveInProcess(t))

	future, err := h.Go("echo", 7)
	require.NoError(t, err)
	v, err := future.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, int(v.(uint64)))
}

func TestStopWakesPendingCallsWithErrTerminated(t *testing.T) {
	h := dialHandle(t, serveInProcess(t))

	future, err := h.Go("sleep", 30.0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Stop()
	}()

	_, err = future.Await(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestRemoteChannelPutTake(t *testing.T) {
	h := dialHandle(t, serveInProcess(t))
	ctx := context.Background()

	ch, err := NewRemoteChannel(ctx, h, 2)
	require.NoError(t, err)

	require.NoError(t, ch.Put(ctx, "first"))
	ready, err := ch.Ready(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	v, err := ch.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	require.NoError(t, ch.Close())
}

func TestStopIssuesShutdownAndTerminates(t *testing.T) {
	h := dialHandle(t, serveInProcess(t))

	issued := h.Stop()
	assert.True(t, issued)
	assert.True(t, h.Terminated())

	// A second Stop has nothing left to ask: the handle is already
	// terminated, so it reports false rather than erroring.
	assert.False(t, h.Stop())
}

func TestWaitForExitReturnsNilWithoutAProcess(t *testing.T) {
	h := dialHandle(t, serveInProcess(t))
	require.NoError(t, h.WaitForExit(10*time.Millisecond))
}
