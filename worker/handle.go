package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JuliaPluto/malt/protocol"
	"go.uber.org/zap"
)

// Result is the outcome of a call: exactly one of Value or Err is
// meaningful, mirroring the worker's KindResult/KindFailure frames.
type Result struct {
	Value any
	Err   error
}

// Handle is a running worker process and the connection used to talk to
// it. A Handle is safe for concurrent use: many goroutines may issue calls
// against the same Handle at once.
type Handle struct {
	log  *zap.SugaredLogger
	cmd  *exec.Cmd
	conn net.Conn

	writer *protocol.Writer

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Result

	terminated atomic.Bool
	done       chan struct{}
	stopOnce   sync.Once

	// exited is closed once by the cmd.Wait() goroutine Spawn starts, the
	// only caller allowed to wait on a given *exec.Cmd. It stays nil for a
	// Handle built directly against a net.Conn in tests, where there is no
	// process to wait on.
	exited chan struct{}

	stopGracePeriod time.Duration
}

// sendFrame allocates the next correlation id, installs its reply sink (if
// any), and writes the frame, all under one lock. This is the "id
// allocation, sink installation, and the frame write happen inside one
// critical section" rule: the id space and the pending map can never
// disagree about which ids are in flight.
func (h *Handle) sendFrame(kind protocol.Kind, body any, wantsReply bool) (uint64, <-chan Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.terminated.Load() {
		return 0, nil, fmt.Errorf("%w (pid %d)", ErrTerminated, h.pid())
	}

	h.nextID++
	id := h.nextID

	var sink chan Result
	if wantsReply {
		sink = make(chan Result, 1)
		h.pending[id] = sink
	}

	if err := h.writer.WriteFrame(kind, id, body); err != nil {
		if wantsReply {
			delete(h.pending, id)
		}
		return 0, nil, fmt.Errorf("worker: writing %s frame: %w", kind, err)
	}

	return id, sink, nil
}

func (h *Handle) pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// receiveLoop is the single reader of the connection for this Handle's
// lifetime. It demultiplexes each incoming frame to the pending channel
// its id names, or drops it with a logged warning if no such id is
// outstanding (an unknown-id reply is not treated as a protocol
// violation).
func (h *Handle) receiveLoop() {
	defer h.terminate(nil)

	reader := protocol.NewReader(h.conn)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if err != protocol.ErrClosed {
				h.log.Warnw("worker connection read failed", "pid", h.pid(), "error", err)
				// The connection is the only control channel: a worker
				// still running after the grace period is killed.
				if !h.terminated.Load() && h.exited != nil {
					time.AfterFunc(h.stopGracePeriod, func() {
						select {
						case <-h.exited:
						default:
							h.Kill()
						}
					})
				}
			}
			return
		}

		if frame.DecodeErr != nil {
			h.deliver(frame.ID, Result{Err: &RemoteError{Message: frame.DecodeErr.Error()}})
			continue
		}

		switch frame.Kind {
		case protocol.KindResult:
			var payload protocol.ResultPayload
			if err := protocol.DecodeBody(frame.Body, &payload); err != nil {
				h.deliver(frame.ID, Result{Err: &RemoteError{Message: err.Error()}})
				continue
			}
			var value any
			if err := protocol.DecodeBody(payload.Value, &value); err != nil {
				h.deliver(frame.ID, Result{Err: &RemoteError{Message: err.Error()}})
				continue
			}
			h.deliver(frame.ID, Result{Value: value})
		case protocol.KindFailure:
			var payload protocol.FailurePayload
			if err := protocol.DecodeBody(frame.Body, &payload); err != nil {
				h.deliver(frame.ID, Result{Err: &RemoteError{Message: err.Error()}})
				continue
			}
			h.deliver(frame.ID, Result{Err: &RemoteError{Message: payload.Message}})
		default:
			h.log.Warnw("worker sent an unexpected frame kind", "pid", h.pid(), "kind", frame.Kind, "id", frame.ID)
		}
	}
}

func (h *Handle) deliver(id uint64, result Result) {
	h.mu.Lock()
	sink, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()

	if !ok {
		h.log.Warnw("dropping reply with no matching outstanding call", "pid", h.pid(), "id", id)
		return
	}
	sink <- result
}

// terminate marks the handle dead and wakes every call still waiting on a
// reply with ErrTerminated. It is idempotent.
func (h *Handle) terminate(cause error) {
	h.stopOnce.Do(func() {
		h.terminated.Store(true)
		close(h.done)

		h.mu.Lock()
		pending := h.pending
		h.pending = make(map[uint64]chan Result)
		h.mu.Unlock()

		err := fmt.Errorf("%w (pid %d)", ErrTerminated, h.pid())
		if cause != nil {
			err = fmt.Errorf("%w (pid %d): %v", ErrTerminated, h.pid(), cause)
		}
		for _, sink := range pending {
			sink <- Result{Err: err}
		}

		if closer, ok := h.conn.(io.Closer); ok {
			closer.Close()
		}
		forgetHandle(h)
	})
}

// Terminated reports whether the worker's connection has already been
// lost, whether because the process exited, Stop was called, or a
// transport failure triggered the grace-period kill.
func (h *Handle) Terminated() bool {
	return h.terminated.Load()
}

// Pid returns the worker process's pid, or -1 if it has no process (this
// only happens for a Handle built directly in a test against a bare
// net.Conn, never for one returned by Spawn).
func (h *Handle) Pid() int {
	return h.pid()
}

// waitForReply blocks on sink until it resolves, ctx is canceled, or the
// handle itself is terminated first.
func waitForReply(ctx context.Context, h *Handle, sink <-chan Result) (any, error) {
	select {
	case result := <-sink:
		return result.Value, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, fmt.Errorf("%w (pid %d)", ErrTerminated, h.pid())
	}
}
