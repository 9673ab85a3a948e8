package worker

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/JuliaPluto/malt/protocol"
	"golang.org/x/sys/unix"
)

// Stop asks the worker to shut down cleanly: a "shutdown" call-no-reply
// (spec.md §4.5), which the worker's Controller routes to closing its end
// of the connection at once, without waiting for calls already in flight.
// Stop waits up to its grace period for the process to exit on its own
// before killing it, and leaves the handle terminated either way. It
// reports whether the shutdown request was actually issued — false if the
// handle was already terminated, in which case there was nothing left to
// ask.
func (h *Handle) Stop() bool {
	if h.terminated.Load() {
		return false
	}

	issued := h.Do("shutdown") == nil

	if err := h.WaitForExit(h.stopGracePeriod); err != nil {
		h.Kill()
	}
	h.terminate(nil)
	return issued
}

// WaitForExit blocks until the worker process has exited or timeout
// elapses, whichever comes first. A Handle with no backing process (built
// directly against a net.Conn, as tests do) returns nil immediately.
// Callers that get a timeout error typically escalate to Kill.
func (h *Handle) WaitForExit(timeout time.Duration) error {
	if h.exited == nil {
		return nil
	}
	select {
	case <-h.exited:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker: did not exit within %s (pid %d)", timeout, h.pid())
	}
}

// stopGracePeriod is the default for options.stopGracePeriod (see
// WithStopGracePeriod): how long Stop waits for the worker to exit on its
// own after asking it to shut down, before killing it. It matches the
// grace-period-then-kill policy the receive loop also applies on an
// unexpected transport failure.
const stopGracePeriod = 2 * time.Second

// Kill marks the handle terminated at once and sends the worker process
// SIGTERM (on Windows, where SIGTERM is not defined, it kills the process
// outright). It does not wait for the process to exit.
func (h *Handle) Kill() error {
	h.terminate(nil)
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return h.cmd.Process.Kill()
	}
	return h.cmd.Process.Signal(unix.SIGTERM)
}

// Interrupt asks the worker to cancel its currently running call. On POSIX
// platforms a signal is routable directly to the child, which is cheaper
// and more precise than a round trip through the protocol; on platforms
// without that capability it sends a KindInterrupt frame instead.
func (h *Handle) Interrupt() error {
	if runtime.GOOS == "windows" {
		_, _, err := h.sendFrame(protocol.KindInterrupt, protocol.InterruptPayload{}, false)
		return err
	}
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	return unix.Kill(h.cmd.Process.Pid, unix.SIGINT)
}

var (
	liveHandlesMu sync.Mutex
	liveHandles   = map[*Handle]struct{}{}
)

// registerForFinalization arranges for h.Stop to run if h is garbage
// collected without ever being stopped explicitly, and adds h to the
// package-level registry StopAll drains. Go has no native process-exit
// hook the way some runtimes do; StopAll is the documented substitute a
// manager process calls from its own shutdown path.
func registerForFinalization(h *Handle) {
	liveHandlesMu.Lock()
	liveHandles[h] = struct{}{}
	liveHandlesMu.Unlock()

	runtime.SetFinalizer(h, func(h *Handle) {
		h.Stop()
	})
}

func forgetHandle(h *Handle) {
	liveHandlesMu.Lock()
	delete(liveHandles, h)
	liveHandlesMu.Unlock()
}

// StopAll stops every worker spawned by this process that hasn't already
// been stopped. Call it from the manager's own shutdown path; Go offers no
// equivalent to a finalizer that's guaranteed to run at process exit.
func StopAll() {
	liveHandlesMu.Lock()
	handles := make([]*Handle, 0, len(liveHandles))
	for h := range liveHandles {
		handles = append(handles, h)
	}
	liveHandlesMu.Unlock()

	for _, h := range handles {
		h.Stop()
		forgetHandle(h)
	}
}
