package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/JuliaPluto/malt/protocol"
	"github.com/google/uuid"
)

// maltNoStartupFileEnv disables the host-language's own startup file inside
// the worker process, so a worker's behavior doesn't depend on whatever a
// user has sitting in their profile. cmd/maltworker itself doesn't read any
// startup file, but the variable is still set for any worker binary that
// does, consistent with spec.md's reproducibility requirement.
const maltNoStartupFileEnv = "MALT_NO_STARTUP_FILE=1"

// Spawn launches a worker process, waits for its handshake line, connects
// to the port it announces, and starts the receive loop. The returned
// Handle is ready for calls immediately.
func Spawn(ctx context.Context, opts ...Option) (*Handle, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	// cmd's own lifetime follows ctx for as long as the caller holds it open
	// (Stop/Kill are the normal way to end a worker early), but the
	// handshake read below gets its own bounded deadline: a stuck or
	// never-listening worker must not hang Spawn forever just because the
	// caller passed a context with no deadline of its own.
	cmd := exec.CommandContext(ctx, o.exe, o.exeFlags...)
	cmd.Env = append(append(os.Environ(), o.env...), maltNoStartupFileEnv)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: wiring stdout pipe: %w", err)
	}
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: starting process: %w", err)
	}

	handshakeCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, o.connectTimeout)
		defer cancel()
	}

	port, err := readHandshakeLineWithContext(handshakeCtx, stdout)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, &ErrSpawnFailed{Stderr: stderr.String(), Err: err}
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, &ErrSpawnFailed{Stderr: stderr.String(), Err: fmt.Errorf("connecting to worker on port %d: %w", port, err)}
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	traceID := uuid.NewString()
	h := &Handle{
		log:             o.logger.Named("worker").With("pid", cmd.Process.Pid, "trace_id", traceID),
		cmd:             cmd,
		conn:            conn,
		writer:          protocol.NewWriter(conn),
		pending:         make(map[uint64]chan Result),
		done:            make(chan struct{}),
		exited:          make(chan struct{}),
		stopGracePeriod: o.stopGracePeriod,
	}
	h.log.Infow("worker spawned", "exe", o.exe, "port", port)
	go h.receiveLoop()
	// cmd.Wait must be called exactly once for this process; this goroutine
	// is that one call, and Stop/WaitForExit both just select on h.exited.
	go func() {
		cmd.Wait()
		close(h.exited)
	}()
	registerForFinalization(h)

	return h, nil
}

// readHandshakeLineWithContext runs readHandshakeLine on a background
// goroutine and races it against ctx, so a worker that never produces a
// handshake line (and never exits on its own) doesn't hang Spawn forever.
// The goroutine outlives the timeout if it loses the race; its result is
// simply discarded (the caller kills the process regardless).
func readHandshakeLineWithContext(ctx context.Context, stdout interface{ Read([]byte) (int, error) }) (int, error) {
	type result struct {
		port int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := readHandshakeLine(stdout)
		done <- result{port: port, err: err}
	}()

	select {
	case r := <-done:
		return r.port, r.err
	case <-ctx.Done():
		return 0, fmt.Errorf("waiting for handshake line: %w", ctx.Err())
	}
}

// readHandshakeLine reads exactly the one decimal line the worker is
// required to print before accepting any connection. Any failure here
// (process exit, unreadable/empty line, non-numeric content) is a spawn
// failure.
func readHandshakeLine(stdout interface{ Read([]byte) (int, error) }) (int, error) {
	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return 0, fmt.Errorf("reading handshake line: %w", err)
		}
		return 0, fmt.Errorf("worker closed its output before writing a handshake line")
	}
	line := strings.TrimSpace(scanner.Text())
	port, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("handshake line %q is not a port number: %w", line, err)
	}
	return port, nil
}

// connectTimeout is the default for options.connectTimeout (see
// WithConnectTimeout): how long Spawn waits for the handshake line when a
// caller hasn't already bounded ctx with its own deadline.
const connectTimeout = 30 * time.Second
