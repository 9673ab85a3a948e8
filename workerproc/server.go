package workerproc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/JuliaPluto/malt/protocol"
	"github.com/JuliaPluto/malt/registry"
	"go.uber.org/zap"
)

// ServeOption configures a Serve call.
type ServeOption func(*serveOptions)

type serveOptions struct {
	ctrl *Controller
}

// WithController makes Serve report the cancel function of whichever call
// is currently "latest" into ctrl, instead of the internal one it would
// otherwise create for itself. This is how a
// worker's own process can route a POSIX signal into "cancel the latest
// call" the same way a KindInterrupt frame does: build a Controller,
// pass it both to RegisterBuiltins (so a "shutdown" call can reach it) and
// to Serve via WithController, and call ctrl.Interrupt() from a signal
// handler.
func WithController(ctrl *Controller) ServeOption {
	return func(o *serveOptions) { o.ctrl = ctrl }
}

// Controller lets code outside the dispatch loop — most importantly a
// worker process's own OS signal handler — trigger the same actions a wire
// frame would: Interrupt cancels the latest running call (what a
// KindInterrupt frame does), and Shutdown tears down the connection the
// way the "shutdown" builtin does in response to a manager's Stop. The
// zero value is usable; Serve installs itself into it once a connection is
// accepted.
type Controller struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	shutdown context.CancelFunc
}

// NewController returns a Controller with no call or connection attached
// yet. Pass it to RegisterBuiltins and to Serve via WithController before
// a connection exists (e.g. before installing OS signal handlers).
func NewController() *Controller {
	return &Controller{}
}

// Interrupt cancels whichever call is currently the latest one, exactly as
// a KindInterrupt frame would. It is a no-op if no call has run yet or
// Serve hasn't attached a connection.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown tears down the current connection, making Serve return. It is a
// no-op if Serve hasn't attached a connection yet.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	shutdown := c.shutdown
	c.mu.Unlock()
	if shutdown != nil {
		shutdown()
	}
}

func (c *Controller) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

func (c *Controller) setShutdown(shutdown context.CancelFunc) {
	c.mu.Lock()
	c.shutdown = shutdown
	c.mu.Unlock()
}

// Serve accepts exactly one connection on ln, then dispatches frames
// against reg until the connection closes or ctx is canceled. It returns
// nil on a clean close, and a non-nil error for anything else (the
// listener failing to accept, or a fatal read on the connection).
//
// Calls run concurrently: each KindCall/KindCallNoReply spawns its own
// goroutine so the dispatch loop keeps reading while a slow call runs, but
// only the most recently spawned call is tracked, so a KindInterrupt only
// ever targets that one.
// An OS-level interrupt delivered to the worker process itself must not
// tear down this loop (spec.md §4.2 step 5): route it through a Controller
// passed via WithController instead of canceling ctx.
func Serve(ctx context.Context, ln net.Listener, reg *registry.Registry, log *zap.SugaredLogger, opts ...ServeOption) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("workerproc")

	o := serveOptions{ctrl: NewController()}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("workerproc: accepting manager connection: %w", err)
	}
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		if err := setQuickAck(tcpConn); err != nil {
			log.Debugw("setting TCP_QUICKACK failed, continuing without it", "error", err)
		}
	}

	writer := protocol.NewWriter(conn)
	reader := protocol.NewReader(conn)

	disp := &dispatcher{reg: reg, writer: writer, log: log, ctrl: o.ctrl}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.ctrl.setShutdown(cancel)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if err == protocol.ErrClosed {
				return nil
			}
			return fmt.Errorf("workerproc: reading frame: %w", err)
		}

		if frame.DecodeErr != nil {
			log.Warnw("dropping frame with undecodable body", "id", frame.ID, "kind", frame.Kind, "error", frame.DecodeErr)
			if frame.Kind == protocol.KindCall {
				_ = writer.WriteFrame(protocol.KindFailure, frame.ID, protocol.FailurePayload{Message: frame.DecodeErr.Error()})
			}
			continue
		}

		switch frame.Kind {
		case protocol.KindCall:
			disp.dispatch(frame.ID, frame.Body, true)
		case protocol.KindCallNoReply:
			disp.dispatch(frame.ID, frame.Body, false)
		case protocol.KindInterrupt:
			disp.interruptLatest()
		default:
			log.Warnw("ignoring frame of unexpected kind", "kind", frame.Kind, "id", frame.ID)
		}
	}
}

// dispatcher owns the registry and the reply writer; the cancel function
// of whichever call is currently the "latest" one lives in ctrl, so both a
// KindInterrupt frame and an OS-level signal reach the same call.
type dispatcher struct {
	reg    *registry.Registry
	writer *protocol.Writer
	log    *zap.SugaredLogger
	ctrl   *Controller
}

func (d *dispatcher) dispatch(id uint64, body []byte, reply bool) {
	var call protocol.CallPayload
	if err := protocol.DecodeBody(body, &call); err != nil {
		d.log.Warnw("call body decoded as a frame but not as a CallPayload", "id", id, "error", err)
		if reply {
			_ = d.writer.WriteFrame(protocol.KindFailure, id, protocol.FailurePayload{Message: err.Error()})
		}
		return
	}

	callCtx, cancel := context.WithCancel(context.Background())
	d.ctrl.setCancel(cancel)

	go d.run(callCtx, cancel, id, call, reply)
}

func (d *dispatcher) run(ctx context.Context, cancel context.CancelFunc, id uint64, call protocol.CallPayload, reply bool) {
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("registered function panicked", "function", call.Function, "id", id, "panic", r)
			if reply {
				_ = d.writer.WriteFrame(protocol.KindFailure, id, protocol.FailurePayload{Message: fmt.Sprintf("panic: %v", r)})
			}
		}
	}()

	value, err := d.reg.Invoke(ctx, call.Function, call.Args)
	if !reply {
		if err != nil {
			d.log.Warnw("call-no-reply function returned an error", "function", call.Function, "error", err)
		}
		return
	}

	if err != nil {
		_ = d.writer.WriteFrame(protocol.KindFailure, id, protocol.FailurePayload{Message: err.Error()})
		return
	}

	encoded, err := protocol.EncodeBody(value)
	if err != nil {
		_ = d.writer.WriteFrame(protocol.KindFailure, id, protocol.FailurePayload{Message: fmt.Sprintf("encoding result: %s", err)})
		return
	}
	_ = d.writer.WriteFrame(protocol.KindResult, id, protocol.ResultPayload{Value: encoded})
}

func (d *dispatcher) interruptLatest() {
	d.ctrl.Interrupt()
}
