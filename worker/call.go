package worker

import (
	"context"

	"github.com/JuliaPluto/malt/protocol"
)

// Future is the pending result of an asynchronous call started with Go.
type Future struct {
	h    *Handle
	sink <-chan Result
}

// Await blocks until the call resolves, ctx is canceled, or the worker
// terminates first.
func (f *Future) Await(ctx context.Context) (any, error) {
	return waitForReply(ctx, f.h, f.sink)
}

func buildCall(function string, args []any) (protocol.CallPayload, error) {
	encoded, err := protocol.EncodeArgs(args...)
	if err != nil {
		return protocol.CallPayload{}, err
	}
	return protocol.CallPayload{Function: function, Args: encoded}, nil
}

// Go issues an asynchronous call: it returns as soon as the frame is
// written, and the caller awaits the Future whenever it needs the result.
func (h *Handle) Go(function string, args ...any) (*Future, error) {
	call, err := buildCall(function, args)
	if err != nil {
		return nil, err
	}
	_, sink, err := h.sendFrame(protocol.KindCall, call, true)
	if err != nil {
		return nil, err
	}
	return &Future{h: h, sink: sink}, nil
}

// Fetch issues a call and blocks until its result or failure arrives.
func (h *Handle) Fetch(ctx context.Context, function string, args ...any) (any, error) {
	future, err := h.Go(function, args...)
	if err != nil {
		return nil, err
	}
	return future.Await(ctx)
}

// Wait issues a call and blocks until it completes, discarding any
// returned value but still surfacing a remote failure.
func (h *Handle) Wait(ctx context.Context, function string, args ...any) error {
	_, err := h.Fetch(ctx, function, args...)
	return err
}

// Do issues a fire-and-forget call: the worker is not asked to reply, and
// Do returns as soon as the frame has been written.
func (h *Handle) Do(function string, args ...any) error {
	call, err := buildCall(function, args)
	if err != nil {
		return err
	}
	_, _, err = h.sendFrame(protocol.KindCallNoReply, call, false)
	return err
}

// Eval is sugar for Fetch(ctx, "eval", name): it looks name up in the
// worker's symbol table and returns its value.
func (h *Handle) Eval(ctx context.Context, name string) (any, error) {
	return h.Fetch(ctx, "eval", name)
}
