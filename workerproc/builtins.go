package workerproc

import (
	"context"
	"fmt"
	"time"

	"github.com/JuliaPluto/malt/protocol"
	"github.com/JuliaPluto/malt/registry"
)

// Symbols is a worker-side table of named values that "eval" can look up.
// It is the statically typed substitute for evaluating an arbitrary
// expression against a dynamic language's global scope: a Go worker can
// only return values it was told about ahead of time.
type Symbols struct {
	values map[string]any
}

// NewSymbols returns an empty symbol table.
func NewSymbols() *Symbols {
	return &Symbols{values: make(map[string]any)}
}

// Set binds name to v, overwriting any previous binding.
func (s *Symbols) Set(name string, v any) {
	s.values[name] = v
}

// RegisterBuiltins installs the functions every worker provides regardless
// of what the caller's own code registers: "echo", "eval", "sleep",
// "shutdown", and the five "channel.*" RemoteChannel RPCs. ctrl is the same
// Controller passed to Serve via WithController: "shutdown" is how
// Handle.Stop asks the worker to terminate itself cleanly (spec.md §4.5),
// by firing a do-frame that reaches ctrl.Shutdown() instead of the manager
// closing the connection unilaterally.
func RegisterBuiltins(reg *registry.Registry, symbols *Symbols, ctrl *Controller) {
	reg.Register("echo", builtinEcho)
	reg.Register("eval", builtinEval(symbols))
	reg.Register("sleep", builtinSleep)
	reg.Register("shutdown", builtinShutdown(ctrl))
	reg.Register("channel.create", builtinChannelCreate)
	reg.Register("channel.put", builtinChannelPut)
	reg.Register("channel.take", builtinChannelTake)
	reg.Register("channel.ready", builtinChannelReady)
	reg.Register("channel.wait", builtinChannelWait)
}

func builtinEcho(_ context.Context, args []protocol.RawValue) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}

func builtinEval(symbols *Symbols) registry.Func {
	return func(_ context.Context, args []protocol.RawValue) (any, error) {
		var name string
		if len(args) == 0 {
			return nil, fmt.Errorf("workerproc: eval requires a symbol name argument")
		}
		if err := protocol.DecodeBody(args[0], &name); err != nil {
			return nil, fmt.Errorf("workerproc: decoding eval symbol name: %w", err)
		}
		v, ok := symbols.values[name]
		if !ok {
			return nil, fmt.Errorf("workerproc: no symbol named %q", name)
		}
		return v, nil
	}
}

func builtinSleep(ctx context.Context, args []protocol.RawValue) (any, error) {
	var seconds float64
	if len(args) > 0 {
		if err := protocol.DecodeBody(args[0], &seconds); err != nil {
			return nil, fmt.Errorf("workerproc: decoding sleep duration: %w", err)
		}
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// builtinShutdown is invoked as a call-no-reply: by the time a reply could
// be written the connection is going down anyway, so Handle.Stop fires it
// with Do, not Fetch.
func builtinShutdown(ctrl *Controller) registry.Func {
	return func(_ context.Context, _ []protocol.RawValue) (any, error) {
		ctrl.Shutdown()
		return nil, nil
	}
}

func decodeChannelID(args []protocol.RawValue) (uint64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("workerproc: channel call requires an id argument")
	}
	var id uint64
	if err := protocol.DecodeBody(args[0], &id); err != nil {
		return 0, fmt.Errorf("workerproc: decoding channel id: %w", err)
	}
	return id, nil
}

func builtinChannelCreate(_ context.Context, args []protocol.RawValue) (any, error) {
	id, err := decodeChannelID(args)
	if err != nil {
		return nil, err
	}
	capacity := 1
	if len(args) > 1 {
		if err := protocol.DecodeBody(args[1], &capacity); err != nil {
			return nil, fmt.Errorf("workerproc: decoding channel capacity: %w", err)
		}
	}
	globalChannels.create(id, capacity)
	return nil, nil
}

func builtinChannelPut(ctx context.Context, args []protocol.RawValue) (any, error) {
	id, err := decodeChannelID(args)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("workerproc: channel.put requires a value argument")
	}
	fifo, err := globalChannels.get(id)
	if err != nil {
		return nil, err
	}
	return nil, fifo.Put(ctx, args[1])
}

func builtinChannelTake(ctx context.Context, args []protocol.RawValue) (any, error) {
	id, err := decodeChannelID(args)
	if err != nil {
		return nil, err
	}
	fifo, err := globalChannels.get(id)
	if err != nil {
		return nil, err
	}
	v, err := fifo.Take(ctx)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func builtinChannelReady(_ context.Context, args []protocol.RawValue) (any, error) {
	id, err := decodeChannelID(args)
	if err != nil {
		return nil, err
	}
	fifo, err := globalChannels.get(id)
	if err != nil {
		return nil, err
	}
	return fifo.Ready(), nil
}

func builtinChannelWait(ctx context.Context, args []protocol.RawValue) (any, error) {
	id, err := decodeChannelID(args)
	if err != nil {
		return nil, err
	}
	fifo, err := globalChannels.get(id)
	if err != nil {
		return nil, err
	}
	return nil, fifo.Wait(ctx)
}
