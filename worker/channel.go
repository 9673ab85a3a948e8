package worker

import (
	"context"
	"fmt"
)

// RemoteChannel is a handle to a worker-hosted FIFO, addressed by id and
// manipulated entirely through RPCs against the worker's "channel.*"
// builtins. It has no client-side buffering of its own.
type RemoteChannel struct {
	worker *Handle
	id     uint64
}

// NewRemoteChannel creates a worker-hosted FIFO of the given capacity and
// returns a handle to it. The creation call blocks until the worker
// confirms the channel exists, so a subsequent Put can never race its
// creation. The channel id is drawn from h's own correlation id counter,
// so it never equals the id of any call made on h.
func NewRemoteChannel(ctx context.Context, h *Handle, capacity int) (*RemoteChannel, error) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()
	if err := h.Wait(ctx, "channel.create", id, capacity); err != nil {
		return nil, fmt.Errorf("worker: creating remote channel: %w", err)
	}
	return &RemoteChannel{worker: h, id: id}, nil
}

// Put adds v to the channel, blocking while it is at capacity.
func (c *RemoteChannel) Put(ctx context.Context, v any) error {
	return c.worker.Wait(ctx, "channel.put", c.id, v)
}

// Take removes and returns the oldest value, blocking while the channel is
// empty.
func (c *RemoteChannel) Take(ctx context.Context) (any, error) {
	return c.worker.Fetch(ctx, "channel.take", c.id)
}

// Ready reports whether Take would currently return without blocking.
func (c *RemoteChannel) Ready(ctx context.Context) (bool, error) {
	v, err := c.worker.Fetch(ctx, "channel.ready", c.id)
	if err != nil {
		return false, err
	}
	ready, _ := v.(bool)
	return ready, nil
}

// Wait blocks until Ready would report true.
func (c *RemoteChannel) Wait(ctx context.Context) error {
	return c.worker.Wait(ctx, "channel.wait", c.id)
}

// Close is a documented no-op: the worker-side FIFO outlives a manager
// that stops referencing its RemoteChannel, matching the source system's
// behavior. There is no "channel_close" frame in this protocol.
func (c *RemoteChannel) Close() error {
	return nil
}
