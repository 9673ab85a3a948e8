package workerproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/JuliaPluto/malt/protocol"
)

// boundedFIFO is a capacity-bounded ring buffer of still-encoded values,
// shared between the goroutine handling "channel.put" calls and the one
// handling "channel.take" calls for the same channel id. Put blocks while
// full; Take blocks while empty. Both respect context cancellation so an
// interrupt unblocks a stuck caller instead of leaking its goroutine
// forever. Closing the connection does not cancel a call's context, so it
// does not unblock a Put or Take.
type boundedFIFO struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []protocol.RawValue
	capacity int
	closed   bool
}

func newBoundedFIFO(capacity int) *boundedFIFO {
	f := &boundedFIFO{capacity: capacity}
	f.notEmpty = sync.NewCond(&f.mu)
	f.notFull = sync.NewCond(&f.mu)
	return f
}

// Put appends v, blocking while the buffer is at capacity.
func (f *boundedFIFO) Put(ctx context.Context, v protocol.RawValue) error {
	done := f.watchCancel(ctx, f.notFull)
	defer done()

	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) >= f.capacity && ctx.Err() == nil {
		f.notFull.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.items = append(f.items, v)
	f.notEmpty.Signal()
	return nil
}

// Take removes and returns the oldest value, blocking while empty.
func (f *boundedFIFO) Take(ctx context.Context) (protocol.RawValue, error) {
	done := f.watchCancel(ctx, f.notEmpty)
	defer done()

	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) == 0 && ctx.Err() == nil {
		f.notEmpty.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := f.items[0]
	f.items = f.items[1:]
	f.notFull.Signal()
	return v, nil
}

// Ready reports whether Take would currently return without blocking.
func (f *boundedFIFO) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items) > 0
}

// Wait blocks until Ready would report true.
func (f *boundedFIFO) Wait(ctx context.Context) error {
	done := f.watchCancel(ctx, f.notEmpty)
	defer done()

	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) == 0 && ctx.Err() == nil {
		f.notEmpty.Wait()
	}
	return ctx.Err()
}

// watchCancel wakes cond once ctx is done, so a blocked Wait() call on a
// sync.Cond (which has no native context support) still returns promptly.
func (f *boundedFIFO) watchCancel(ctx context.Context, cond *sync.Cond) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.Broadcast()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

// channelRegistry is the process-wide table of RemoteChannel FIFOs, keyed
// by the same id space as call correlation ids. It is lazily populated:
// the worker process never pre-allocates channel slots, since most workers
// never use RemoteChannel at all.
type channelRegistry struct {
	channels sync.Map // uint64 -> *boundedFIFO
}

var globalChannels channelRegistry

func (c *channelRegistry) create(id uint64, capacity int) {
	c.channels.Store(id, newBoundedFIFO(capacity))
}

func (c *channelRegistry) get(id uint64) (*boundedFIFO, error) {
	v, ok := c.channels.Load(id)
	if !ok {
		return nil, fmt.Errorf("workerproc: no channel registered with id %d", id)
	}
	return v.(*boundedFIFO), nil
}
