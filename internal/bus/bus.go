// Package bus implements the typed publish/subscribe dispatcher that connects
// the session manager, the protocol adapter, and the watchdog units.
package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// Handler processes one event. Handlers run on the bus dispatch goroutine, in
// global publish order; a failing handler is logged and isolated, it never
// affects other subscribers or the publisher.
type Handler func(ctx context.Context, ev schemas.Event) error

// Subscription is the handle returned by Subscribe and consumed by Unsubscribe.
type Subscription struct {
	id      uint64
	name    string
	kinds   map[schemas.EventKind]struct{}
	handler Handler
	// after is the sequence watermark at subscribe time. The dispatcher never
	// delivers events at or below it, so a late subscriber observes a clean
	// suffix of the stream.
	after uint64
}

// Bus is a bounded, totally-ordered event dispatcher. One Bus is owned by
// exactly one session; it is constructed at session start and closed at
// session teardown.
type Bus struct {
	logger   *zap.Logger
	capacity int

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    []schemas.Event
	subs     []*Subscription
	nextID   uint64
	seq      uint64
	closed   bool

	closeOnce sync.Once
	done      chan struct{}
}

type dispatchCtxKey struct{}

// isDispatchCtx reports whether ctx originates from the bus dispatch path.
// Publishes from that path are admitted past the capacity bound: the
// dispatcher is the only thing that frees queue space, so blocking it on its
// own queue would deadlock the session.
func isDispatchCtx(ctx context.Context) bool {
	v, _ := ctx.Value(dispatchCtxKey{}).(bool)
	return v
}

// New creates a Bus with the given bounded queue capacity and starts its
// dispatch goroutine.
func New(logger *zap.Logger, capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	b := &Bus{
		logger:   logger.Named("bus"),
		capacity: capacity,
		done:     make(chan struct{}),
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Publish assigns the event its global sequence number and enqueues it.
// When the queue is full the producer blocks until space frees, the context is
// cancelled, or the bus closes. Events are never dropped.
func (b *Bus) Publish(ctx context.Context, ev schemas.Event) (uint64, error) {
	fromDispatch := isDispatchCtx(ctx)

	// Wake the admission wait when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.notFull.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.closed && !fromDispatch && len(b.queue) >= b.capacity {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b.notFull.Wait()
	}
	if b.closed {
		return 0, schemas.ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.queue = append(b.queue, ev)
	b.notEmpty.Signal()
	return ev.Seq, nil
}

// Subscribe registers a handler for the given event kinds. The subscriber
// observes only events published after this call returns.
func (b *Bus) Subscribe(name string, handler Handler, kinds ...schemas.EventKind) *Subscription {
	if len(kinds) == 0 {
		panic("bus: must subscribe to at least one event kind")
	}
	kindSet := make(map[schemas.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		name:    name,
		kinds:   kindSet,
		handler: handler,
		after:   b.seq,
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes a subscription. It is safe to call from a handler and
// safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close rejects further publishes, drains the queued events through the
// dispatcher, waits for the handler in flight, and returns. Idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.notEmpty.Broadcast()
		b.notFull.Broadcast()
		b.mu.Unlock()
	})
	<-b.done
}

// dispatch is the single delivery loop. Processing one event at a time off a
// FIFO gives every subscriber the same total order.
func (b *Bus) dispatch() {
	defer close(b.done)

	dispatchCtx := context.WithValue(context.Background(), dispatchCtxKey{}, true)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.notEmpty.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]

		var targets []*Subscription
		for _, sub := range b.subs {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				continue
			}
			if ev.Seq <= sub.after {
				continue
			}
			targets = append(targets, sub)
		}
		b.notFull.Broadcast()
		b.mu.Unlock()

		for _, sub := range targets {
			b.deliver(dispatchCtx, sub, ev)
		}
	}
}

// deliver invokes a single handler, containing errors and panics so a broken
// subscriber cannot break delivery to its siblings.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, ev schemas.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber handler panicked.",
				zap.String("subscriber", sub.name),
				zap.String("kind", string(ev.Kind)),
				zap.Uint64("seq", ev.Seq),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	if err := sub.handler(ctx, ev); err != nil {
		b.logger.Warn("Subscriber handler failed.",
			zap.String("subscriber", sub.name),
			zap.String("kind", string(ev.Kind)),
			zap.Uint64("seq", ev.Seq),
			zap.Error(err),
		)
	}
}

// LastSeq returns the sequence number of the most recently admitted event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// String implements fmt.Stringer for diagnostics.
func (b *Bus) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("bus(queued=%d subs=%d seq=%d closed=%v)", len(b.queue), len(b.subs), b.seq, b.closed)
}
