// Package watchdog holds the five independent units that each own one slice
// of session behavior. Watchdogs communicate only through the event bus and
// issue protocol commands only through the session's Commander; they never
// call each other.
package watchdog

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/bus"
	"github.com/xkilldash9x/browserpilot/internal/protocol"
)

// Watchdog is the shared contract of all units. OnEvent is invoked by the bus
// for each subscribed kind; implementations must be idempotent for events that
// can legitimately be redelivered after a reconnect.
type Watchdog interface {
	Name() string
	Kinds() []schemas.EventKind
	OnEvent(ctx context.Context, ev schemas.Event) error
	// Enable and Disable toggle the unit without destroying it. A disabled
	// watchdog still exists but its OnEvent is a no-op.
	Enable()
	Disable()
	Enabled() bool
}

// Subscribe attaches a watchdog to the bus, gating delivery on its enabled
// flag so disabled units produce no reaction and no protocol commands.
func Subscribe(b *bus.Bus, w Watchdog) *bus.Subscription {
	return b.Subscribe(w.Name(), func(ctx context.Context, ev schemas.Event) error {
		if !w.Enabled() {
			return nil
		}
		return w.OnEvent(ctx, ev)
	}, w.Kinds()...)
}

// maxConsecutiveFailures is the threshold past which a watchdog takes itself
// offline rather than destabilizing the session.
const maxConsecutiveFailures = 3

// retryBackoff is the pause before the single retry of a failed protocol
// command.
const retryBackoff = 250 * time.Millisecond

// base carries the plumbing common to every unit: the enabled flag, the
// command seam, bus publishing, the retry policy, and failure accounting.
type base struct {
	name    string
	logger  *zap.Logger
	cmd     protocol.Commander
	sink    protocol.Sink
	enabled atomic.Bool
	fails   atomic.Int32
}

func newBase(name string, logger *zap.Logger, cmd protocol.Commander, sink protocol.Sink) *base {
	b := &base{
		name:   name,
		logger: logger.Named(name),
		cmd:    cmd,
		sink:   sink,
	}
	b.enabled.Store(true)
	return b
}

func (b *base) Name() string  { return b.name }
func (b *base) Enable()       { b.enabled.Store(true) }
func (b *base) Disable()      { b.enabled.Store(false) }
func (b *base) Enabled() bool { return b.enabled.Load() }

// publish emits a follow-up event attributed to this watchdog.
func (b *base) publish(ctx context.Context, kind schemas.EventKind, payload any) {
	_, err := b.sink.Publish(ctx, schemas.Event{
		Kind:    kind,
		Origin:  schemas.Origin(b.name),
		Payload: payload,
	})
	if err != nil {
		b.logger.Debug("Could not publish event.", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// command runs one protocol command, retrying once with backoff for transient
// failures. A second failure is reported as a WatchdogError event, never
// returned through the bus dispatch path; repeated failures disable the unit.
func (b *base) command(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		b.fails.Store(0)
		return nil
	}
	if !errors.Is(err, context.Canceled) {
		b.logger.Debug("Command failed; retrying once.", zap.String("op", op), zap.Error(err))
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err = fn(ctx); err == nil {
			b.fails.Store(0)
			return nil
		}
	}

	disabled := false
	if b.fails.Add(1) >= maxConsecutiveFailures {
		b.Disable()
		disabled = true
		b.logger.Warn("Watchdog disabled itself after persistent command failures.",
			zap.String("op", op), zap.Error(err))
	} else {
		b.logger.Warn("Command failed after retry.", zap.String("op", op), zap.Error(err))
	}
	b.publish(ctx, schemas.KindWatchdogError, schemas.WatchdogError{
		Watchdog: b.name,
		Err:      err.Error(),
		Disabled: disabled,
	})
	return err
}
