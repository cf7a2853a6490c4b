package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/protocol"
)

// commander is the single-writer funnel for outbound protocol commands.
// Callers and watchdogs both hold it as their protocol.Commander; every call
// is serialized through one loop goroutine that owns the adapter and is paced
// by a rate limiter, so concurrent units can never interleave or flood the
// protocol client.
type commander struct {
	logger  *zap.Logger
	limiter *rate.Limiter

	mu   sync.RWMutex
	impl protocol.Commander

	reqs      chan *commandRequest
	done      chan struct{}
	closeOnce sync.Once
}

type commandRequest struct {
	ctx  context.Context
	fn   func(ctx context.Context, impl protocol.Commander) error
	errc chan error
}

var _ protocol.Commander = (*commander)(nil)

func newCommander(logger *zap.Logger, impl protocol.Commander, perSecond float64) *commander {
	c := &commander{
		logger:  logger.Named("commander"),
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		impl:    impl,
		reqs:    make(chan *commandRequest),
		done:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// swap replaces the underlying adapter after a reconnect. In-flight commands
// keep the adapter they started with.
func (c *commander) swap(impl protocol.Commander) {
	c.mu.Lock()
	c.impl = impl
	c.mu.Unlock()
}

func (c *commander) current() protocol.Commander {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.impl
}

// stop shuts the loop down. Queued callers are released with ErrSessionClosed.
func (c *commander) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *commander) loop() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.reqs:
			if err := c.limiter.Wait(req.ctx); err != nil {
				req.errc <- err
				continue
			}
			req.errc <- req.fn(req.ctx, c.current())
		}
	}
}

// do submits one command to the loop and waits for its outcome. A cancelled
// caller stops waiting; the buffered reply channel lets the loop move on.
func (c *commander) do(ctx context.Context, fn func(ctx context.Context, impl protocol.Commander) error) error {
	req := &commandRequest{ctx: ctx, fn: fn, errc: make(chan error, 1)}
	select {
	case c.reqs <- req:
	case <-c.done:
		return schemas.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.errc:
		return err
	case <-c.done:
		return schemas.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -- protocol.Commander --

func (c *commander) Navigate(ctx context.Context, url string) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.Navigate(ctx, url)
	})
}

func (c *commander) StopLoading(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.StopLoading(ctx)
	})
}

func (c *commander) ContinueRequest(ctx context.Context, requestID string) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.ContinueRequest(ctx, requestID)
	})
}

func (c *commander) FailRequest(ctx context.Context, requestID string) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.FailRequest(ctx, requestID)
	})
}

func (c *commander) SetInterception(ctx context.Context, enabled bool) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.SetInterception(ctx, enabled)
	})
}

func (c *commander) HandleDialog(ctx context.Context, dialogID string, accept bool, promptText string) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.HandleDialog(ctx, dialogID, accept, promptText)
	})
}

func (c *commander) SetFileChooserInterception(ctx context.Context, enabled bool) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.SetFileChooserInterception(ctx, enabled)
	})
}

func (c *commander) SetFiles(ctx context.Context, nodeID int64, files []string) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.SetFiles(ctx, nodeID, files)
	})
}

func (c *commander) SetDownloadBehavior(ctx context.Context, dir string) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.SetDownloadBehavior(ctx, dir)
	})
}

func (c *commander) CaptureSnapshot(ctx context.Context) (*schemas.RawSnapshot, error) {
	var raw *schemas.RawSnapshot
	err := c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		var err error
		raw, err = impl.CaptureSnapshot(ctx)
		return err
	})
	return raw, err
}

func (c *commander) ClickAt(ctx context.Context, x, y float64) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.ClickAt(ctx, x, y)
	})
}

func (c *commander) InsertText(ctx context.Context, text string) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.InsertText(ctx, text)
	})
}

func (c *commander) Evaluate(ctx context.Context, script string) (any, error) {
	var out any
	err := c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		var err error
		out, err = impl.Evaluate(ctx, script)
		return err
	})
	return out, err
}

func (c *commander) Close(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context, impl protocol.Commander) error {
		return impl.Close(ctx)
	})
}
