// Package session implements the lifecycle manager that owns one browser
// target: its state machine, its event bus, its watchdog units, and the
// exactly-once action pipeline callers drive it with.
package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/bus"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/dom"
	"github.com/xkilldash9x/browserpilot/internal/protocol"
	"github.com/xkilldash9x/browserpilot/internal/watchdog"
)

// closeDetachTimeout bounds the polite target detach during Close.
const closeDetachTimeout = 5 * time.Second

// Session is the lifecycle manager for one attached browser target. It is the
// only component that changes session state; watchdogs and callers act on it
// exclusively through the bus and the command funnel.
type Session struct {
	id     string
	cfg    *config.Config
	logger *zap.Logger
	bus    *bus.Bus
	cmd    *commander

	mu       sync.Mutex
	state    State
	pending  map[string]*pendingAction
	snapshot *schemas.Snapshot

	watchdogs []watchdog.Watchdog
	subs      []*bus.Subscription

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc

	group        errgroup.Group
	closing      chan struct{}
	closeOnce    sync.Once
	reconnecting atomic.Bool

	// reattachFn is the reconnect handshake, swappable in tests.
	reattachFn func() error
}

// New creates an unattached session owning a fresh event bus.
func New(cfg *config.Config, logger *zap.Logger) *Session {
	id := uuid.New().String()
	logger = logger.Named("session").With(zap.String("session_id", id))
	s := &Session{
		id:      id,
		cfg:     cfg,
		logger:  logger,
		bus:     bus.New(logger, cfg.Session.QueueSize),
		state:   StateUninitialized,
		pending: make(map[string]*pendingAction),
		closing: make(chan struct{}),
	}
	s.reattachFn = s.reattach
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Bus exposes the session's event bus so callers can observe the stream and
// inject caller-origin events.
func (s *Session) Bus() *bus.Bus { return s.bus }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the state machine, rejecting and logging illegal moves.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validTransition(s.state, to) {
		s.logger.Error("Illegal state transition ignored.",
			zap.Stringer("from", s.state), zap.Stringer("to", to))
		return false
	}
	s.logger.Info("Session state changed.",
		zap.Stringer("from", s.state), zap.Stringer("to", to))
	s.state = to
	return true
}

// Attach launches or connects to a browser, attaches to a target, enables the
// protocol domains, and brings the watchdog units online. An empty target
// launches a local browser; a ws:// or http:// target attaches to a running
// one. The handshake is bounded by session.attach_timeout.
func (s *Session) Attach(ctx context.Context, target string) error {
	if !s.transition(StateAttaching) {
		return fmt.Errorf("attach from state %s: %w", s.State(), schemas.ErrSessionClosed)
	}

	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		s.allocCtx, s.allocCancel = chromedp.NewRemoteAllocator(context.Background(), target)
	} else {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		if !s.cfg.Browser.Headless {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		for _, arg := range s.cfg.Browser.Args {
			name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
			if hasValue {
				opts = append(opts, chromedp.Flag(name, value))
			} else {
				opts = append(opts, chromedp.Flag(name, true))
			}
		}
		s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	tabCtx, tabCancel := chromedp.NewContext(s.allocCtx)
	s.tabCancel = tabCancel

	attachCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.AttachTimeout)
	defer cancel()

	// Starting the adapter performs the first protocol round trip, which is
	// what actually launches or attaches to the browser.
	adapter := protocol.NewAdapter(tabCtx, s.logger, s.bus)
	if err := adapter.Start(attachCtx); err != nil {
		tabCancel()
		s.allocCancel()
		s.transitionToClosedOnFailedAttach()
		return &schemas.AttachError{Target: target, Err: err}
	}

	s.cmd = newCommander(s.logger, adapter, s.cfg.Session.CommandRate)
	if err := s.provision(attachCtx); err != nil {
		s.cmd.stop()
		tabCancel()
		s.allocCancel()
		s.transitionToClosedOnFailedAttach()
		return &schemas.AttachError{Target: target, Err: err}
	}

	s.buildWatchdogs()
	s.subscribeSelf()
	s.watchTransport(adapter)

	s.transition(StateActive)
	s.logger.Info("Session attached.", zap.String("target", target))
	return nil
}

// transitionToClosedOnFailedAttach winds a failed attach down without the full
// Close path; nothing beyond the bus exists yet.
func (s *Session) transitionToClosedOnFailedAttach() {
	s.closeOnce.Do(func() {
		s.transition(StateClosing)
		close(s.closing)
		s.bus.Close()
		s.transition(StateClosed)
	})
}

// provision applies the target-level settings the watchdogs rely on: the
// managed download directory and document-request interception for the
// security policy.
func (s *Session) provision(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Downloads.Dir, 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	if err := s.cmd.SetDownloadBehavior(ctx, s.cfg.Downloads.Dir); err != nil {
		return fmt.Errorf("set download behavior: %w", err)
	}
	if s.cfg.Watchdogs.Security {
		if err := s.cmd.SetInterception(ctx, true); err != nil {
			return fmt.Errorf("enable navigation interception: %w", err)
		}
	}
	if s.cfg.Watchdogs.Popups {
		if err := s.cmd.SetFileChooserInterception(ctx, true); err != nil {
			return fmt.Errorf("enable file chooser interception: %w", err)
		}
	}
	return nil
}

// buildWatchdogs constructs and subscribes the five units. Units switched off
// in config are still constructed but start disabled, so they can be enabled
// at runtime without rewiring.
func (s *Session) buildWatchdogs() {
	units := []struct {
		w  watchdog.Watchdog
		on bool
	}{
		{watchdog.NewDownloads(s.logger, s.cmd, s.bus, s.cfg.Downloads.Dir), s.cfg.Watchdogs.Downloads},
		{watchdog.NewPopups(s.logger, s.cmd, s.bus, s.cfg.Dialogs.Policy, s.cfg.Dialogs.Timeout), s.cfg.Watchdogs.Popups},
		{watchdog.NewSecurity(s.logger, s.cmd, s.bus, s.cfg.Security), s.cfg.Watchdogs.Security},
		{watchdog.NewSnapshot(s.logger, s.cmd, s.bus), s.cfg.Watchdogs.Snapshot},
		{watchdog.NewAboutBlank(s.logger, s.cmd, s.bus, s.cfg.AboutBlank.DefaultURL), s.cfg.Watchdogs.AboutBlank},
	}
	for _, u := range units {
		if !u.on {
			u.w.Disable()
		}
		s.watchdogs = append(s.watchdogs, u.w)
		s.subs = append(s.subs, watchdog.Subscribe(s.bus, u.w))
	}
}

// subscribeSelf registers the session's own bus reactions: denied navigations
// resolve their triggering action, published snapshots become current, and a
// lost connection degrades the session.
func (s *Session) subscribeSelf() {
	s.subs = append(s.subs,
		s.bus.Subscribe("session", s.onEvent,
			schemas.KindNavigationDenied,
			schemas.KindSnapshotPublished,
			schemas.KindConnectionLost,
		))
}

func (s *Session) onEvent(ctx context.Context, ev schemas.Event) error {
	switch p := ev.Payload.(type) {
	case schemas.NavigationDenied:
		s.resolveDeniedNavigations(p)
	case schemas.SnapshotPublished:
		s.setSnapshot(p.Snapshot)
	case schemas.ConnectionLost:
		s.onConnectionLost(p)
	}
	return nil
}

// resolveDeniedNavigations terminates pending navigate actions whose URL the
// security policy just blocked. Matching by URL covers the in-flight command
// racing the denial event; whichever side resolves first wins the once guard.
func (s *Session) resolveDeniedNavigations(denied schemas.NavigationDenied) {
	for _, p := range s.pendingActions() {
		if p.req.Op != schemas.OpNavigate || p.req.URL != denied.URL {
			continue
		}
		p.resolve(schemas.ActionResult{
			Status:      schemas.StatusDenied,
			Explanation: fmt.Sprintf("navigation to %s denied by pattern %q", denied.URL, denied.Pattern),
		})
	}
}

// onConnectionLost degrades the session, resolves every in-flight action, and
// either starts the reconnect loop or shuts the session down per policy.
func (s *Session) onConnectionLost(lost schemas.ConnectionLost) {
	if !s.transition(StateDegraded) {
		return
	}
	s.logger.Warn("Connection lost; session degraded.", zap.String("reason", lost.Reason))
	s.failPending(schemas.StatusConnectionLost, "connection to the browser was lost: "+lost.Reason)

	if s.cfg.Reconnect.Enabled {
		if s.reconnecting.CompareAndSwap(false, true) {
			s.group.Go(func() error {
				s.reconnectLoop()
				return nil
			})
		}
		return
	}
	// Close drains the bus and waits on the dispatcher, so it must not run on
	// this handler's goroutine.
	go func() { _ = s.Close() }()
}

// reconnectLoop retries the attach handshake with backoff until the session is
// Active again or attempts are exhausted.
func (s *Session) reconnectLoop() {
	defer s.reconnecting.Store(false)
	for attempt := 1; attempt <= s.cfg.Reconnect.MaxAttempts; attempt++ {
		select {
		case <-time.After(s.cfg.Reconnect.Backoff):
		case <-s.closing:
			return
		}
		if s.State() != StateDegraded {
			return
		}
		if err := s.reattachFn(); err != nil {
			s.logger.Warn("Reconnect attempt failed.",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		s.transition(StateActive)
		s.publish(context.Background(), schemas.KindConnectionRestored,
			schemas.ConnectionRestored{Attempts: attempt})
		s.logger.Info("Connection restored.", zap.Int("attempts", attempt))
		return
	}
	s.logger.Error("Reconnect attempts exhausted; closing session.",
		zap.Int("max_attempts", s.cfg.Reconnect.MaxAttempts))
	// This loop runs inside the session's goroutine group, and Close waits on
	// that group; the shutdown must run detached.
	go func() { _ = s.Close() }()
}

// reattach builds a fresh tab and adapter on the surviving allocator and swaps
// it into the command funnel.
func (s *Session) reattach() error {
	if old := s.tabCancel; old != nil {
		old()
	}
	tabCtx, tabCancel := chromedp.NewContext(s.allocCtx)

	attachCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Session.AttachTimeout)
	defer cancel()

	adapter := protocol.NewAdapter(tabCtx, s.logger, s.bus)
	if err := adapter.Start(attachCtx); err != nil {
		tabCancel()
		return fmt.Errorf("restart protocol adapter: %w", err)
	}
	s.tabCancel = tabCancel
	s.cmd.swap(adapter)

	if err := s.provision(attachCtx); err != nil {
		return err
	}
	s.watchTransport(adapter)
	return nil
}

// watchTransport degrades the session if the tab context dies without a
// protocol-level disconnect notification.
func (s *Session) watchTransport(adapter *protocol.Adapter) {
	s.group.Go(func() error {
		select {
		case <-adapter.Done():
			// A reattach cancels the tab it replaced, firing the old adapter's
			// Done; only the transport of the current adapter matters.
			if s.cmd.current() == adapter && s.State() == StateActive {
				s.publish(context.Background(), schemas.KindConnectionLost,
					schemas.ConnectionLost{Reason: "transport closed"})
			}
		case <-s.closing:
		}
		return nil
	})
}

// SubmitAction runs one operation against the target and returns its single
// terminal result. A zero timeout uses session.default_timeout. The returned
// error is non-nil only when the request never entered the pipeline.
func (s *Session) SubmitAction(ctx context.Context, req schemas.ActionRequest, timeout time.Duration) (schemas.ActionResult, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if timeout <= 0 {
		timeout = s.cfg.Session.DefaultTimeout
	}

	switch s.State() {
	case StateClosing, StateClosed:
		return s.finish(ctx, schemas.ActionResult{
			RequestID:   req.ID,
			Status:      schemas.StatusSessionClosed,
			Explanation: "session is closed",
		}), nil
	case StateDegraded:
		return s.finish(ctx, schemas.ActionResult{
			RequestID:   req.ID,
			Status:      schemas.StatusConnectionLost,
			Explanation: "session is degraded; connection to the browser is down",
		}), nil
	case StateActive:
	default:
		return schemas.ActionResult{}, fmt.Errorf("session in state %s cannot accept actions", s.State())
	}

	// The executor context descends from the session, not the caller: a caller
	// cancel must resolve as Cancelled rather than surface a raw context error.
	execCtx, cancelExec := context.WithCancel(context.Background())
	p := newPendingAction(req, cancelExec)
	s.addPending(p)
	defer s.removePending(req.ID)

	s.group.Go(func() error {
		s.execute(execCtx, p)
		return nil
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return s.finish(ctx, res), nil
	case <-timer.C:
		p.resolve(schemas.ActionResult{
			Status:      schemas.StatusTimeout,
			Explanation: fmt.Sprintf("no terminal outcome within %s", timeout),
		})
	case <-ctx.Done():
		p.resolve(schemas.ActionResult{
			Status:      schemas.StatusCancelled,
			Explanation: "cancelled by caller",
		})
	case <-s.closing:
		p.resolve(schemas.ActionResult{
			Status:      schemas.StatusSessionClosed,
			Explanation: "session closed while the action was in flight",
		})
	}
	// resolve may have lost the race; either way exactly one result is queued.
	return s.finish(ctx, <-p.done), nil
}

// finish publishes the terminal result to the bus and hands it back.
func (s *Session) finish(ctx context.Context, res schemas.ActionResult) schemas.ActionResult {
	s.publish(ctx, schemas.KindActionResult, res)
	return res
}

// Cancel terminates a pending action with Cancelled status. It reports false
// when the request is unknown or already resolved; a committed outcome wins.
func (s *Session) Cancel(requestID string) bool {
	s.mu.Lock()
	p := s.pending[requestID]
	s.mu.Unlock()
	if p == nil {
		return false
	}
	return p.resolve(schemas.ActionResult{
		Status:      schemas.StatusCancelled,
		Explanation: "cancelled by caller",
	})
}

// Decide forwards a caller's answer to a forwarded dialog into the event
// stream, where the popup watchdog consumes it.
func (s *Session) Decide(ctx context.Context, decision schemas.DialogDecision) error {
	_, err := s.bus.Publish(ctx, schemas.Event{
		Kind:    schemas.KindDialogDecision,
		Origin:  schemas.OriginCaller,
		Payload: decision,
	})
	return err
}

// QueryRef resolves a reference id against the current snapshot.
func (s *Session) QueryRef(ref int) (*schemas.ElementNode, error) {
	snap := s.CurrentSnapshot()
	if snap == nil {
		return nil, fmt.Errorf("no snapshot available: %w", schemas.ErrNotFound)
	}
	node, ok := snap.ByRef(ref)
	if !ok {
		return nil, fmt.Errorf("ref %d: %w", ref, schemas.ErrNotFound)
	}
	return node, nil
}

// Query resolves a selector against the current snapshot.
func (s *Session) Query(selector string) (*schemas.ElementNode, error) {
	snap := s.CurrentSnapshot()
	if snap == nil {
		return nil, fmt.Errorf("no snapshot available: %w", schemas.ErrNotFound)
	}
	return dom.Find(snap, selector)
}

// CurrentSnapshot returns the most recently published snapshot, which may be
// nil before the first extraction.
func (s *Session) CurrentSnapshot() *schemas.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Session) setSnapshot(snap *schemas.Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

// Close tears the session down: every pending action resolves SessionClosed,
// the watchdogs go offline, the bus drains, and the browser connection is
// released. Safe to call from any state, any number of times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.transition(StateClosing)
		close(s.closing)

		s.failPending(schemas.StatusSessionClosed, "session closed")
		for _, w := range s.watchdogs {
			w.Disable()
		}
		for _, sub := range s.subs {
			s.bus.Unsubscribe(sub)
		}

		if s.cmd != nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeDetachTimeout)
			if err := s.cmd.Close(ctx); err != nil {
				s.logger.Debug("Target detach failed during close.", zap.Error(err))
			}
			cancel()
			s.cmd.stop()
		}
		if s.tabCancel != nil {
			s.tabCancel()
		}
		if s.allocCancel != nil {
			s.allocCancel()
		}

		s.bus.Close()
		if err := s.group.Wait(); err != nil {
			s.logger.Debug("Background goroutine reported an error.", zap.Error(err))
		}
		s.transition(StateClosed)
		s.logger.Info("Session closed.")
	})
	return nil
}

// publish emits a session-origin event, tolerating a closed bus during
// teardown.
func (s *Session) publish(ctx context.Context, kind schemas.EventKind, payload any) {
	_, err := s.bus.Publish(ctx, schemas.Event{
		Kind:    kind,
		Origin:  schemas.OriginSession,
		Payload: payload,
	})
	if err != nil {
		s.logger.Debug("Could not publish event.", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// -- pending table --

func (s *Session) addPending(p *pendingAction) {
	s.mu.Lock()
	s.pending[p.req.ID] = p
	s.mu.Unlock()
}

func (s *Session) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) pendingActions() []*pendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*pendingAction, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	return out
}

// failPending resolves every in-flight action with the given terminal status.
func (s *Session) failPending(status schemas.ActionStatus, explanation string) {
	for _, p := range s.pendingActions() {
		p.resolve(schemas.ActionResult{Status: status, Explanation: explanation})
	}
}
