package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/dom"
)

// pendingAction tracks one accepted ActionRequest until its single terminal
// result. The once guard is what makes resolution exactly-once under the race
// between completion, timeout, caller cancellation, denial, and session close.
type pendingAction struct {
	req    schemas.ActionRequest
	start  time.Time
	once   sync.Once
	done   chan schemas.ActionResult
	cancel context.CancelFunc
}

func newPendingAction(req schemas.ActionRequest, cancel context.CancelFunc) *pendingAction {
	return &pendingAction{
		req:    req,
		start:  time.Now(),
		done:   make(chan schemas.ActionResult, 1),
		cancel: cancel,
	}
}

// resolve commits the terminal result. The first caller wins; later attempts
// report false and are dropped. Resolution also cancels the in-flight command
// context so a losing executor stops promptly.
func (p *pendingAction) resolve(res schemas.ActionResult) bool {
	won := false
	p.once.Do(func() {
		res.RequestID = p.req.ID
		res.Elapsed = time.Since(p.start)
		p.done <- res
		p.cancel()
		won = true
	})
	return won
}

// execute runs one operation to completion and resolves the pending entry with
// the outcome. It runs on its own goroutine; a loss of the resolution race
// (timeout, cancel, close) is not an error.
func (s *Session) execute(ctx context.Context, p *pendingAction) {
	var res schemas.ActionResult
	switch p.req.Op {
	case schemas.OpNavigate:
		res = s.execNavigate(ctx, p.req)
	case schemas.OpClick:
		res = s.execClick(ctx, p.req)
	case schemas.OpType:
		res = s.execType(ctx, p.req)
	case schemas.OpEvaluate:
		res = s.execEvaluate(ctx, p.req)
	case schemas.OpSnapshot:
		res = s.execSnapshot(ctx, p.req)
	case schemas.OpWaitStable:
		res = s.execWaitStable(ctx, p.req)
	default:
		res = schemas.ActionResult{
			Status:      schemas.StatusFailure,
			Explanation: fmt.Sprintf("unsupported operation %q", p.req.Op),
		}
	}
	p.resolve(res)
}

func (s *Session) execNavigate(ctx context.Context, req schemas.ActionRequest) schemas.ActionResult {
	if req.URL == "" {
		return failure("navigate requires a url")
	}
	if err := s.cmd.Navigate(ctx, req.URL); err != nil {
		// A policy denial aborts the paused request pre-commit; the navigation
		// then fails with a blocked-by-client error on the command path.
		if strings.Contains(err.Error(), "ERR_BLOCKED_BY_CLIENT") {
			return schemas.ActionResult{
				Status:      schemas.StatusDenied,
				Explanation: fmt.Sprintf("navigation to %s denied by security policy", req.URL),
			}
		}
		return failure(fmt.Sprintf("navigation to %s failed: %v", req.URL, err))
	}
	return schemas.ActionResult{
		Status:      schemas.StatusSuccess,
		Snapshot:    s.CurrentSnapshot(),
		Explanation: fmt.Sprintf("navigated to %s", req.URL),
	}
}

func (s *Session) execClick(ctx context.Context, req schemas.ActionRequest) schemas.ActionResult {
	node, res := s.resolveTarget(req)
	if node == nil {
		return res
	}
	x := node.Bounds.X + node.Bounds.Width/2
	y := node.Bounds.Y + node.Bounds.Height/2
	if err := s.cmd.ClickAt(ctx, x, y); err != nil {
		return failure(fmt.Sprintf("click on <%s> failed: %v", node.Tag, err))
	}
	return schemas.ActionResult{
		Status:      schemas.StatusSuccess,
		Explanation: fmt.Sprintf("clicked <%s> at (%.0f, %.0f)", node.Tag, x, y),
	}
}

func (s *Session) execType(ctx context.Context, req schemas.ActionRequest) schemas.ActionResult {
	node, res := s.resolveTarget(req)
	if node == nil {
		return res
	}
	// Click first to move focus to the target, then insert.
	x := node.Bounds.X + node.Bounds.Width/2
	y := node.Bounds.Y + node.Bounds.Height/2
	if err := s.cmd.ClickAt(ctx, x, y); err != nil {
		return failure(fmt.Sprintf("focusing <%s> failed: %v", node.Tag, err))
	}
	if err := s.cmd.InsertText(ctx, req.Text); err != nil {
		return failure(fmt.Sprintf("typing into <%s> failed: %v", node.Tag, err))
	}
	return schemas.ActionResult{
		Status:      schemas.StatusSuccess,
		Explanation: fmt.Sprintf("typed %d characters into <%s>", len(req.Text), node.Tag),
	}
}

func (s *Session) execEvaluate(ctx context.Context, req schemas.ActionRequest) schemas.ActionResult {
	if req.Script == "" {
		return failure("evaluate requires a script")
	}
	out, err := s.cmd.Evaluate(ctx, req.Script)
	if err != nil {
		return failure(fmt.Sprintf("evaluate failed: %v", err))
	}
	return schemas.ActionResult{
		Status:      schemas.StatusSuccess,
		Value:       out,
		Explanation: "script evaluated",
	}
}

func (s *Session) execSnapshot(ctx context.Context, _ schemas.ActionRequest) schemas.ActionResult {
	raw, err := s.cmd.CaptureSnapshot(ctx)
	if err != nil {
		return failure(fmt.Sprintf("snapshot capture failed: %v", err))
	}
	snap, err := dom.Extract(raw)
	if err != nil {
		return failure(fmt.Sprintf("snapshot extraction failed: %v", err))
	}
	s.setSnapshot(snap)
	s.publish(ctx, schemas.KindSnapshotPublished, schemas.SnapshotPublished{Snapshot: snap})
	return schemas.ActionResult{
		Status:      schemas.StatusSuccess,
		Snapshot:    snap,
		Explanation: fmt.Sprintf("captured snapshot of %s with %d interactable elements", snap.URL, len(snap.Index)),
	}
}

// execWaitStable succeeds once the settle window elapses with no navigation or
// stability churn. A page with nothing in flight is stable immediately after
// one quiet window.
func (s *Session) execWaitStable(ctx context.Context, _ schemas.ActionRequest) schemas.ActionResult {
	quiet := s.cfg.Session.StableQuiet
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}

	activity := make(chan struct{}, 1)
	sub := s.bus.Subscribe("wait-stable", func(context.Context, schemas.Event) error {
		select {
		case activity <- struct{}{}:
		default:
		}
		return nil
	}, schemas.KindNavigationCommitted, schemas.KindNavigationCompleted, schemas.KindFrameStable)
	defer s.bus.Unsubscribe(sub)

	timer := time.NewTimer(quiet)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return schemas.ActionResult{
				Status:      schemas.StatusSuccess,
				Snapshot:    s.CurrentSnapshot(),
				Explanation: fmt.Sprintf("page stable for %s", quiet),
			}
		case <-activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(quiet)
		case <-ctx.Done():
			// The submit loop translates the context outcome; nothing useful
			// to report here.
			return failure("wait for stability interrupted")
		}
	}
}

// resolveTarget maps a request's element reference (or selector) to a node in
// the current snapshot. On failure the second return carries the terminal
// result to use.
func (s *Session) resolveTarget(req schemas.ActionRequest) (*schemas.ElementNode, schemas.ActionResult) {
	snap := s.CurrentSnapshot()
	if snap == nil {
		return nil, failure("no snapshot available; capture one before targeting elements")
	}
	if req.Ref > 0 {
		node, ok := snap.ByRef(req.Ref)
		if !ok {
			return nil, failure(fmt.Sprintf("ref %d not present in current snapshot", req.Ref))
		}
		return node, schemas.ActionResult{}
	}
	if req.Selector != "" {
		node, err := dom.Find(snap, req.Selector)
		if err != nil {
			return nil, failure(err.Error())
		}
		return node, schemas.ActionResult{}
	}
	return nil, failure("request targets no element: set ref or selector")
}

func failure(explanation string) schemas.ActionResult {
	return schemas.ActionResult{Status: schemas.StatusFailure, Explanation: explanation}
}
