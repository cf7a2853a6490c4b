package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/protocol"
)

// Popups answers page dialogs (alert/confirm/prompt/beforeunload) and
// intercepted file choosers under the configured policy. An unanswered JS
// dialog suspends the page's execution, so a forwarded dialog that receives
// no caller decision before the deadline gets the default response, exactly
// once.
type Popups struct {
	*base
	policy   config.DialogPolicy
	deadline time.Duration

	mu      sync.Mutex
	pending map[string]*pendingDialog
}

type pendingDialog struct {
	once   sync.Once
	timer  *time.Timer
	opened schemas.DialogOpened
}

// NewPopups creates the popup watchdog.
func NewPopups(logger *zap.Logger, cmd protocol.Commander, sink protocol.Sink, policy config.DialogPolicy, deadline time.Duration) *Popups {
	return &Popups{
		base:     newBase("popups", logger, cmd, sink),
		policy:   policy,
		deadline: deadline,
		pending:  make(map[string]*pendingDialog),
	}
}

func (p *Popups) Kinds() []schemas.EventKind {
	return []schemas.EventKind{
		schemas.KindDialogOpened,
		schemas.KindDialogDecision,
	}
}

func (p *Popups) OnEvent(ctx context.Context, ev schemas.Event) error {
	switch d := ev.Payload.(type) {
	case schemas.DialogOpened:
		return p.onOpened(ctx, d)
	case schemas.DialogDecision:
		p.onDecision(ctx, d)
	}
	return nil
}

func (p *Popups) onOpened(ctx context.Context, d schemas.DialogOpened) error {
	p.logger.Info("Dialog opened.",
		zap.String("dialog_id", d.ID),
		zap.String("type", string(d.Type)),
		zap.String("message", d.Message),
	)

	if p.policy == config.DialogPolicyForward {
		p.forward(d)
		return nil
	}
	if d.Type == schemas.DialogFileChooser {
		// Without caller-supplied files the only sensible answer is to leave
		// the input empty, whatever the policy.
		return p.respondChooser(ctx, d, nil, false)
	}
	switch p.policy {
	case config.DialogPolicyAccept:
		return p.respond(ctx, d.ID, true, d.DefaultPrompt, false)
	default:
		// Dismiss, also the fallback for unknown policies.
		return p.respond(ctx, d.ID, false, "", false)
	}
}

// forward parks the dialog awaiting a caller decision, arming the deadline
// timer that issues the default response if none arrives.
func (p *Popups) forward(d schemas.DialogOpened) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.pending[d.ID]; exists {
		// Redelivered open event for a dialog already parked.
		return
	}
	pd := &pendingDialog{opened: d}
	pd.timer = time.AfterFunc(p.deadline, func() {
		pd.once.Do(func() {
			p.logger.Warn("No caller decision before deadline; issuing default dismiss.",
				zap.String("dialog_id", d.ID))
			// Detached from any event context: bounded by its own timeout.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if d.Type == schemas.DialogFileChooser {
				_ = p.respondChooser(ctx, d, nil, true)
			} else {
				_ = p.respond(ctx, d.ID, false, "", true)
			}
			p.drop(d.ID)
		})
	})
	p.pending[d.ID] = pd
}

func (p *Popups) onDecision(ctx context.Context, d schemas.DialogDecision) {
	p.mu.Lock()
	pd := p.pending[d.DialogID]
	p.mu.Unlock()
	if pd == nil {
		// Decision for an unknown or already-answered dialog.
		return
	}
	pd.once.Do(func() {
		pd.timer.Stop()
		if pd.opened.Type == schemas.DialogFileChooser {
			files := d.Files
			if !d.Accept {
				files = nil
			}
			_ = p.respondChooser(ctx, pd.opened, files, false)
		} else {
			_ = p.respond(ctx, d.DialogID, d.Accept, d.PromptText, false)
		}
		p.drop(d.DialogID)
	})
}

func (p *Popups) drop(dialogID string) {
	p.mu.Lock()
	delete(p.pending, dialogID)
	p.mu.Unlock()
}

func (p *Popups) respond(ctx context.Context, dialogID string, accept bool, promptText string, byDefault bool) error {
	err := p.command(ctx, "handle_dialog", func(c context.Context) error {
		return p.cmd.HandleDialog(c, dialogID, accept, promptText)
	})
	if err != nil {
		return err
	}
	p.publish(ctx, schemas.KindDialogHandled, schemas.DialogHandled{
		DialogID:  dialogID,
		Accepted:  accept,
		ByDefault: byDefault,
	})
	return nil
}

// respondChooser answers an intercepted file chooser. Selecting files accepts
// it; an empty selection leaves the input untouched, which is the chooser's
// cancel.
func (p *Popups) respondChooser(ctx context.Context, d schemas.DialogOpened, files []string, byDefault bool) error {
	if len(files) > 0 {
		err := p.command(ctx, "set_files", func(c context.Context) error {
			return p.cmd.SetFiles(c, d.NodeID, files)
		})
		if err != nil {
			return err
		}
	}
	p.publish(ctx, schemas.KindDialogHandled, schemas.DialogHandled{
		DialogID:  d.ID,
		Accepted:  len(files) > 0,
		ByDefault: byDefault,
	})
	return nil
}
