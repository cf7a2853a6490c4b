package watchdog

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/protocol"
)

// AboutBlank watches completed navigations for empty or blank targets with no
// pending navigation and redirects them to the configured default URL, so a
// popup-closed side effect cannot strand the session on a non-actionable page.
type AboutBlank struct {
	*base
	defaultURL string
}

// NewAboutBlank creates the blank-page recovery watchdog. An empty defaultURL
// turns the redirect off while keeping the unit constructed.
func NewAboutBlank(logger *zap.Logger, cmd protocol.Commander, sink protocol.Sink, defaultURL string) *AboutBlank {
	return &AboutBlank{
		base:       newBase("aboutblank", logger, cmd, sink),
		defaultURL: defaultURL,
	}
}

func (a *AboutBlank) Kinds() []schemas.EventKind {
	return []schemas.EventKind{schemas.KindNavigationCompleted}
}

func (a *AboutBlank) OnEvent(ctx context.Context, ev schemas.Event) error {
	done, ok := ev.Payload.(schemas.NavigationCompleted)
	if !ok {
		return nil
	}
	if a.defaultURL == "" || done.Pending || !isBlank(done.URL) {
		return nil
	}

	a.logger.Info("Blank page detected; redirecting to default URL.",
		zap.String("frame_id", done.FrameID),
		zap.String("default_url", a.defaultURL),
	)
	return a.command(ctx, "navigate_default", func(c context.Context) error {
		return a.cmd.Navigate(c, a.defaultURL)
	})
}

func isBlank(url string) bool {
	return url == "" || url == "about:blank"
}
