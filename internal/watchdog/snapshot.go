package watchdog

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/dom"
	"github.com/xkilldash9x/browserpilot/internal/protocol"
)

// Snapshot reacts to stable-frame events by capturing a raw snapshot and
// running the extraction engine, publishing the result so other components
// consume it without re-triggering extraction.
type Snapshot struct {
	*base
}

// NewSnapshot creates the DOM-snapshot watchdog.
func NewSnapshot(logger *zap.Logger, cmd protocol.Commander, sink protocol.Sink) *Snapshot {
	return &Snapshot{base: newBase("snapshot", logger, cmd, sink)}
}

func (s *Snapshot) Kinds() []schemas.EventKind {
	return []schemas.EventKind{schemas.KindFrameStable}
}

func (s *Snapshot) OnEvent(ctx context.Context, ev schemas.Event) error {
	stable, ok := ev.Payload.(schemas.FrameStable)
	if !ok {
		return nil
	}

	var raw *schemas.RawSnapshot
	err := s.command(ctx, "capture_snapshot", func(c context.Context) error {
		var cErr error
		raw, cErr = s.cmd.CaptureSnapshot(c)
		return cErr
	})
	if err != nil {
		return err
	}

	snap, err := dom.Extract(raw)
	if err != nil {
		s.logger.Warn("Snapshot extraction failed.", zap.String("url", stable.URL), zap.Error(err))
		return err
	}

	s.logger.Debug("Snapshot extracted.",
		zap.String("url", snap.URL),
		zap.Int("interactable", len(snap.Index)),
	)
	s.publish(ctx, schemas.KindSnapshotPublished, schemas.SnapshotPublished{Snapshot: snap})
	return nil
}
