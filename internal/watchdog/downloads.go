package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/protocol"
)

// Downloads redirects download-triggering responses into the managed
// directory, tracks transfers by GUID, and publishes exactly one terminal
// event per download. Failures are reported as events, never as session
// errors.
type Downloads struct {
	*base
	dir string

	mu       sync.Mutex
	active   map[string]*downloadState
	terminal map[string]bool
}

type downloadState struct {
	url      string
	filename string
	received int64
	total    int64
}

// NewDownloads creates the downloads watchdog targeting the given managed
// directory.
func NewDownloads(logger *zap.Logger, cmd protocol.Commander, sink protocol.Sink, dir string) *Downloads {
	return &Downloads{
		base:     newBase("downloads", logger, cmd, sink),
		dir:      dir,
		active:   make(map[string]*downloadState),
		terminal: make(map[string]bool),
	}
}

func (d *Downloads) Kinds() []schemas.EventKind {
	return []schemas.EventKind{
		schemas.KindResponseReceived,
		schemas.KindDownloadStarted,
		schemas.KindDownloadProgress,
	}
}

func (d *Downloads) OnEvent(ctx context.Context, ev schemas.Event) error {
	switch p := ev.Payload.(type) {
	case schemas.ResponseReceived:
		return d.onResponse(ctx, p)
	case schemas.DownloadStarted:
		d.onStarted(p)
	case schemas.DownloadProgress:
		return d.onProgress(ctx, p)
	}
	return nil
}

// onResponse re-asserts the managed download location when a response looks
// like a download. Re-issuing the same behavior command is idempotent, which
// keeps redelivery after reconnect safe.
func (d *Downloads) onResponse(ctx context.Context, p schemas.ResponseReceived) error {
	if !isDownloadResponse(p) {
		return nil
	}
	return d.command(ctx, "set_download_behavior", func(c context.Context) error {
		return d.cmd.SetDownloadBehavior(c, d.dir)
	})
}

func (d *Downloads) onStarted(p schemas.DownloadStarted) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminal[p.GUID] || d.active[p.GUID] != nil {
		return
	}
	d.active[p.GUID] = &downloadState{
		url:      p.URL,
		filename: p.Filename,
		total:    p.TotalSize,
	}
	d.logger.Info("Tracking download.",
		zap.String("guid", p.GUID),
		zap.String("url", p.URL),
		zap.String("filename", p.Filename),
	)
}

func (d *Downloads) onProgress(ctx context.Context, p schemas.DownloadProgress) error {
	d.mu.Lock()
	st := d.active[p.GUID]
	if st == nil || d.terminal[p.GUID] {
		d.mu.Unlock()
		return nil
	}
	st.received = p.Received
	if p.Total > 0 {
		st.total = p.Total
	}
	if p.State == schemas.DownloadInProgress {
		d.mu.Unlock()
		return nil
	}
	// Terminal state: mark before publishing so a redelivered progress event
	// cannot produce a duplicate.
	d.terminal[p.GUID] = true
	delete(d.active, p.GUID)
	d.mu.Unlock()

	if p.State == schemas.DownloadCanceled {
		d.publish(ctx, schemas.KindDownloadFailed, schemas.DownloadFailed{
			GUID:   p.GUID,
			Reason: "download canceled by browser",
		})
		return nil
	}

	path, err := d.finalize(p.GUID, st.filename)
	if err != nil {
		// The bytes arrived; a naming failure is reported but the completed
		// event still points at the browser-written file.
		d.logger.Warn("Could not finalize download filename.", zap.String("guid", p.GUID), zap.Error(err))
		path = filepath.Join(d.dir, p.GUID)
	}
	d.publish(ctx, schemas.KindDownloadCompleted, schemas.DownloadCompleted{
		GUID: p.GUID,
		Path: path,
		Size: st.received,
	})
	return nil
}

// finalize renames the GUID-named file the browser wrote to its suggested
// filename, disambiguating collisions instead of overwriting.
func (d *Downloads) finalize(guid, filename string) (string, error) {
	src := filepath.Join(d.dir, guid)
	if filename == "" {
		filename = guid
	}
	dst := uniquePath(d.dir, filename)
	if src == dst {
		return dst, nil
	}
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// uniquePath returns dir/name, appending " (n)" before the extension until
// the path does not exist.
func uniquePath(dir, name string) string {
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	candidate := filepath.Join(dir, name)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
}

// isDownloadResponse recognizes responses the browser will hand off as file
// downloads.
func isDownloadResponse(p schemas.ResponseReceived) bool {
	if p.Disposition != "" && p.Disposition != "inline" {
		return true
	}
	switch p.MimeType {
	case "application/octet-stream", "application/zip", "application/pdf",
		"application/x-tar", "application/gzip":
		return true
	}
	return false
}
