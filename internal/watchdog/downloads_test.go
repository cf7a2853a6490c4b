package watchdog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/watchdog"
)

func newDownloads(t *testing.T, cmd *fakeCommander, sink *fakeSink) (*watchdog.Downloads, string) {
	t.Helper()
	dir := t.TempDir()
	return watchdog.NewDownloads(zaptest.NewLogger(t), cmd, sink, dir), dir
}

func writeGUIDFile(t *testing.T, dir, guid string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, guid), []byte("payload"), 0o644))
}

func TestDownloads_CompletedPublishesExactlyOneTerminalEvent(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w, dir := newDownloads(t, cmd, sink)
	writeGUIDFile(t, dir, "guid-1")

	ctx := context.Background()
	require.NoError(t, w.OnEvent(ctx, event(schemas.KindDownloadStarted, schemas.DownloadStarted{
		GUID: "guid-1", URL: "https://example.test/report.pdf", Filename: "report.pdf",
	})))
	require.NoError(t, w.OnEvent(ctx, event(schemas.KindDownloadProgress, schemas.DownloadProgress{
		GUID: "guid-1", State: schemas.DownloadInProgress, Received: 3, Total: 7,
	})))
	require.NoError(t, w.OnEvent(ctx, event(schemas.KindDownloadProgress, schemas.DownloadProgress{
		GUID: "guid-1", State: schemas.DownloadDone, Received: 7, Total: 7,
	})))
	// Redelivery of the terminal progress event must be absorbed.
	require.NoError(t, w.OnEvent(ctx, event(schemas.KindDownloadProgress, schemas.DownloadProgress{
		GUID: "guid-1", State: schemas.DownloadDone, Received: 7, Total: 7,
	})))

	completed := sink.byKind(schemas.KindDownloadCompleted)
	require.Len(t, completed, 1, "exactly one terminal event per GUID")
	payload := completed[0].Payload.(schemas.DownloadCompleted)
	assert.Equal(t, "guid-1", payload.GUID)
	assert.Equal(t, filepath.Join(dir, "report.pdf"), payload.Path)
	assert.EqualValues(t, 7, payload.Size)
	assert.Empty(t, sink.byKind(schemas.KindDownloadFailed))

	// The GUID-named file was renamed to the suggested filename.
	_, err := os.Stat(filepath.Join(dir, "report.pdf"))
	assert.NoError(t, err)
}

func TestDownloads_CanceledPublishesFailure(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w, _ := newDownloads(t, cmd, sink)

	ctx := context.Background()
	require.NoError(t, w.OnEvent(ctx, event(schemas.KindDownloadStarted, schemas.DownloadStarted{
		GUID: "guid-2", Filename: "big.zip",
	})))
	require.NoError(t, w.OnEvent(ctx, event(schemas.KindDownloadProgress, schemas.DownloadProgress{
		GUID: "guid-2", State: schemas.DownloadCanceled,
	})))

	failed := sink.byKind(schemas.KindDownloadFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "guid-2", failed[0].Payload.(schemas.DownloadFailed).GUID)
	assert.Empty(t, sink.byKind(schemas.KindDownloadCompleted))
}

func TestDownloads_CollidingFilenamesAreDisambiguated(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w, dir := newDownloads(t, cmd, sink)

	// An earlier download already claimed the name.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("old"), 0o644))
	writeGUIDFile(t, dir, "guid-3")

	ctx := context.Background()
	require.NoError(t, w.OnEvent(ctx, event(schemas.KindDownloadStarted, schemas.DownloadStarted{
		GUID: "guid-3", Filename: "report.pdf",
	})))
	require.NoError(t, w.OnEvent(ctx, event(schemas.KindDownloadProgress, schemas.DownloadProgress{
		GUID: "guid-3", State: schemas.DownloadDone, Received: 7,
	})))

	completed := sink.byKind(schemas.KindDownloadCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, filepath.Join(dir, "report (1).pdf"), completed[0].Payload.(schemas.DownloadCompleted).Path)

	// The original file is untouched.
	old, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestDownloads_ProgressForUnknownGUIDIsIgnored(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w, _ := newDownloads(t, cmd, sink)

	require.NoError(t, w.OnEvent(context.Background(), event(schemas.KindDownloadProgress, schemas.DownloadProgress{
		GUID: "ghost", State: schemas.DownloadDone,
	})))
	assert.Empty(t, sink.byKind(schemas.KindDownloadCompleted))
	assert.Empty(t, sink.byKind(schemas.KindDownloadFailed))
}

func TestDownloads_DownloadResponseReassertsBehavior(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w, dir := newDownloads(t, cmd, sink)

	ctx := context.Background()
	require.NoError(t, w.OnEvent(ctx, event(schemas.KindResponseReceived, schemas.ResponseReceived{
		URL: "https://example.test/file.bin", MimeType: "application/octet-stream",
	})))
	require.NoError(t, w.OnEvent(ctx, event(schemas.KindResponseReceived, schemas.ResponseReceived{
		URL: "https://example.test/page", MimeType: "text/html",
	})))

	calls := cmd.callsFor("SetDownloadBehavior")
	require.Len(t, calls, 1, "only download-looking responses trigger the command")
	assert.Equal(t, dir, calls[0].args[0])
}
