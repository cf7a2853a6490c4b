package watchdog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/watchdog"
)

func rawPage() *schemas.RawSnapshot {
	return &schemas.RawSnapshot{
		DocumentURL: "https://example.test/",
		Nodes: []schemas.RawNode{
			{ParentIndex: -1, NodeType: 9, NodeName: "#document", LayoutIndex: -1},
			{ParentIndex: 0, NodeType: 1, NodeName: "HTML", LayoutIndex: 0},
			{ParentIndex: 1, NodeType: 1, NodeName: "BODY", LayoutIndex: 0},
			{ParentIndex: 2, NodeType: 1, NodeName: "A", Attributes: []string{"href", "/"}, LayoutIndex: 1},
			{ParentIndex: 3, NodeType: 3, NodeName: "#text", NodeValue: "Home", LayoutIndex: -1},
		},
		Layout: []schemas.RawLayout{
			{Bounds: schemas.Rect{Width: 1280, Height: 720}, Display: "block", Visible: true},
			{Bounds: schemas.Rect{X: 10, Y: 10, Width: 50, Height: 20}, Display: "inline", Visible: true},
		},
		Viewport: schemas.Rect{Width: 1280, Height: 720},
	}
}

func TestSnapshot_StableFrameTriggersCaptureAndPublish(t *testing.T) {
	cmd := newFakeCommander()
	cmd.raw = rawPage()
	sink := &fakeSink{}
	w := watchdog.NewSnapshot(zaptest.NewLogger(t), cmd, sink)

	err := w.OnEvent(context.Background(), event(schemas.KindFrameStable, schemas.FrameStable{
		FrameID: "f1",
		URL:     "https://example.test/",
	}))
	require.NoError(t, err)

	require.Len(t, cmd.callsFor("CaptureSnapshot"), 1)

	published := sink.byKind(schemas.KindSnapshotPublished)
	require.Len(t, published, 1)
	snap := published[0].Payload.(schemas.SnapshotPublished).Snapshot
	require.NotNil(t, snap)
	assert.Equal(t, "https://example.test/", snap.URL)
	require.Len(t, snap.Index, 1)
	assert.Equal(t, "a", snap.Index[0].Tag)
	assert.Equal(t, "Home", snap.Index[0].Text)
}

func TestSnapshot_ExtractionFailureIsContained(t *testing.T) {
	cmd := newFakeCommander()
	cmd.raw = &schemas.RawSnapshot{} // no nodes
	sink := &fakeSink{}
	w := watchdog.NewSnapshot(zaptest.NewLogger(t), cmd, sink)

	err := w.OnEvent(context.Background(), event(schemas.KindFrameStable, schemas.FrameStable{FrameID: "f1"}))
	assert.Error(t, err)
	assert.Empty(t, sink.byKind(schemas.KindSnapshotPublished))
	assert.True(t, w.Enabled(), "an extraction failure is not a command failure")
}
