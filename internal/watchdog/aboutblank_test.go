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

func completedEvent(url string, pending bool) schemas.Event {
	return event(schemas.KindNavigationCompleted, schemas.NavigationCompleted{
		FrameID: "f1",
		URL:     url,
		Pending: pending,
	})
}

func TestAboutBlank_RedirectsBlankPage(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := watchdog.NewAboutBlank(zaptest.NewLogger(t), cmd, sink, "https://start.test/")

	require.NoError(t, w.OnEvent(context.Background(), completedEvent("about:blank", false)))
	require.NoError(t, w.OnEvent(context.Background(), completedEvent("", false)))

	calls := cmd.callsFor("Navigate")
	require.Len(t, calls, 2)
	assert.Equal(t, "https://start.test/", calls[0].args[0])
}

func TestAboutBlank_LeavesTransientBlanksAlone(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := watchdog.NewAboutBlank(zaptest.NewLogger(t), cmd, sink, "https://start.test/")

	// A blank frame with another navigation in flight settles on its own.
	require.NoError(t, w.OnEvent(context.Background(), completedEvent("about:blank", true)))
	// Real pages are never redirected.
	require.NoError(t, w.OnEvent(context.Background(), completedEvent("https://example.test/", false)))

	assert.Empty(t, cmd.callsFor("Navigate"))
}

func TestAboutBlank_DisabledWithoutDefaultURL(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := watchdog.NewAboutBlank(zaptest.NewLogger(t), cmd, sink, "")

	require.NoError(t, w.OnEvent(context.Background(), completedEvent("about:blank", false)))
	assert.Empty(t, cmd.callsFor("Navigate"))
}
