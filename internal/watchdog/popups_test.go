package watchdog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/watchdog"
)

func newPopups(t *testing.T, cmd *fakeCommander, sink *fakeSink, policy config.DialogPolicy, deadline time.Duration) *watchdog.Popups {
	t.Helper()
	return watchdog.NewPopups(zaptest.NewLogger(t), cmd, sink, policy, deadline)
}

func opened(id string) schemas.Event {
	return event(schemas.KindDialogOpened, schemas.DialogOpened{
		ID:      id,
		Type:    schemas.DialogConfirm,
		Message: "proceed?",
		URL:     "https://example.test/",
	})
}

func decision(id string, accept bool, promptText string) schemas.Event {
	return event(schemas.KindDialogDecision, schemas.DialogDecision{
		DialogID:   id,
		Accept:     accept,
		PromptText: promptText,
	})
}

func TestPopups_DismissPolicyAnswersImmediately(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newPopups(t, cmd, sink, config.DialogPolicyDismiss, time.Second)

	require.NoError(t, w.OnEvent(context.Background(), opened("d1")))

	calls := cmd.callsFor("HandleDialog")
	require.Len(t, calls, 1)
	assert.Equal(t, "d1", calls[0].args[0])
	assert.Equal(t, false, calls[0].args[1])

	handled := sink.byKind(schemas.KindDialogHandled)
	require.Len(t, handled, 1)
	payload := handled[0].Payload.(schemas.DialogHandled)
	assert.False(t, payload.Accepted)
	assert.False(t, payload.ByDefault)
}

func TestPopups_AcceptPolicyAnswersImmediately(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newPopups(t, cmd, sink, config.DialogPolicyAccept, time.Second)

	require.NoError(t, w.OnEvent(context.Background(), opened("d1")))

	calls := cmd.callsFor("HandleDialog")
	require.Len(t, calls, 1)
	assert.Equal(t, true, calls[0].args[1])
}

func TestPopups_ForwardDeliversCallerDecision(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newPopups(t, cmd, sink, config.DialogPolicyForward, time.Minute)

	require.NoError(t, w.OnEvent(context.Background(), opened("d1")))
	assert.Empty(t, cmd.callsFor("HandleDialog"), "forwarded dialog must wait for a decision")

	require.NoError(t, w.OnEvent(context.Background(), decision("d1", true, "answer")))

	calls := cmd.callsFor("HandleDialog")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"d1", true, "answer"}, calls[0].args)

	handled := sink.byKind(schemas.KindDialogHandled)
	require.Len(t, handled, 1)
	payload := handled[0].Payload.(schemas.DialogHandled)
	assert.True(t, payload.Accepted)
	assert.False(t, payload.ByDefault)
}

// TestPopups_ForwardDeadlineIssuesDefaultExactlyOnce verifies the never-zero,
// never-twice guarantee: an unanswered dialog gets the default dismiss at the
// deadline, and a late caller decision is dropped.
func TestPopups_ForwardDeadlineIssuesDefaultExactlyOnce(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newPopups(t, cmd, sink, config.DialogPolicyForward, 30*time.Millisecond)

	require.NoError(t, w.OnEvent(context.Background(), opened("d1")))

	require.Eventually(t, func() bool {
		return len(cmd.callsFor("HandleDialog")) == 1
	}, 2*time.Second, 5*time.Millisecond, "deadline must trigger the default response")

	// A decision arriving after the default response must be ignored.
	require.NoError(t, w.OnEvent(context.Background(), decision("d1", true, "")))
	time.Sleep(20 * time.Millisecond)

	calls := cmd.callsFor("HandleDialog")
	require.Len(t, calls, 1, "exactly one response per dialog")
	assert.Equal(t, false, calls[0].args[1], "default response is dismiss")

	handled := sink.byKind(schemas.KindDialogHandled)
	require.Len(t, handled, 1)
	assert.True(t, handled[0].Payload.(schemas.DialogHandled).ByDefault)
}

func TestPopups_DecisionForUnknownDialogIsIgnored(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newPopups(t, cmd, sink, config.DialogPolicyForward, time.Minute)

	require.NoError(t, w.OnEvent(context.Background(), decision("ghost", true, "")))
	assert.Empty(t, cmd.callsFor("HandleDialog"))
	assert.Empty(t, sink.byKind(schemas.KindDialogHandled))
}

func chooserOpened(id string, node int64) schemas.Event {
	return event(schemas.KindDialogOpened, schemas.DialogOpened{
		ID:     id,
		Type:   schemas.DialogFileChooser,
		URL:    "https://example.test/upload",
		NodeID: node,
	})
}

func TestPopups_ForwardedFileChooserSelectsCallerFiles(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newPopups(t, cmd, sink, config.DialogPolicyForward, time.Minute)

	require.NoError(t, w.OnEvent(context.Background(), chooserOpened("fc1", 77)))
	assert.Empty(t, cmd.callsFor("SetFiles"), "forwarded chooser must wait for a decision")

	require.NoError(t, w.OnEvent(context.Background(), event(schemas.KindDialogDecision, schemas.DialogDecision{
		DialogID: "fc1",
		Accept:   true,
		Files:    []string{"/tmp/report.pdf"},
	})))

	calls := cmd.callsFor("SetFiles")
	require.Len(t, calls, 1)
	assert.Equal(t, int64(77), calls[0].args[0], "files must target the input behind the chooser")
	assert.Equal(t, []string{"/tmp/report.pdf"}, calls[0].args[1])
	assert.Empty(t, cmd.callsFor("HandleDialog"), "a file chooser is not a JS dialog")

	handled := sink.byKind(schemas.KindDialogHandled)
	require.Len(t, handled, 1)
	payload := handled[0].Payload.(schemas.DialogHandled)
	assert.Equal(t, "fc1", payload.DialogID)
	assert.True(t, payload.Accepted)
}

func TestPopups_FileChooserWithoutFilesIsCancelled(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newPopups(t, cmd, sink, config.DialogPolicyDismiss, time.Second)

	require.NoError(t, w.OnEvent(context.Background(), chooserOpened("fc1", 5)))

	assert.Empty(t, cmd.callsFor("SetFiles"))
	assert.Empty(t, cmd.callsFor("HandleDialog"))
	handled := sink.byKind(schemas.KindDialogHandled)
	require.Len(t, handled, 1)
	assert.False(t, handled[0].Payload.(schemas.DialogHandled).Accepted)
}

func TestPopups_ForwardedFileChooserDeadlineCancels(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newPopups(t, cmd, sink, config.DialogPolicyForward, 30*time.Millisecond)

	require.NoError(t, w.OnEvent(context.Background(), chooserOpened("fc1", 5)))

	require.Eventually(t, func() bool {
		return len(sink.byKind(schemas.KindDialogHandled)) == 1
	}, 2*time.Second, 5*time.Millisecond, "deadline must cancel the unanswered chooser")
	payload := sink.byKind(schemas.KindDialogHandled)[0].Payload.(schemas.DialogHandled)
	assert.True(t, payload.ByDefault)
	assert.False(t, payload.Accepted)

	// A decision arriving after the default cancel must be dropped.
	require.NoError(t, w.OnEvent(context.Background(), event(schemas.KindDialogDecision, schemas.DialogDecision{
		DialogID: "fc1",
		Accept:   true,
		Files:    []string{"/tmp/late.txt"},
	})))
	assert.Empty(t, cmd.callsFor("SetFiles"))
}

func TestPopups_RedeliveredOpenDoesNotDoubleRespond(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newPopups(t, cmd, sink, config.DialogPolicyForward, time.Minute)

	require.NoError(t, w.OnEvent(context.Background(), opened("d1")))
	require.NoError(t, w.OnEvent(context.Background(), opened("d1")))
	require.NoError(t, w.OnEvent(context.Background(), decision("d1", false, "")))

	require.Len(t, cmd.callsFor("HandleDialog"), 1)
}
