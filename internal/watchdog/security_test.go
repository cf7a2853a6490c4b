package watchdog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/watchdog"
)

func securityPolicy(allow, deny []string) config.SecurityConfig {
	return config.SecurityConfig{Allow: allow, Deny: deny}
}

func newSecurity(t *testing.T, cmd *fakeCommander, sink *fakeSink, allow, deny []string) *watchdog.Security {
	t.Helper()
	return watchdog.NewSecurity(zaptest.NewLogger(t), cmd, sink, securityPolicy(allow, deny))
}

func TestSecurity_AllowedNavigationContinues(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newSecurity(t, cmd, sink, []string{"*"}, []string{"*.blocked.test"})

	err := w.OnEvent(context.Background(), event(schemas.KindNavigationIntent, schemas.NavigationIntent{
		URL:       "https://example.test/page",
		RequestID: "r1",
	}))
	require.NoError(t, err)

	calls := cmd.callsFor("ContinueRequest")
	require.Len(t, calls, 1)
	assert.Equal(t, "r1", calls[0].args[0])
	assert.Empty(t, cmd.callsFor("FailRequest"))
	assert.Empty(t, sink.byKind(schemas.KindNavigationDenied))
}

func TestSecurity_DeniedNavigationFailsPreCommit(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}
	w := newSecurity(t, cmd, sink, []string{"*"}, []string{"*.blocked.test"})

	err := w.OnEvent(context.Background(), event(schemas.KindNavigationIntent, schemas.NavigationIntent{
		URL:       "https://evil.blocked.test/path",
		RequestID: "r2",
	}))
	require.NoError(t, err)

	calls := cmd.callsFor("FailRequest")
	require.Len(t, calls, 1)
	assert.Equal(t, "r2", calls[0].args[0], "the paused request itself must be failed")
	assert.Empty(t, cmd.callsFor("ContinueRequest"))

	denied := sink.byKind(schemas.KindNavigationDenied)
	require.Len(t, denied, 1)
	payload := denied[0].Payload.(schemas.NavigationDenied)
	assert.Equal(t, "https://evil.blocked.test/path", payload.URL)
	assert.Equal(t, "*.blocked.test", payload.Pattern)
}

func TestSecurity_Decide(t *testing.T) {
	cmd := newFakeCommander()
	sink := &fakeSink{}

	tests := []struct {
		name    string
		allow   []string
		deny    []string
		url     string
		denied  bool
		pattern string
	}{
		{"wildcard allows all", []string{"*"}, nil, "https://anything.test/", false, "*"},
		{"deny wins over allow", []string{"*"}, []string{"evil.test"}, "https://evil.test/", true, "evil.test"},
		{"suffix matches subdomain", []string{"*"}, []string{"*.blocked.test"}, "https://a.b.blocked.test/", true, "*.blocked.test"},
		{"suffix matches apex", []string{"*"}, []string{"*.blocked.test"}, "https://blocked.test/", true, "*.blocked.test"},
		{"suffix does not match lookalike", []string{"*"}, []string{"*.blocked.test"}, "https://notblocked.test/", false, "*"},
		{"empty allow denies", nil, nil, "https://example.test/", true, ""},
		{"exact allow", []string{"example.test"}, nil, "https://example.test/", false, "example.test"},
		{"exact allow rejects others", []string{"example.test"}, nil, "https://other.test/", true, ""},
		{"no host passes", nil, []string{"*"}, "about:blank", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newSecurity(t, cmd, sink, tt.allow, tt.deny)
			pattern, denied := w.Decide(tt.url)
			assert.Equal(t, tt.denied, denied)
			assert.Equal(t, tt.pattern, pattern)
		})
	}
}
