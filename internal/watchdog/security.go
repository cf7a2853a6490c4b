package watchdog

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/protocol"
)

// Security enforces the navigation allow/deny policy. Intercepted document
// requests surface as navigation-intent events; a denied intent is failed
// while the request is still paused, before the navigation can commit.
type Security struct {
	*base
	allow []string
	deny  []string
}

// NewSecurity creates the security watchdog from the configured policy. Deny
// patterns win over allow patterns; an empty allow list permits nothing.
func NewSecurity(logger *zap.Logger, cmd protocol.Commander, sink protocol.Sink, policy config.SecurityConfig) *Security {
	return &Security{
		base:  newBase("security", logger, cmd, sink),
		allow: policy.Allow,
		deny:  policy.Deny,
	}
}

func (s *Security) Kinds() []schemas.EventKind {
	return []schemas.EventKind{schemas.KindNavigationIntent}
}

func (s *Security) OnEvent(ctx context.Context, ev schemas.Event) error {
	intent, ok := ev.Payload.(schemas.NavigationIntent)
	if !ok {
		return nil
	}

	pattern, denied := s.Decide(intent.URL)
	if !denied {
		return s.command(ctx, "continue_request", func(c context.Context) error {
			return s.cmd.ContinueRequest(c, intent.RequestID)
		})
	}

	s.logger.Warn("Navigation denied by policy.",
		zap.String("url", intent.URL),
		zap.String("pattern", pattern),
	)
	if err := s.command(ctx, "fail_request", func(c context.Context) error {
		return s.cmd.FailRequest(c, intent.RequestID)
	}); err != nil {
		return err
	}
	s.publish(ctx, schemas.KindNavigationDenied, schemas.NavigationDenied{
		URL:     intent.URL,
		Pattern: pattern,
	})
	return nil
}

// Decide evaluates the policy for a URL, returning the matching pattern and
// whether the navigation is denied.
func (s *Security) Decide(rawURL string) (pattern string, denied bool) {
	host := hostOf(rawURL)
	if host == "" {
		// Non-hierarchical URLs (about:, data:) carry no host to match;
		// they pass the domain policy.
		return "", false
	}
	for _, p := range s.deny {
		if matchDomain(p, host) {
			return p, true
		}
	}
	for _, p := range s.allow {
		if matchDomain(p, host) {
			return p, false
		}
	}
	return "", true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// matchDomain matches a policy pattern against a hostname. "*" matches
// everything; "*.example.test" matches example.test and any of its
// subdomains; anything else is an exact match.
func matchDomain(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}
