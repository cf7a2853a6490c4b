package dom

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// Find resolves a simple CSS-style selector against a snapshot and returns the
// first match in document order. Supported grammar is one compound selector:
// tag, #id, .class, [attr], [attr=value], and combinations thereof
// (e.g. `input.search`, `button[type=submit]`). Returns ErrNotFound when
// nothing matches.
func Find(snap *schemas.Snapshot, selector string) (*schemas.ElementNode, error) {
	if snap == nil || snap.Root == nil {
		return nil, schemas.ErrNotFound
	}
	sel, err := parseSelector(selector)
	if err != nil {
		return nil, err
	}
	if n := findFirst(snap.Root, sel); n != nil {
		return n, nil
	}
	return nil, fmt.Errorf("selector %q: %w", selector, schemas.ErrNotFound)
}

type selector struct {
	tag     string
	id      string
	classes []string
	attrs   map[string]string // value "" means presence-only when hasValue is false
	present []string
}

func parseSelector(s string) (*selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty selector")
	}
	if strings.ContainsAny(s, " >+~,") {
		return nil, fmt.Errorf("unsupported selector %q: only single compound selectors are supported", s)
	}

	sel := &selector{attrs: map[string]string{}}
	rest := s
	// Leading tag name, if any.
	i := strings.IndexAny(rest, "#.[")
	if i != 0 {
		if i == -1 {
			sel.tag = strings.ToLower(rest)
			return sel, nil
		}
		sel.tag = strings.ToLower(rest[:i])
		rest = rest[i:]
	}

	for rest != "" {
		switch rest[0] {
		case '#':
			rest = rest[1:]
			end := strings.IndexAny(rest, "#.[")
			if end == -1 {
				end = len(rest)
			}
			sel.id = rest[:end]
			rest = rest[end:]
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, "#.[")
			if end == -1 {
				end = len(rest)
			}
			sel.classes = append(sel.classes, rest[:end])
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end == -1 {
				return nil, fmt.Errorf("selector %q: unterminated attribute clause", s)
			}
			clause := rest[1:end]
			rest = rest[end+1:]
			if name, value, ok := strings.Cut(clause, "="); ok {
				sel.attrs[strings.ToLower(name)] = strings.Trim(value, `"'`)
			} else {
				sel.present = append(sel.present, strings.ToLower(clause))
			}
		default:
			return nil, fmt.Errorf("selector %q: unexpected %q", s, rest[0])
		}
	}
	return sel, nil
}

func findFirst(n *schemas.ElementNode, sel *selector) *schemas.ElementNode {
	if sel.matches(n) {
		return n
	}
	for _, c := range n.Children {
		if m := findFirst(c, sel); m != nil {
			return m
		}
	}
	return nil
}

func (sel *selector) matches(n *schemas.ElementNode) bool {
	if sel.tag != "" && n.Tag != sel.tag {
		return false
	}
	if sel.id != "" && n.Attributes["id"] != sel.id {
		return false
	}
	if len(sel.classes) > 0 {
		have := strings.Fields(n.Attributes["class"])
		for _, want := range sel.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for name, value := range sel.attrs {
		if n.Attributes[name] != value {
			return false
		}
	}
	for _, name := range sel.present {
		if _, ok := n.Attributes[name]; !ok {
			return false
		}
	}
	return true
}
