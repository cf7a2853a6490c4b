// Package dom converts raw protocol snapshots into the structured, queryable
// element tree handed to callers. Extraction is deterministic: the same raw
// input always produces the same tree and the same reference-id assignment.
package dom

import (
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// json uses the stdlib-compatible config so map keys marshal in sorted order,
// keeping serialized snapshots byte-for-byte reproducible.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	nodeTypeElement = 1
	nodeTypeText    = 3
	nodeTypeDoc     = 9
)

// interactableTags are the element names that receive reference ids when
// visible. Everything else qualifies only through an explicit role or handler
// attribute.
var interactableTags = map[string]struct{}{
	"a":        {},
	"button":   {},
	"input":    {},
	"select":   {},
	"textarea": {},
	"option":   {},
	"details":  {},
	"summary":  {},
	"label":    {},
}

// implicitRoles maps element names to their default accessibility role.
var implicitRoles = map[string]string{
	"a":        "link",
	"button":   "button",
	"input":    "textbox",
	"select":   "combobox",
	"textarea": "textbox",
	"img":      "img",
	"nav":      "navigation",
	"main":     "main",
	"header":   "banner",
	"footer":   "contentinfo",
	"form":     "form",
	"table":    "table",
	"h1":       "heading",
	"h2":       "heading",
	"h3":       "heading",
	"h4":       "heading",
	"h5":       "heading",
	"h6":       "heading",
}

// Extract builds the rooted element tree and the interactable-node index from
// a raw snapshot. The first pass reconstructs parent/child links from the
// flattened node list; the second prunes decorative nodes and assigns
// reference ids in document order.
func Extract(raw *schemas.RawSnapshot) (*schemas.Snapshot, error) {
	if raw == nil || len(raw.Nodes) == 0 {
		return nil, fmt.Errorf("empty raw snapshot")
	}

	// Pass 1: rebuild the tree. Children keep source order, so document order
	// is preserved without any sorting.
	childIdx := make([][]int, len(raw.Nodes))
	rootIdx := -1
	for i, rn := range raw.Nodes {
		if rn.ParentIndex < 0 {
			if rootIdx == -1 {
				rootIdx = i
			}
			continue
		}
		if rn.ParentIndex >= len(raw.Nodes) {
			return nil, fmt.Errorf("node %d has out-of-range parent index %d", i, rn.ParentIndex)
		}
		childIdx[rn.ParentIndex] = append(childIdx[rn.ParentIndex], i)
	}
	if rootIdx == -1 {
		return nil, fmt.Errorf("raw snapshot has no root node")
	}

	snap := &schemas.Snapshot{URL: raw.DocumentURL}
	root := buildNode(raw, rootIdx, childIdx)
	if root == nil {
		return nil, fmt.Errorf("raw snapshot root pruned entirely")
	}

	// Pass 2: assign reference ids to interactable nodes in document order.
	assignRefs(root, snap)
	snap.Root = root
	return snap, nil
}

// buildNode constructs the subtree rooted at index i, pruning display:none
// subtrees and decorative leaves. Returns nil when the node was pruned.
func buildNode(raw *schemas.RawSnapshot, i int, childIdx [][]int) *schemas.ElementNode {
	rn := raw.Nodes[i]

	switch rn.NodeType {
	case nodeTypeDoc:
		// The document node contributes no element; promote its single
		// element child (the html node) as the tree root.
		for _, ci := range childIdx[i] {
			if n := buildNode(raw, ci, childIdx); n != nil {
				return n
			}
		}
		return nil
	case nodeTypeText, nodeTypeElement:
	default:
		return nil
	}

	if rn.NodeType == nodeTypeText {
		// Text folds into the parent during element construction.
		return nil
	}

	tag := strings.ToLower(rn.NodeName)
	if tag == "script" || tag == "style" || tag == "noscript" || tag == "template" {
		return nil
	}

	layout, hasLayout := layoutFor(raw, rn)
	if hasLayout && layout.Display == "none" {
		return nil
	}

	node := &schemas.ElementNode{Tag: tag}
	if len(rn.Attributes) >= 2 {
		node.Attributes = make(map[string]string, len(rn.Attributes)/2)
		for j := 0; j+1 < len(rn.Attributes); j += 2 {
			node.Attributes[strings.ToLower(rn.Attributes[j])] = rn.Attributes[j+1]
		}
	}
	if hasLayout {
		node.Bounds = layout.Bounds
		node.Visible = layout.Visible && !layout.Bounds.Empty()
	}
	node.Role = roleFor(tag, node.Attributes)

	var textParts []string
	for _, ci := range childIdx[i] {
		crn := raw.Nodes[ci]
		if crn.NodeType == nodeTypeText {
			if t := strings.TrimSpace(crn.NodeValue); t != "" {
				textParts = append(textParts, t)
			}
			continue
		}
		if child := buildNode(raw, ci, childIdx); child != nil {
			node.Children = append(node.Children, child)
		}
	}
	node.Text = strings.Join(textParts, " ")

	// Prune purely decorative nodes: invisible, empty, childless and without
	// an accessibility role.
	if len(node.Children) == 0 && node.Text == "" && !node.Visible && node.Role == "" {
		return nil
	}
	return node
}

// layoutFor resolves the layout entry for a raw node, if any.
func layoutFor(raw *schemas.RawSnapshot, rn schemas.RawNode) (schemas.RawLayout, bool) {
	if rn.LayoutIndex < 0 || rn.LayoutIndex >= len(raw.Layout) {
		return schemas.RawLayout{}, false
	}
	return raw.Layout[rn.LayoutIndex], true
}

// roleFor computes the accessibility role: an explicit role attribute wins,
// otherwise the implicit role of the tag.
func roleFor(tag string, attrs map[string]string) string {
	if r, ok := attrs["role"]; ok && r != "" {
		return r
	}
	if tag == "input" {
		switch attrs["type"] {
		case "button", "submit", "reset", "image":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "range":
			return "slider"
		}
	}
	return implicitRoles[tag]
}

// assignRefs walks the built tree depth-first and hands out reference ids to
// interactable nodes. Document order keeps re-extraction stable for unchanged
// subtrees.
func assignRefs(node *schemas.ElementNode, snap *schemas.Snapshot) {
	if isInteractable(node) {
		snap.Index = append(snap.Index, node)
		node.Ref = len(snap.Index)
	}
	for _, c := range node.Children {
		assignRefs(c, snap)
	}
}

// isInteractable decides whether a node receives a reference id: it must be
// visible with real geometry, and either carry an interactable tag, an
// interactive role, or an explicit click/edit affordance. Nodes below the
// viewport still qualify because they are reachable by scrolling; nodes with
// no geometry at all do not.
func isInteractable(node *schemas.ElementNode) bool {
	if !node.Visible || node.Bounds.Empty() {
		return false
	}
	// Entirely left of or above the page origin is off-canvas decoration.
	if node.Bounds.X+node.Bounds.Width <= 0 || node.Bounds.Y+node.Bounds.Height <= 0 {
		return false
	}
	if _, ok := interactableTags[node.Tag]; ok {
		return true
	}
	switch node.Role {
	case "button", "link", "checkbox", "radio", "tab", "menuitem", "combobox", "textbox", "slider", "switch":
		return true
	}
	if _, ok := node.Attributes["onclick"]; ok {
		return true
	}
	if v, ok := node.Attributes["contenteditable"]; ok && v != "false" {
		return true
	}
	if _, ok := node.Attributes["tabindex"]; ok {
		return true
	}
	return false
}

// Marshal serializes a snapshot deterministically.
func Marshal(snap *schemas.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// Listing renders the numbered interactable-element listing consumed by a
// decision-making caller: one line per reference id, in document order.
func Listing(snap *schemas.Snapshot) string {
	if snap == nil {
		return ""
	}
	var sb strings.Builder
	for _, n := range snap.Index {
		sb.WriteString(fmt.Sprintf("[%d] <%s", n.Ref, n.Tag))
		keys := make([]string, 0, len(n.Attributes))
		for k := range n.Attributes {
			switch k {
			case "id", "name", "type", "href", "placeholder", "value", "aria-label", "role":
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf(" %s=%q", k, n.Attributes[k]))
		}
		sb.WriteString(">")
		if n.Text != "" {
			sb.WriteString(" ")
			sb.WriteString(truncate(n.Text, 80))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// truncate cuts on rune boundaries so multi-byte text stays valid UTF-8.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		count++
		if count > n {
			return s[:i] + "..."
		}
	}
	return s
}
