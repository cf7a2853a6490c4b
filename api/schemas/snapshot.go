package schemas

// RawNode is one entry in the flattened node list delivered by the protocol
// collaborator. ParentIndex is -1 for the document root. Attributes is a flat
// name/value pair list in source order.
type RawNode struct {
	ParentIndex int
	NodeType    int
	NodeName    string
	NodeValue   string
	Attributes  []string
	// LayoutIndex is -1 when the node produced no layout box.
	LayoutIndex int
}

// RawLayout is the geometry and the style subset captured per laid-out node.
type RawLayout struct {
	Bounds  Rect
	Display string
	// Visible folds visibility/opacity style checks done by the capture
	// script into one flag.
	Visible bool
}

// RawSnapshot is the unprocessed capture the extraction engine consumes.
type RawSnapshot struct {
	DocumentURL string
	Nodes       []RawNode
	Layout      []RawLayout
	// Viewport is the visible area at capture time.
	Viewport Rect
}

// Rect is an axis-aligned bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the rect has no area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// ElementNode is one node of the extracted tree. Ref is a per-snapshot
// reference id assigned in document order to interactable nodes; it is 0 for
// nodes that cannot be targeted. A Ref from snapshot N must never be used
// against snapshot N+1.
type ElementNode struct {
	Ref        int               `json:"ref,omitempty"`
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Text       string            `json:"text,omitempty"`
	Role       string            `json:"role,omitempty"`
	Bounds     Rect              `json:"bounds"`
	Visible    bool              `json:"visible"`
	Children   []*ElementNode    `json:"children,omitempty"`
}

// Snapshot is a point-in-time tree of element nodes plus a flat index of
// interactable nodes keyed by reference id. It is immutable once built and
// replaced wholesale on the next extraction.
type Snapshot struct {
	URL  string       `json:"url"`
	Root *ElementNode `json:"root"`
	// Index maps Ref-1 to the node carrying that Ref, in document order.
	Index []*ElementNode `json:"-"`
}

// ByRef resolves a reference id within this snapshot.
func (s *Snapshot) ByRef(ref int) (*ElementNode, bool) {
	if s == nil || ref < 1 || ref > len(s.Index) {
		return nil, false
	}
	return s.Index[ref-1], true
}
