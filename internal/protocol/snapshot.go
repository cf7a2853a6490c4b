package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// captureScript flattens the live DOM into parent-indexed node and layout
// tables. Doing the walk in one evaluation keeps structure, style, and
// geometry mutually consistent; the shape mirrors schemas.RawSnapshot.
const captureScript = `(function() {
	const nodes = [];
	const layout = [];

	function visible(style, rect) {
		return style.visibility !== 'hidden' &&
			style.opacity !== '0' &&
			rect.width > 0 && rect.height > 0;
	}

	function walk(node, parentIndex) {
		const idx = nodes.length;
		const entry = {
			parentIndex: parentIndex,
			nodeType: node.nodeType,
			nodeName: node.nodeName,
			nodeValue: node.nodeValue || '',
			attributes: [],
			layoutIndex: -1
		};
		nodes.push(entry);

		if (node.nodeType === Node.ELEMENT_NODE) {
			for (const attr of node.attributes) {
				entry.attributes.push(attr.name, attr.value);
			}
			const style = window.getComputedStyle(node);
			const rect = node.getBoundingClientRect();
			entry.layoutIndex = layout.length;
			layout.push({
				bounds: {
					x: rect.left + window.scrollX,
					y: rect.top + window.scrollY,
					width: rect.width,
					height: rect.height
				},
				display: style.display,
				visible: visible(style, rect)
			});
		}

		for (const child of node.childNodes) {
			walk(child, idx);
		}
	}

	walk(document, -1);

	return {
		documentURL: document.location.href,
		nodes: nodes,
		layout: layout,
		viewport: {
			x: window.scrollX,
			y: window.scrollY,
			width: window.innerWidth,
			height: window.innerHeight
		}
	};
})()`

// Wire shapes produced by captureScript.
type wireSnapshot struct {
	DocumentURL string       `json:"documentURL"`
	Nodes       []wireNode   `json:"nodes"`
	Layout      []wireLayout `json:"layout"`
	Viewport    schemas.Rect `json:"viewport"`
}

type wireNode struct {
	ParentIndex int      `json:"parentIndex"`
	NodeType    int      `json:"nodeType"`
	NodeName    string   `json:"nodeName"`
	NodeValue   string   `json:"nodeValue"`
	Attributes  []string `json:"attributes"`
	LayoutIndex int      `json:"layoutIndex"`
}

type wireLayout struct {
	Bounds  schemas.Rect `json:"bounds"`
	Display string       `json:"display"`
	Visible bool         `json:"visible"`
}

// decodeRawSnapshot maps the capture script's result onto the typed raw
// snapshot handed to the extraction engine.
func decodeRawSnapshot(data []byte) (*schemas.RawSnapshot, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("capture script returned no result")
	}
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	raw := &schemas.RawSnapshot{
		DocumentURL: w.DocumentURL,
		Nodes:       make([]schemas.RawNode, len(w.Nodes)),
		Layout:      make([]schemas.RawLayout, len(w.Layout)),
		Viewport:    w.Viewport,
	}
	for i, n := range w.Nodes {
		raw.Nodes[i] = schemas.RawNode{
			ParentIndex: n.ParentIndex,
			NodeType:    n.NodeType,
			NodeName:    n.NodeName,
			NodeValue:   n.NodeValue,
			Attributes:  n.Attributes,
			LayoutIndex: n.LayoutIndex,
		}
	}
	for i, l := range w.Layout {
		raw.Layout[i] = schemas.RawLayout{
			Bounds:  l.Bounds,
			Display: l.Display,
			Visible: l.Visible,
		}
	}
	return raw, nil
}
