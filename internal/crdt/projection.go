package crdt

import (
	"encoding/json"
)

const (
	nodeDoc  = "doc"
	nodeText = "text"
)

// Node is a ProseMirror JSON node. Text nodes omit content; every other node
// always serializes a content array, even when empty.
type Node struct {
	Type    string
	Attrs   map[string]any
	Content []Node
	Text    string
}

type elementNode struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content"`
}

type textNode struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MarshalJSON implements json.Marshaler.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Type == nodeText {
		return json.Marshal(textNode{Type: n.Type, Text: n.Text})
	}
	content := n.Content
	if content == nil {
		content = []Node{}
	}
	return json.Marshal(elementNode{Type: n.Type, Attrs: n.Attrs, Content: content})
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    string         `json:"type"`
		Attrs   map[string]any `json:"attrs"`
		Content []Node         `json:"content"`
		Text    string         `json:"text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.Type = raw.Type
	n.Attrs = raw.Attrs
	n.Content = raw.Content
	n.Text = raw.Text
	return nil
}

// EmptyContent is the tree of a document nobody has written to yet.
func EmptyContent() Node {
	return Node{Type: nodeDoc, Content: []Node{{Type: BlockParagraph}}}
}

// EmptyContentJSON is EmptyContent serialized.
func EmptyContentJSON() string {
	encoded, _ := json.Marshal(EmptyContent())
	return string(encoded)
}

// Content derives the ProseMirror tree from the CRDT state.
func (d *Document) Content() (Node, error) {
	blocks, err := d.Blocks()
	if err != nil {
		return Node{}, err
	}
	return ContentFromBlocks(blocks), nil
}

// ContentJSON derives the JSON projection stored next to the binary state.
func (d *Document) ContentJSON() (string, error) {
	content, err := d.Content()
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// ContentFromBlocks builds the ProseMirror tree for ordered blocks.
func ContentFromBlocks(blocks []Block) Node {
	if len(blocks) == 0 {
		return EmptyContent()
	}
	root := Node{Type: nodeDoc, Content: make([]Node, 0, len(blocks))}
	for _, block := range blocks {
		node := Node{Type: block.Type, Attrs: block.Attrs}
		if len(node.Attrs) == 0 {
			node.Attrs = nil
		}
		if block.Text != "" {
			node.Content = []Node{{Type: nodeText, Text: block.Text}}
		}
		root.Content = append(root.Content, node)
	}
	return root
}

// PlainText flattens the tree to newline separated block text.
func (n Node) PlainText() string {
	if n.Type == nodeText {
		return n.Text
	}
	var text string
	for index, child := range n.Content {
		childText := child.PlainText()
		if n.Type == nodeDoc && index > 0 {
			text += "\n"
		}
		text += childText
	}
	return text
}
