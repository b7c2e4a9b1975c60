package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// maxTextDepth bounds recursion through nested content envelopes.
const maxTextDepth = 8

// ExtractText pulls display text out of the message shapes the gateway emits:
// a plain string, an array of content blocks, or an object with content or text.
func ExtractText(raw json.RawMessage) string {
	return extractText(raw, 0)
}

func extractText(raw json.RawMessage, depth int) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || depth > maxTextDepth {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '[':
		var blocks []json.RawMessage
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return ""
		}
		var b strings.Builder
		for _, block := range blocks {
			if text, ok := textBlock(block); ok {
				b.WriteString(text)
			}
		}
		return b.String()
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return ""
		}
		if content, ok := obj["content"]; ok {
			return extractText(content, depth+1)
		}
		if text, ok := obj["text"]; ok {
			return stringify(text)
		}
	}
	return ""
}

// textBlock accepts {type:"text", text:"…"} and untyped {text:"…"} blocks.
func textBlock(raw json.RawMessage) (string, bool) {
	var block struct {
		Type string          `json:"type"`
		Text json.RawMessage `json:"text"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return "", false
	}
	if block.Type != "" && block.Type != "text" {
		return "", false
	}
	if len(block.Text) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(block.Text, &s); err != nil {
		return "", false
	}
	return s, true
}

func stringify(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}
