package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UI part types carried by a conversation turn. Only PartText reaches the
// upstream providers; the rest are client-side artefacts.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartFile      = "file"
	PartSourceURL = "source-url"
	PartStepStart = "step-start"
)

// UIPart is one content block of a conversation turn.
type UIPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// UIMessage is one conversation turn as stored by the client: a role plus
// rich content blocks.
//
// Clients send blocks either as "parts" or, in the older shape, as
// "content" holding a plain string or an array of blocks. Both decode into
// Parts.
type UIMessage struct {
	ID    string   `json:"id,omitempty"`
	Role  string   `json:"role"`
	Parts []UIPart `json:"parts"`
}

func (m *UIMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      string          `json:"id"`
		Role    string          `json:"role"`
		Parts   []UIPart        `json:"parts"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ID = raw.ID
	m.Role = raw.Role
	m.Parts = raw.Parts

	content := bytes.TrimSpace(raw.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil
	}
	switch content[0] {
	case '"':
		var text string
		if err := json.Unmarshal(content, &text); err != nil {
			return fmt.Errorf("domain: decode message content: %w", err)
		}
		m.Parts = append(m.Parts, UIPart{Type: PartText, Text: text})
	case '[':
		var blocks []json.RawMessage
		if err := json.Unmarshal(content, &blocks); err != nil {
			return fmt.Errorf("domain: decode message content blocks: %w", err)
		}
		// Blocks that are not part objects are dropped, not fatal.
		for _, raw := range blocks {
			var part UIPart
			if err := json.Unmarshal(raw, &part); err != nil {
				continue
			}
			m.Parts = append(m.Parts, part)
		}
	}
	// Any other content shape carries nothing the providers can use.
	return nil
}
