package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChatRequest is the canonical internal representation of an incoming
// chat-completions request. The client surface is OpenAI-compatible, so this is
// mostly a direct decoding of the wire body plus tracking fields attached by the
// proxy.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`

	// Internal tracking (never serialized upstream)
	RequestID  string    `json:"-"`
	ReceivedAt time.Time `json:"-"`
	// Raw is the client's original body; the forwarder patches the model
	// field into it rather than re-marshaling, so unknown fields survive.
	Raw []byte `json:"-"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
	// NonText is set when the wire content carried non-text parts (images,
	// audio). Routing treats those conservatively.
	NonText bool `json:"-"`
}

// UnmarshalJSON accepts both the plain-string content form and the multi-part
// array form. Text parts are concatenated; non-text parts set NonText.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role
	m.Name = wire.Name
	if len(wire.Content) == 0 || string(wire.Content) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(wire.Content, &s); err == nil {
		m.Content = s
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(wire.Content, &parts); err != nil {
		return fmt.Errorf("message content must be a string or an array of parts")
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "" && p.Type != "text" {
			m.NonText = true
			continue
		}
		if b.Len() > 0 && p.Text != "" {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	m.Content = b.String()
	return nil
}

// Tool is an OpenAI-style tool definition. Parameters are kept raw: the proxy
// never interprets them, it only forwards and fingerprints them.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// HasNonText reports whether any message carried non-text content parts.
func (r *ChatRequest) HasNonText() bool {
	for _, m := range r.Messages {
		if m.NonText {
			return true
		}
	}
	return false
}

// UserContent concatenates the content of all user-role messages, separated by
// newlines. This is the text the router scores.
func (r *ChatRequest) UserContent() string {
	var b strings.Builder
	for _, m := range r.Messages {
		if m.Role != "user" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
