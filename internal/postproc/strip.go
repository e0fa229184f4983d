// Package postproc strips provider-specific thinking tokens from upstream
// payloads before they reach the client. Configured with no delimiters it is
// the identity.
package postproc

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Processor rewrites upstream payloads. Streaming invocation is per SSE
// event; non-streaming is per response body. A host may substitute its own
// implementation.
type Processor interface {
	// StripBody rewrites a full non-streaming response body.
	StripBody(body []byte) []byte
	// StreamFilter returns a per-stream filter. One filter per upstream
	// stream: it carries state for delimiters straddling event boundaries.
	StreamFilter() StreamFilter
}

// StreamFilter rewrites one stream's events in order.
type StreamFilter interface {
	// Event rewrites the delta content of one SSE data payload.
	Event(data []byte) []byte
	// Flush releases any carried text at stream end.
	Flush() []byte
}

// Delimiters describes one thinking-token wrapping: an opening and closing
// marker whose enclosed text is removed.
type Delimiters struct {
	Open  string
	Close string
}

// DefaultDelimiters covers the wrappings seen in the wild.
var DefaultDelimiters = []Delimiters{
	{Open: "<think>", Close: "</think>"},
	{Open: "<thinking>", Close: "</thinking>"},
	{Open: "[THINK]", Close: "[/THINK]"},
}

// Stripper is the default Processor.
type Stripper struct {
	delims []Delimiters
	maxLen int
}

func NewStripper(delims []Delimiters) *Stripper {
	maxLen := 0
	for _, d := range delims {
		if len(d.Open) > maxLen {
			maxLen = len(d.Open)
		}
		if len(d.Close) > maxLen {
			maxLen = len(d.Close)
		}
	}
	return &Stripper{delims: delims, maxLen: maxLen}
}

// Identity returns a Processor that passes everything through unchanged.
func Identity() *Stripper { return NewStripper(nil) }

func (s *Stripper) StripBody(body []byte) []byte {
	if len(s.delims) == 0 {
		return body
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return body
	}
	changed := false
	out := body
	for _, c := range resp.Choices {
		stripped := stripAll(c.Message.Content, s.delims)
		if stripped != c.Message.Content {
			changed = true
			// Rewrite in place via a marshal round-trip of the content field
			// only; the rest of the body is left untouched. HTML escaping
			// must be disabled so the encoded snippet matches the raw body.
			oldEnc := marshalNoEscape(c.Message.Content)
			newEnc := marshalNoEscape(stripped)
			out = bytes.Replace(out, oldEnc, newEnc, 1)
		}
	}
	if !changed {
		return body
	}
	return out
}

func (s *Stripper) StreamFilter() StreamFilter {
	return &streamFilter{stripper: s}
}

// streamFilter maintains a carry-over buffer sized to the longest delimiter
// so markers straddling chunk boundaries are still removed. It also tracks
// whether the stream is currently inside a thinking block.
type streamFilter struct {
	stripper *Stripper
	carry    string
	inside   int // index+1 into delims of the open block, 0 when outside
}

func (f *streamFilter) Event(data []byte) []byte {
	if len(f.stripper.delims) == 0 {
		return data
	}
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil || len(chunk.Choices) == 0 {
		return data
	}
	content := chunk.Choices[0].Delta.Content
	if content == "" {
		return data
	}

	emitted := f.filter(content)
	if emitted == content {
		return data
	}
	oldEnc, newEnc := marshalNoEscape(content), marshalNoEscape(emitted)
	if !bytes.Contains(data, oldEnc) {
		// The payload escapes HTML characters the way encoding/json does.
		oldEnc, _ = json.Marshal(content)
		newEnc, _ = json.Marshal(emitted)
	}
	return bytes.Replace(data, oldEnc, newEnc, 1)
}

// filter consumes text, removing thinking blocks, and returns what may be
// emitted now. A suffix that could be a split delimiter is carried over.
func (f *streamFilter) filter(text string) string {
	work := f.carry + text
	f.carry = ""
	var out strings.Builder

	for work != "" {
		if f.inside > 0 {
			closeTok := f.stripper.delims[f.inside-1].Close
			if idx := strings.Index(work, closeTok); idx >= 0 {
				work = work[idx+len(closeTok):]
				f.inside = 0
				continue
			}
			// Still inside: keep only the tail that could hold a split
			// closing marker.
			f.carry = tail(work, len(closeTok)-1)
			return out.String()
		}

		openIdx, which := -1, 0
		for i, d := range f.stripper.delims {
			if idx := strings.Index(work, d.Open); idx >= 0 && (openIdx < 0 || idx < openIdx) {
				openIdx, which = idx, i+1
			}
		}
		if openIdx >= 0 {
			out.WriteString(work[:openIdx])
			work = work[openIdx+len(f.stripper.delims[which-1].Open):]
			f.inside = which
			continue
		}

		// No opener found. Emit all but a tail that could be a split opener.
		keep := len(work) - (f.stripper.maxLen - 1)
		if keep < 0 {
			keep = 0
		}
		split := keep
		for i := keep; i < len(work); i++ {
			if couldOpen(work[i:], f.stripper.delims) {
				split = i
				break
			}
			split = i + 1
		}
		out.WriteString(work[:split])
		f.carry = work[split:]
		return out.String()
	}
	return out.String()
}

func (f *streamFilter) Flush() []byte {
	if f.inside > 0 || f.carry == "" {
		f.carry = ""
		return nil
	}
	out := f.carry
	f.carry = ""
	return []byte(out)
}

// couldOpen reports whether s is a prefix of any opening delimiter.
func couldOpen(s string, delims []Delimiters) bool {
	for _, d := range delims {
		if strings.HasPrefix(d.Open, s) {
			return true
		}
	}
	return false
}

// stripAll removes all thinking blocks from a complete (non-streaming) text,
// reusing the streaming filter so both paths drop unterminated blocks the
// same way.
func stripAll(text string, delims []Delimiters) string {
	f := &streamFilter{stripper: NewStripper(delims)}
	var out strings.Builder
	out.WriteString(f.filter(text))
	out.Write(f.Flush())
	return out.String()
}

// marshalNoEscape JSON-encodes s with HTML escaping disabled, so '<' and '>'
// appear literally.
func marshalNoEscape(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
