package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/clawinfra/clawrouter/internal/types"
)

// canonicalRequest is the fingerprint input. Field order is fixed by the
// struct, so encoding is deterministic regardless of how the client ordered
// its JSON keys. The stream flag is deliberately absent: streaming and
// non-streaming renditions of the same prompt share a fingerprint.
type canonicalRequest struct {
	Model       string             `json:"model"`
	Messages    []canonicalMessage `json:"messages"`
	Temperature *float64           `json:"temperature"`
	MaxTokens   *int               `json:"max_tokens"`
	Tools       []types.Tool       `json:"tools"`
}

type canonicalMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fingerprint computes the content-addressed hash identifying a logically
// identical request. Collisions are treated as equality.
func Fingerprint(req *types.ChatRequest, resolvedModel string) string {
	c := canonicalRequest{
		Model:       resolvedModel,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	c.Messages = make([]canonicalMessage, len(req.Messages))
	for i, m := range req.Messages {
		c.Messages[i] = canonicalMessage{
			Role:    m.Role,
			Content: strings.TrimSpace(m.Content),
		}
	}
	if len(req.Tools) > 0 {
		c.Tools = make([]types.Tool, len(req.Tools))
		copy(c.Tools, req.Tools)
		sort.Slice(c.Tools, func(i, j int) bool {
			return c.Tools[i].Function.Name < c.Tools[j].Function.Name
		})
	}

	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
