package payment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Challenge is a parsed HTTP 402 response body. It describes the payment the
// client must authorize to proceed. Ephemeral: it lives only inside one
// request's payment state.
type Challenge struct {
	Amount     decimal.Decimal            `json:"amount"`
	Asset      string                     `json:"asset"`
	Chain      string                     `json:"chain"`
	Recipient  string                     `json:"recipient"`
	Nonce      string                     `json:"nonce"`
	ValidUntil int64                      `json:"validUntil"`
	Extra      map[string]json.RawMessage `json:"extra,omitempty"`
}

// ParseChallenge decodes and validates a 402 body.
func ParseChallenge(body []byte) (*Challenge, error) {
	var ch Challenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("decode payment challenge: %w", err)
	}
	if ch.Amount.IsNegative() {
		return nil, fmt.Errorf("payment challenge: negative amount %s", ch.Amount)
	}
	if ch.Recipient == "" {
		return nil, fmt.Errorf("payment challenge: missing recipient")
	}
	if ch.Nonce == "" {
		return nil, fmt.Errorf("payment challenge: missing nonce")
	}
	if ch.ValidUntil == 0 {
		return nil, fmt.Errorf("payment challenge: missing validUntil")
	}
	return &ch, nil
}

// Expiry returns validUntil as a time.
func (c *Challenge) Expiry() time.Time {
	return time.Unix(c.ValidUntil, 0)
}

// canonical renders the challenge fields in a fixed order for signing. The
// signer is deterministic given its key and this string plus the request
// digest.
func (c *Challenge) canonical() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		c.Amount.String(), c.Asset, c.Chain, c.Recipient, c.Nonce, c.ValidUntil)
}
