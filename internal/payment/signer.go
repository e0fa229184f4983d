package payment

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// Signer produces a ready-to-send payment authorization header for a
// challenge. Implementations must be deterministic given their private key and
// the challenge nonce; the engine never sees the key itself.
type Signer interface {
	// Address is the wallet address the authorizations are signed from.
	Address() string
	// Sign returns the value for the payment authorization header.
	Sign(ch *Challenge, requestDigest [32]byte) ([]byte, error)
}

// WalletSigner signs payment authorizations with a locally-held secp256k1
// private key, Ethereum address derivation included.
type WalletSigner struct {
	priv    *secp256k1.PrivateKey
	address string
}

// NewWalletSigner parses a 0x-prefixed hex private key.
func NewWalletSigner(hexKey string) (*WalletSigner, error) {
	if !strings.HasPrefix(hexKey, "0x") {
		return nil, fmt.Errorf("wallet key must be 0x-prefixed hex")
	}
	raw, err := hex.DecodeString(hexKey[2:])
	if err != nil {
		return nil, fmt.Errorf("decode wallet key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("wallet key must be 32 bytes, got %d", len(raw))
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &WalletSigner{
		priv:    priv,
		address: deriveAddress(priv.PubKey()),
	}, nil
}

func (s *WalletSigner) Address() string { return s.address }

// Sign signs keccak256(canonical challenge || request digest) and packages
// the authorization as base64 JSON, the format the upstream settles against.
func (s *WalletSigner) Sign(ch *Challenge, requestDigest [32]byte) ([]byte, error) {
	digest := authDigest(ch, requestDigest)
	sig := secpecdsa.SignCompact(s.priv, digest[:], false)

	auth := authorization{
		From:       s.address,
		Amount:     ch.Amount.String(),
		Asset:      ch.Asset,
		Chain:      ch.Chain,
		Recipient:  ch.Recipient,
		Nonce:      ch.Nonce,
		ValidUntil: ch.ValidUntil,
		Signature:  "0x" + hex.EncodeToString(sig),
	}
	data, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("marshal payment authorization: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out, nil
}

type authorization struct {
	From       string `json:"from"`
	Amount     string `json:"amount"`
	Asset      string `json:"asset"`
	Chain      string `json:"chain"`
	Recipient  string `json:"recipient"`
	Nonce      string `json:"nonce"`
	ValidUntil int64  `json:"validUntil"`
	Signature  string `json:"signature"`
}

func authDigest(ch *Challenge, requestDigest [32]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(ch.canonical()))
	h.Write(requestDigest[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// deriveAddress computes the Ethereum-style address: the last 20 bytes of
// keccak256 over the uncompressed public key without its format byte.
func deriveAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}

// RequestDigest hashes the outgoing request body. It binds a signed
// authorization to one logical request.
func RequestDigest(body []byte) [32]byte {
	return sha256.Sum256(body)
}
