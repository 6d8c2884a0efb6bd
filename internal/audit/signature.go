package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	sigScheme   = "hmac-sha256"
	minKeyBytes = 32
)

var errShortKey = errors.New("signing key too short")

// Signer seals audit reports with HMAC-SHA256.
type Signer struct {
	key []byte
}

// NewSigner takes either a hex string of at least 64 characters or a raw
// key of at least 32 bytes.
func NewSigner(key string) (*Signer, error) {
	raw, err := keyBytes(key)
	if err != nil {
		return nil, err
	}
	return &Signer{key: raw}, nil
}

func keyBytes(key string) ([]byte, error) {
	if len(key) >= 2*minKeyBytes {
		if b, err := hex.DecodeString(key); err == nil {
			return b, nil
		}
	}
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", errShortKey, minKeyBytes, len(key))
	}
	return []byte(key), nil
}

func (s *Signer) mac(data []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return h.Sum(nil)
}

// Sign returns "hmac-sha256:<hex digest>".
func (s *Signer) Sign(data []byte) string {
	return sigScheme + ":" + hex.EncodeToString(s.mac(data))
}

// Verify reports whether signature was produced by Sign over data. Unknown
// schemes and malformed digests never verify.
func (s *Signer) Verify(data []byte, signature string) bool {
	scheme, digest, ok := strings.Cut(signature, ":")
	if !ok || scheme != sigScheme {
		return false
	}
	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	return hmac.Equal(s.mac(data), want)
}
