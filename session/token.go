package session

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
)

// tokenEntropyBytes is the number of random bytes behind each token.
// 32 bytes = 256 bits, hex-encoded to a fixed 64 characters.
const tokenEntropyBytes = 32

// TokenIssuer produces session tokens. Abstracted so tests can substitute a
// deterministic generator.
type TokenIssuer interface {
	Issue() (string, error)
}

// CryptoTokenIssuer issues tokens from the platform's cryptographically secure
// random source.
type CryptoTokenIssuer struct{}

func (CryptoTokenIssuer) Issue() (string, error) {
	b := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "[CryptoTokenIssuer.Issue] reading random source")
	}
	return hex.EncodeToString(b), nil
}

var _ TokenIssuer = CryptoTokenIssuer{}
