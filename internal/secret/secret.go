// Package secret generates API key secrets and derives the forms of a secret
// that are safe to keep: a one-way digest for lookups and a short display
// prefix for humans. Nothing in this package holds state.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/go-faster/errors"
)

const (
	// TokenPrefix tags every secret issued by keygate so that the auth
	// middleware can reject foreign credentials without a store lookup.
	TokenPrefix = "kg_"

	// RandomBytes is the amount of CSPRNG material in a secret (256 bits).
	RandomBytes = 32

	// DisplayPrefixLength is the number of plaintext characters kept for display.
	DisplayPrefixLength = 10

	// DisplaySuffix marks a display prefix as truncated.
	DisplaySuffix = "..."
)

// tokenLength is the exact length of a well-formed secret.
const tokenLength = len(TokenPrefix) + 2*RandomBytes

// Generate returns a new secret: TokenPrefix followed by 64 hex characters.
func Generate() (string, error) {
	buf := make([]byte, RandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "read random bytes")
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}

// Digest returns the hex-encoded SHA-256 of the full secret. It is the only
// form of a secret that is ever persisted.
func Digest(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// DisplayPrefix returns the first DisplayPrefixLength characters of the
// secret followed by DisplaySuffix.
func DisplayPrefix(secret string) string {
	if len(secret) <= DisplayPrefixLength {
		return secret + DisplaySuffix
	}
	return secret[:DisplayPrefixLength] + DisplaySuffix
}

// HasTokenPrefix reports whether token is shaped like a keygate secret:
// the prefix tag followed by exactly 64 lowercase hex characters.
func HasTokenPrefix(token string) bool {
	if len(token) != tokenLength || !strings.HasPrefix(token, TokenPrefix) {
		return false
	}
	for _, c := range token[len(TokenPrefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Equal compares two secrets in constant time. Both sides are hashed first
// so the comparison does not leak the length of either input.
func Equal(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
