package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// newToken returns a fresh 32-byte random token, hex encoded. Open and poll
// tokens are generated independently and are never derived from each other.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashToken returns the hex SHA-256 of a plaintext token. Only hashes are
// ever persisted.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// tokenMatches compares a presented plaintext token against a stored hash in
// constant time.
func tokenMatches(presented, storedHash string) bool {
	if presented == "" || storedHash == "" {
		return false
	}
	h := hashToken(presented)
	return subtle.ConstantTimeCompare([]byte(h), []byte(storedHash)) == 1
}
