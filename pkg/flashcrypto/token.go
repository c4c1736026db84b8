package flashcrypto

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
)

// tokenBytes draws 24 bytes (192 bits) of entropy per generated token,
// comfortably exceeding the minimum entropy a session identifier needs to
// resist guessing.
const tokenBytes = 24

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// RandomToken returns an opaque, printable, unguessable token with at
// least 192 bits of entropy, suitable for use as a session identifier.
func RandomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("flashcrypto: generate token: %w", err)
	}
	return tokenEncoding.EncodeToString(b), nil
}
