package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the iteration count for shared-secret stretching.
	PBKDF2Iterations = 1000
	// DerivedKeySize is the derived key length (256 bits).
	DerivedKeySize = 32
)

// DeriveKey stretches a shared secret into an AES-256 key with PBKDF2-SHA256.
func DeriveKey(secret, salt string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(salt), PBKDF2Iterations, DerivedKeySize, sha256.New)
}
