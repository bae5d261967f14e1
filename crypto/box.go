package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const boxNonceSize = 24

// ErrBoxOpen indicates a sealed box failed authentication.
var ErrBoxOpen = errors.New("crypto: box authentication failed")

// SealBox encrypts plaintext for recipientPublicKey, authenticated by senderPrivateKey.
// The returned slice is nonce || ciphertext.
func SealBox(plaintext []byte, recipientPublicKey, senderPrivateKey *[BoxKeySize]byte) ([]byte, error) {
	if recipientPublicKey == nil || senderPrivateKey == nil {
		return nil, ErrInvalidKey
	}

	var nonce [boxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return box.Seal(nonce[:], plaintext, &nonce, recipientPublicKey, senderPrivateKey), nil
}

// OpenBox decrypts a nonce-prefixed box produced by SealBox.
func OpenBox(sealed []byte, senderPublicKey, recipientPrivateKey *[BoxKeySize]byte) ([]byte, error) {
	if senderPublicKey == nil || recipientPrivateKey == nil {
		return nil, ErrInvalidKey
	}
	if len(sealed) < boxNonceSize+box.Overhead {
		return nil, fmt.Errorf("sealed box too short: %d bytes", len(sealed))
	}

	var nonce [boxNonceSize]byte
	copy(nonce[:], sealed[:boxNonceSize])

	plaintext, ok := box.Open(nil, sealed[boxNonceSize:], &nonce, senderPublicKey, recipientPrivateKey)
	if !ok {
		return nil, ErrBoxOpen
	}
	return plaintext, nil
}
