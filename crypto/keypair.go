package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

// BoxKeySize is the size of X25519 keys used by NaCl box.
const BoxKeySize = 32

var (
	// ErrInvalidKey indicates key material with the wrong size or encoding.
	ErrInvalidKey = errors.New("crypto: invalid key")
	// ErrKeyMismatch indicates a public key that does not belong to the private key.
	ErrKeyMismatch = errors.New("crypto: public key does not match private key")
)

var x25519Curve = ecdh.X25519()

// BoxKeyPair is an X25519 key pair for authenticated public-key encryption.
type BoxKeyPair struct {
	PrivateKey *[BoxKeySize]byte
	PublicKey  *[BoxKeySize]byte
}

// GenerateBoxKeyPair creates a new X25519 key pair.
func GenerateBoxKeyPair() (*BoxKeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate box keypair: %w", err)
	}
	return &BoxKeyPair{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// PublicKeyBase64 returns the standard base64 encoding of the public key.
func (kp *BoxKeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey[:])
}

// PrivateKeyBase64 returns the standard base64 encoding of the private key.
func (kp *BoxKeyPair) PrivateKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.PrivateKey[:])
}

// ParseBoxKeyPair decodes a base64 key pair and checks that both halves belong together.
func ParseBoxKeyPair(privateKeyBase64, publicKeyBase64 string) (*BoxKeyPair, error) {
	privateKey, err := decodeKey(privateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	publicKey, err := decodeKey(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}

	derived, err := derivePublicKey(privateKey)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(derived, publicKey[:]) {
		return nil, ErrKeyMismatch
	}

	return &BoxKeyPair{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// ParseBoxPublicKey decodes a base64 X25519 public key.
func ParseBoxPublicKey(publicKeyBase64 string) (*[BoxKeySize]byte, error) {
	publicKey, err := decodeKey(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if _, err := x25519Curve.NewPublicKey(publicKey[:]); err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

func derivePublicKey(privateKey *[BoxKeySize]byte) ([]byte, error) {
	key, err := x25519Curve.NewPrivateKey(privateKey[:])
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}
	return key.PublicKey().Bytes(), nil
}

func decodeKey(encoded string) (*[BoxKeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != BoxKeySize {
		return nil, fmt.Errorf("%w: got %d bytes want %d", ErrInvalidKey, len(raw), BoxKeySize)
	}

	var key [BoxKeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
