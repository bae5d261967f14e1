package keystore

import (
	"errors"
	"fmt"

	"chatseal/storage"
)

// Secrets resolves legacy shared secrets. A user-supplied secret overrides
// the default, which equals the conversation id and is written on first use.
type Secrets struct {
	kv storage.KeyValue
}

// NewSecrets returns a secret store persisting to kv.
func NewSecrets(kv storage.KeyValue) *Secrets {
	return &Secrets{kv: kv}
}

// DefaultSecretKey is the KeyValue key of the generated default secret.
func DefaultSecretKey(conversationID string) string {
	return conversationID + "_" + conversationID
}

// CustomSecretKey is the KeyValue key of the user-supplied secret.
func CustomSecretKey(conversationID string) string {
	return conversationID + "_customKey"
}

// SharedSecret returns the secret the legacy key is derived from.
func (s *Secrets) SharedSecret(conversationID string) (string, error) {
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}

	custom, err := s.kv.Get(CustomSecretKey(conversationID))
	if err == nil && len(custom) > 0 {
		return string(custom), nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("read custom secret: %w", err)
	}

	stored, err := s.kv.Get(DefaultSecretKey(conversationID))
	if err == nil && len(stored) > 0 {
		return string(stored), nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("read default secret: %w", err)
	}

	if err := s.kv.Set(DefaultSecretKey(conversationID), []byte(conversationID)); err != nil {
		return "", fmt.Errorf("write default secret: %w", err)
	}
	return conversationID, nil
}

// SetCustomSecret stores a user-supplied secret.
func (s *Secrets) SetCustomSecret(conversationID, secret string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	return s.kv.Set(CustomSecretKey(conversationID), []byte(secret))
}

// ClearCustomSecret removes the user-supplied secret, restoring the default.
func (s *Secrets) ClearCustomSecret(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	return s.kv.Delete(CustomSecretKey(conversationID))
}
