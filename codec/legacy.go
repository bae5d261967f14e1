package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"chatseal/crypto"
	"chatseal/models"
)

// MinCustomSecretLength is the shortest accepted user-supplied shared secret.
const MinCustomSecretLength = 16

// ErrCustomSecretTooShort indicates a custom shared secret under MinCustomSecretLength characters.
var ErrCustomSecretTooShort = fmt.Errorf("codec: custom secret must be at least %d characters", MinCustomSecretLength)

// SecretSource resolves and stores the shared secret of a conversation.
type SecretSource interface {
	SharedSecret(conversationID string) (string, error)
	SetCustomSecret(conversationID, secret string) error
}

// Legacy is the shared-secret codec. Every participant derives the same key
// from the conversation secret with PBKDF2 (salt = conversation id), seals
// with AES-256-GCM, and layers the corruption transform on top.
type Legacy struct {
	secrets    SecretSource
	corruption *Corruption
	cache      *keyCache
}

// NewLegacy returns a legacy codec reading secrets from source.
func NewLegacy(source SecretSource, corruption *Corruption) *Legacy {
	if corruption == nil {
		corruption = NewCorruption(nil)
	}
	return &Legacy{
		secrets:    source,
		corruption: corruption,
		cache:      newKeyCache(),
	}
}

func (*Legacy) Method() models.EncryptionMethod {
	return models.MethodLegacySymmetric
}

// Encrypt seals plainText and returns the obfuscated base64 payload.
func (l *Legacy) Encrypt(conversationID, plainText string) (string, error) {
	key, err := l.key(conversationID)
	if err != nil {
		return "", err
	}

	sealed, err := crypto.Encrypt(key, []byte(plainText))
	if err != nil {
		return "", fmt.Errorf("legacy encrypt: %w", err)
	}

	return l.corruption.Obfuscate(base64.StdEncoding.EncodeToString(sealed))
}

// Decrypt tries the obfuscated form first, then the raw form written before
// the corruption layer existed, and finally returns the payload unchanged.
func (l *Legacy) Decrypt(conversationID, _, payload string) DecryptOutcome {
	key, err := l.key(conversationID)
	if err != nil {
		return PassThrough(payload)
	}

	if text, ok := openLegacy(key, l.corruption.Deobfuscate(payload)); ok {
		return Decrypted(text)
	}
	if text, ok := openLegacy(key, payload); ok {
		return Decrypted(text)
	}
	return PassThrough(payload)
}

// SetCustomSecret stores a user-supplied secret and drops the cached key so
// the next call derives from the new secret.
func (l *Legacy) SetCustomSecret(conversationID, secret string) error {
	if utf8.RuneCountInString(secret) < MinCustomSecretLength {
		return ErrCustomSecretTooShort
	}
	if err := l.secrets.SetCustomSecret(conversationID, secret); err != nil {
		return fmt.Errorf("store custom secret for %q: %w", conversationID, err)
	}
	l.cache.invalidate(conversationID)
	return nil
}

// Forget drops the cached key of one conversation.
func (l *Legacy) Forget(conversationID string) {
	l.cache.invalidate(conversationID)
}

// Reset drops every cached key.
func (l *Legacy) Reset() {
	l.cache.reset()
}

func (l *Legacy) key(conversationID string) ([]byte, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	return l.cache.get(conversationID, func() ([]byte, error) {
		secret, err := l.secrets.SharedSecret(conversationID)
		if err != nil {
			return nil, fmt.Errorf("load shared secret for %q: %w", conversationID, err)
		}
		return crypto.DeriveKey(secret, conversationID), nil
	})
}

func openLegacy(key []byte, encoded string) (string, bool) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	plaintext, err := crypto.Decrypt(key, sealed)
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}

// keyCache holds derived keys per conversation. Entries are replaced, never
// mutated, so readers holding an old entry finish with the old key.
type keyCache struct {
	mu      sync.Mutex
	entries map[string]*derivedKey
}

type derivedKey struct {
	once sync.Once
	key  []byte
	err  error
}

func newKeyCache() *keyCache {
	return &keyCache{entries: make(map[string]*derivedKey)}
}

func (c *keyCache) get(conversationID string, derive func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	entry, ok := c.entries[conversationID]
	if !ok {
		entry = &derivedKey{}
		c.entries[conversationID] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.key, entry.err = derive()
	})
	if entry.err != nil {
		c.mu.Lock()
		if c.entries[conversationID] == entry {
			delete(c.entries, conversationID)
		}
		c.mu.Unlock()
		return nil, entry.err
	}
	return entry.key, nil
}

func (c *keyCache) invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
}

func (c *keyCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*derivedKey)
}

func (c *keyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
