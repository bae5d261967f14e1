// Package keystore holds per-conversation key material: this device's box
// key pair, the public keys of other participants, and the legacy shared
// secrets. Everything is persisted through storage.KeyValue and the
// in-memory copies are rebuilt from it on demand.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"chatseal/crypto"
	"chatseal/models"
	"chatseal/storage"
)

// ConversationKeyState is the key material of one user in one conversation.
type ConversationKeyState struct {
	ConversationID string
	UserID         string
	OwnKeyPair     *crypto.BoxKeyPair
	KeyID          string
	KeyVersion     int64
	PeerKeys       map[string]models.PeerKey
	Verified       bool
}

// HasKey reports whether a local key pair exists.
func (s *ConversationKeyState) HasKey() bool {
	return s.OwnKeyPair != nil
}

// PeerPublicKeys returns participant id to base64 public key.
func (s *ConversationKeyState) PeerPublicKeys() map[string]string {
	out := make(map[string]string, len(s.PeerKeys))
	for userID, key := range s.PeerKeys {
		out[userID] = key.PublicKey
	}
	return out
}

func (s *ConversationKeyState) clone() *ConversationKeyState {
	out := *s
	out.PeerKeys = make(map[string]models.PeerKey, len(s.PeerKeys))
	for userID, key := range s.PeerKeys {
		out.PeerKeys[userID] = key
	}
	return &out
}

type keyRecord struct {
	PrivateKey string           `json:"privateKey"`
	PublicKey  string           `json:"publicKey"`
	KeyID      string           `json:"keyId,omitempty"`
	KeyVersion int64            `json:"keyVersion,omitempty"`
	Verified   bool             `json:"verified"`
	OtherKeys  []models.PeerKey `json:"otherKeys"`
}

type stateKey struct {
	conversationID string
	userID         string
}

// Store caches ConversationKeyState values in front of a KeyValue.
type Store struct {
	kv storage.KeyValue

	mu     sync.Mutex
	states map[stateKey]*ConversationKeyState
}

// New returns a key store persisting to kv.
func New(kv storage.KeyValue) *Store {
	return &Store{
		kv:     kv,
		states: make(map[stateKey]*ConversationKeyState),
	}
}

// RecordKey is the KeyValue key of the structured key record of (conversationID, userID).
func RecordKey(conversationID, userID string) string {
	return fmt.Sprintf("keys_%s_%s", conversationID, userID)
}

// Load returns a copy of the key state, reading it from storage on first
// access. A conversation with nothing stored yields an empty state.
func (s *Store) Load(conversationID, userID string) (*ConversationKeyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(conversationID, userID)
	if err != nil {
		return nil, err
	}
	return state.clone(), nil
}

// SaveVerified persists a key pair the server has accepted and marks it
// verified. Peer keys collected for the previous key pair are discarded.
func (s *Store) SaveVerified(conversationID, userID string, keyPair *crypto.BoxKeyPair, keyID string, keyVersion int64) error {
	if keyPair == nil {
		return errors.New("key pair is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := &ConversationKeyState{
		ConversationID: conversationID,
		UserID:         userID,
		OwnKeyPair:     keyPair,
		KeyID:          keyID,
		KeyVersion:     keyVersion,
		PeerKeys:       make(map[string]models.PeerKey),
		Verified:       true,
	}
	return s.persistLocked(state)
}

// SetVerified updates the verified flag of an existing key pair.
func (s *Store) SetVerified(conversationID, userID string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(conversationID, userID)
	if err != nil {
		return err
	}
	if current.OwnKeyPair == nil {
		return fmt.Errorf("set verified for %q: %w", conversationID, storage.ErrNotFound)
	}
	if current.Verified == verified {
		return nil
	}

	next := current.clone()
	next.Verified = verified
	return s.persistLocked(next)
}

// MergePeerKeys folds incoming peer keys into the state. An entry replaces
// the stored one only when its version is higher; equal versions are left
// alone. Entries for userID itself and entries with unparseable keys are
// skipped. It returns the keys that were added or replaced.
func (s *Store) MergePeerKeys(conversationID, userID string, keys []models.PeerKey) ([]models.PeerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(conversationID, userID)
	if err != nil {
		return nil, err
	}

	next := current.clone()
	changed := make([]models.PeerKey, 0)
	for _, key := range keys {
		if key.UserID == "" || key.UserID == userID {
			continue
		}
		if _, err := crypto.ParseBoxPublicKey(key.PublicKey); err != nil {
			continue
		}
		if existing, ok := next.PeerKeys[key.UserID]; ok && key.KeyVersion <= existing.KeyVersion {
			continue
		}
		next.PeerKeys[key.UserID] = key
		changed = append(changed, key)
	}
	if len(changed) == 0 {
		return changed, nil
	}

	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	return changed, nil
}

// Forget drops the cached state of one conversation user. Stored data is kept.
func (s *Store) Forget(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, stateKey{conversationID: conversationID, userID: userID})
}

// Reset drops every cached state. Stored data is kept.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[stateKey]*ConversationKeyState)
}

func (s *Store) loadLocked(conversationID, userID string) (*ConversationKeyState, error) {
	if conversationID == "" || userID == "" {
		return nil, errors.New("conversation id and user id are required")
	}

	key := stateKey{conversationID: conversationID, userID: userID}
	if state, ok := s.states[key]; ok {
		return state, nil
	}

	state := &ConversationKeyState{
		ConversationID: conversationID,
		UserID:         userID,
		PeerKeys:       make(map[string]models.PeerKey),
	}

	raw, err := s.kv.Get(RecordKey(conversationID, userID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load key record for %q: %w", conversationID, err)
	default:
		if err := decodeRecord(raw, state); err != nil {
			return nil, fmt.Errorf("decode key record for %q: %w", conversationID, err)
		}
	}

	s.states[key] = state
	return state, nil
}

// persistLocked writes state to storage before replacing the cached copy.
func (s *Store) persistLocked(state *ConversationKeyState) error {
	record := keyRecord{
		KeyID:      state.KeyID,
		KeyVersion: state.KeyVersion,
		Verified:   state.Verified,
		OtherKeys:  make([]models.PeerKey, 0, len(state.PeerKeys)),
	}
	if state.OwnKeyPair != nil {
		record.PrivateKey = state.OwnKeyPair.PrivateKeyBase64()
		record.PublicKey = state.OwnKeyPair.PublicKeyBase64()
	}
	for _, key := range state.PeerKeys {
		record.OtherKeys = append(record.OtherKeys, key)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal key record: %w", err)
	}
	if err := s.kv.Set(RecordKey(state.ConversationID, state.UserID), raw); err != nil {
		return fmt.Errorf("persist key record for %q: %w", state.ConversationID, err)
	}

	s.states[stateKey{conversationID: state.ConversationID, userID: state.UserID}] = state
	return nil
}

func decodeRecord(raw []byte, state *ConversationKeyState) error {
	var record keyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return err
	}

	if record.PrivateKey != "" || record.PublicKey != "" {
		keyPair, err := crypto.ParseBoxKeyPair(record.PrivateKey, record.PublicKey)
		if err != nil {
			return err
		}
		state.OwnKeyPair = keyPair
		state.KeyID = record.KeyID
		state.KeyVersion = record.KeyVersion
		state.Verified = record.Verified
	}
	for _, key := range record.OtherKeys {
		if existing, ok := state.PeerKeys[key.UserID]; ok && existing.KeyVersion >= key.KeyVersion {
			continue
		}
		state.PeerKeys[key.UserID] = key
	}
	return nil
}
