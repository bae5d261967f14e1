package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// KeyValue is the local key-value store holding key material, shared
// secrets, and per-conversation settings. Get returns ErrNotFound for
// missing keys.
type KeyValue interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

var _ KeyValue = (*Store)(nil)

// Get returns the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("key is required")
	}

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM local_kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get key %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key is required")
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.Exec(
		`INSERT INTO local_kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set key %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key is required")
	}

	if _, err := s.db.Exec(`DELETE FROM local_kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}
