package storage

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gitlab.com/elixxir/ekv"
)

// EKV adapts an encrypted ekv store to KeyValue. Values are encrypted at
// rest with the password given to OpenEKV.
type EKV struct {
	kv ekv.KeyValue
}

var _ KeyValue = (*EKV)(nil)

// ekvValue carries raw bytes through ekv's Marshaler and Unmarshaler.
type ekvValue []byte

func (v ekvValue) Marshal() []byte {
	return v
}

func (v *ekvValue) Unmarshal(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}

// OpenEKV opens (or creates) an encrypted file store under dir.
func OpenEKV(dir, password string) (*EKV, error) {
	if strings.TrimSpace(password) == "" {
		return nil, errors.New("ekv password is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ekv directory: %w", err)
	}

	fs, err := ekv.NewFilestore(dir, password)
	if err != nil {
		return nil, fmt.Errorf("open ekv filestore: %w", err)
	}
	return &EKV{kv: fs}, nil
}

// NewMemoryEKV returns an in-memory ekv store.
func NewMemoryEKV() *EKV {
	return &EKV{kv: ekv.MakeMemstore()}
}

// Get returns the value stored under key.
func (e *EKV) Get(key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("key is required")
	}

	var value ekvValue
	if err := e.kv.Get(key, &value); err != nil {
		if !ekv.Exists(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get key %q: %w", key, err)
	}
	if value == nil {
		value = ekvValue{}
	}
	return []byte(value), nil
}

// Set stores value under key.
func (e *EKV) Set(key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key is required")
	}
	if value == nil {
		value = []byte{}
	}
	if err := e.kv.Set(key, ekvValue(value)); err != nil {
		return fmt.Errorf("set key %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (e *EKV) Delete(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key is required")
	}
	if err := e.kv.Delete(key); err != nil && ekv.Exists(err) {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}
