package models

import (
	"fmt"
	"strings"
)

// EncryptionMethod selects which codec protects a conversation's payloads.
type EncryptionMethod uint8

const (
	// MethodServerDelegated hands encryption to the backend; the client sends plaintext.
	MethodServerDelegated EncryptionMethod = iota
	// MethodAsymmetric seals each message per participant with X25519 box keys.
	MethodAsymmetric
	// MethodLegacySymmetric uses a shared-secret derived key plus the corruption layer.
	MethodLegacySymmetric
)

// DefaultEncryptionMethod is used for conversations without a stored selection.
const DefaultEncryptionMethod = MethodServerDelegated

var methodNames = [...]string{
	MethodServerDelegated: "server",
	MethodAsymmetric:      "asymmetric",
	MethodLegacySymmetric: "legacy",
}

// AllEncryptionMethods lists every known method in declaration order.
func AllEncryptionMethods() []EncryptionMethod {
	return []EncryptionMethod{MethodServerDelegated, MethodAsymmetric, MethodLegacySymmetric}
}

func (m EncryptionMethod) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

// Valid reports whether m is one of the declared methods.
func (m EncryptionMethod) Valid() bool {
	return int(m) < len(methodNames)
}

// ParseEncryptionMethod maps a persisted method name back to its value.
func ParseEncryptionMethod(name string) (EncryptionMethod, error) {
	clean := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range methodNames {
		if candidate == clean {
			return EncryptionMethod(i), nil
		}
	}
	return 0, fmt.Errorf("invalid encryption method %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (m EncryptionMethod) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid encryption method %d", uint8(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *EncryptionMethod) UnmarshalText(text []byte) error {
	parsed, err := ParseEncryptionMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
