package keyexchange

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable indicates the backend could not be reached.
	ErrNetworkUnavailable = errors.New("keyexchange: network unavailable")
	// ErrTimeout indicates the backend did not answer within the exchange bound.
	ErrTimeout = errors.New("keyexchange: no response within bound")
	// ErrServerRejected indicates the backend answered negatively.
	ErrServerRejected = errors.New("keyexchange: server rejected request")
	// ErrKeyStateInvalid indicates an operation that needs a verified key.
	ErrKeyStateInvalid = errors.New("keyexchange: key not verified")
)

// Error is a key exchange failure. Kind is one of the package sentinels and
// is what errors.Is matches against.
type Error struct {
	Op             string
	ConversationID string
	Kind           error
	Reason         string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s for conversation %q: %v", e.Op, e.ConversationID, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// classify maps a transport error onto the taxonomy.
func classify(op, conversationID string, err error) *Error {
	var kx *Error
	if errors.As(err, &kx) {
		return kx
	}

	kind := ErrNetworkUnavailable
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		kind = ErrTimeout
	case errors.Is(err, ErrServerRejected):
		kind = ErrServerRejected
	}
	return &Error{Op: op, ConversationID: conversationID, Kind: kind, Reason: err.Error()}
}
