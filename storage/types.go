package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row or key does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	methodServer     = "server"
	methodAsymmetric = "asymmetric"
	methodLegacy     = "legacy"
)

const (
	// KeyEventSeverityInfo marks routine key lifecycle events.
	KeyEventSeverityInfo = "info"
	// KeyEventSeverityWarning marks failures the user should know about.
	KeyEventSeverityWarning = "warning"
	// KeyEventSeverityCritical marks key drift and similar integrity failures.
	KeyEventSeverityCritical = "critical"
)

// MessageRecord is the SQLite representation of a confirmed conversation
// message. Plaintext is never stored.
type MessageRecord struct {
	ConversationID    string
	MessageID         string
	SenderID          string
	Payload           string
	Method            string
	Media             string
	Voice             string
	Call              string
	Image             string
	Reactions         string
	CreatedAt         int64
	ScheduledDeletion *int64
}

// KeyEvent stores one outcome of the key lifecycle for a conversation.
type KeyEvent struct {
	ID             int64
	EventType      string
	ConversationID string
	UserID         *string
	Details        string
	Severity       string
	Timestamp      int64
}

// KeyEventFilter narrows GetKeyEvents query results. Empty fields match
// everything; EventTypes matches any of the listed types.
type KeyEventFilter struct {
	ConversationID string
	UserID         string
	EventTypes     []string
	Severity       string
	FromTimestamp  *int64
	ToTimestamp    *int64
	Limit          int
	Offset         int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateMethod(method string) error {
	switch method {
	case "", methodServer, methodAsymmetric, methodLegacy:
		return nil
	default:
		return fmt.Errorf("invalid encryption method %q", method)
	}
}

func validateKeyEventSeverity(severity string) error {
	switch severity {
	case KeyEventSeverityInfo, KeyEventSeverityWarning, KeyEventSeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid key event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
