package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetKeyEventRetention configures the automatic key event pruning horizon.
func (s *Store) SetKeyEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultKeyEventRetention
	}
	s.keyEventRetention = retention
}

// LogKeyEvent inserts a key lifecycle event and applies retention pruning.
func (s *Store) LogKeyEvent(event KeyEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if strings.TrimSpace(event.ConversationID) == "" {
		return errors.New("conversation_id is required")
	}
	if event.Severity == "" {
		event.Severity = KeyEventSeverityInfo
	}
	if err := validateKeyEventSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var userID *string
	if event.UserID != nil {
		trimmed := strings.TrimSpace(*event.UserID)
		if trimmed != "" {
			userID = &trimmed
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO key_events (
			event_type,
			conversation_id,
			user_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		event.ConversationID,
		nullString(userID),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert key event %q: %w", event.EventType, err)
	}

	if s.keyEventRetention > 0 {
		cutoff := time.Now().Add(-s.keyEventRetention).UnixMilli()
		if _, err := s.PruneKeyEvents(cutoff); err != nil {
			return fmt.Errorf("prune key events: %w", err)
		}
	}

	return nil
}

const (
	defaultKeyEventLimit = 100
	maxKeyEventLimit     = 1000
)

const selectKeyEvents = `SELECT id, event_type, conversation_id, user_id, details, severity, timestamp FROM key_events`

// GetKeyEvents returns key events matching filter, newest first.
func (s *Store) GetKeyEvents(filter KeyEventFilter) ([]KeyEvent, error) {
	where, args, err := keyEventConditions(filter)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultKeyEventLimit
	case limit > maxKeyEventLimit:
		limit = maxKeyEventLimit
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.Query(selectKeyEvents+where+" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("get key events: %w", err)
	}
	defer rows.Close()

	events := make([]KeyEvent, 0)
	for rows.Next() {
		event, err := scanKeyEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key event rows: %w", err)
	}
	return events, nil
}

// LatestKeyEvent returns the newest event of userID in conversationID whose
// type is one of eventTypes (any type when none are given). It returns
// ErrNotFound when there is none.
func (s *Store) LatestKeyEvent(conversationID, userID string, eventTypes ...string) (KeyEvent, error) {
	if strings.TrimSpace(conversationID) == "" {
		return KeyEvent{}, errors.New("conversation_id is required")
	}
	events, err := s.GetKeyEvents(KeyEventFilter{
		ConversationID: conversationID,
		UserID:         userID,
		EventTypes:     eventTypes,
		Limit:          1,
	})
	if err != nil {
		return KeyEvent{}, err
	}
	if len(events) == 0 {
		return KeyEvent{}, ErrNotFound
	}
	return events[0], nil
}

func keyEventConditions(filter KeyEventFilter) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if len(filter.EventTypes) > 0 {
		where = append(where, "event_type IN (?"+strings.Repeat(", ?", len(filter.EventTypes)-1)+")")
		for _, eventType := range filter.EventTypes {
			args = append(args, eventType)
		}
	}
	if filter.Severity != "" {
		if err := validateKeyEventSeverity(filter.Severity); err != nil {
			return "", nil, err
		}
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(where, " AND "), args, nil
}

// PruneKeyEvents removes key events older than cutoffTimestamp.
func (s *Store) PruneKeyEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM key_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune key events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for key event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanKeyEvent(row scanner) (*KeyEvent, error) {
	var (
		event  KeyEvent
		userID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&event.ConversationID,
		&userID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.UserID = stringPtr(userID)
	return &event, nil
}
