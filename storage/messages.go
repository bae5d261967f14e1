package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const messageColumns = `
			conversation_id,
			message_id,
			sender_id,
			payload,
			method,
			media,
			voice,
			call,
			image,
			reactions,
			created_at,
			scheduled_deletion`

// SaveMessage inserts or replaces a confirmed message row.
func (s *Store) SaveMessage(message MessageRecord) error {
	if message.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if err := validateMethod(message.Method); err != nil {
		return err
	}
	if message.Reactions == "" {
		message.Reactions = "{}"
	}
	if !json.Valid([]byte(message.Reactions)) {
		return errors.New("reactions must be valid JSON text")
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			payload = excluded.payload,
			method = excluded.method,
			media = excluded.media,
			voice = excluded.voice,
			call = excluded.call,
			image = excluded.image,
			reactions = excluded.reactions,
			created_at = excluded.created_at,
			scheduled_deletion = excluded.scheduled_deletion`,
		message.ConversationID,
		message.MessageID,
		message.SenderID,
		message.Payload,
		message.Method,
		message.Media,
		message.Voice,
		message.Call,
		message.Image,
		message.Reactions,
		message.CreatedAt,
		nullInt64(message.ScheduledDeletion),
	)
	if err != nil {
		return fmt.Errorf("save message %q: %w", message.MessageID, err)
	}

	return nil
}

// GetMessages returns cached messages of a conversation ordered by creation time.
func (s *Store) GetMessages(conversationID string, limit, offset int) ([]MessageRecord, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ? OFFSET ?`,
		conversationID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]MessageRecord, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessageByID fetches one cached message.
func (s *Store) GetMessageByID(conversationID, messageID string) (*MessageRecord, error) {
	if conversationID == "" || messageID == "" {
		return nil, errors.New("conversation_id and message_id are required")
	}

	row := s.db.QueryRow(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND message_id = ?`,
		conversationID,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// UpdateReactions replaces the reaction JSON of a cached message.
func (s *Store) UpdateReactions(conversationID, messageID, reactions string) error {
	if conversationID == "" || messageID == "" {
		return errors.New("conversation_id and message_id are required")
	}
	if !json.Valid([]byte(reactions)) {
		return errors.New("reactions must be valid JSON text")
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET reactions = ?
		WHERE conversation_id = ? AND message_id = ?`,
		reactions,
		conversationID,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update reactions for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update reactions %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteMessage removes one cached message.
func (s *Store) DeleteMessage(conversationID, messageID string) error {
	if conversationID == "" || messageID == "" {
		return errors.New("conversation_id and message_id are required")
	}

	if _, err := s.db.Exec(
		`DELETE FROM messages WHERE conversation_id = ? AND message_id = ?`,
		conversationID,
		messageID,
	); err != nil {
		return fmt.Errorf("delete message %q: %w", messageID, err)
	}
	return nil
}

// PruneExpiredMessages removes cached messages whose scheduled deletion time
// is at or before cutoffTimestamp.
func (s *Store) PruneExpiredMessages(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM messages
		WHERE scheduled_deletion IS NOT NULL AND scheduled_deletion <= ?`,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune expired messages: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune expired messages: %w", err)
	}

	return rowsAffected, nil
}

// ClearMessages removes every cached message.
func (s *Store) ClearMessages() error {
	if _, err := s.db.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func scanMessage(row scanner) (*MessageRecord, error) {
	var (
		message           MessageRecord
		scheduledDeletion sql.NullInt64
	)

	if err := row.Scan(
		&message.ConversationID,
		&message.MessageID,
		&message.SenderID,
		&message.Payload,
		&message.Method,
		&message.Media,
		&message.Voice,
		&message.Call,
		&message.Image,
		&message.Reactions,
		&message.CreatedAt,
		&scheduledDeletion,
	); err != nil {
		return nil, err
	}

	message.ScheduledDeletion = int64Ptr(scheduledDeletion)
	return &message, nil
}
