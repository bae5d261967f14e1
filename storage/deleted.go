package storage

import (
	"errors"
	"fmt"
)

// MarkDeleted records that userID removed a message from their own view.
func (s *Store) MarkDeleted(conversationID, messageID, userID string, deletedAt int64) error {
	if conversationID == "" || messageID == "" || userID == "" {
		return errors.New("conversation_id, message_id and user_id are required")
	}
	if deletedAt == 0 {
		deletedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO deleted_messages (conversation_id, message_id, user_id, deleted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id, user_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
		conversationID,
		messageID,
		userID,
		deletedAt,
	)
	if err != nil {
		return fmt.Errorf("mark message %q deleted: %w", messageID, err)
	}

	return nil
}

// IsDeleted reports whether userID removed the message from their view.
func (s *Store) IsDeleted(conversationID, messageID, userID string) (bool, error) {
	if conversationID == "" || messageID == "" || userID == "" {
		return false, errors.New("conversation_id, message_id and user_id are required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(
			SELECT 1 FROM deleted_messages
			WHERE conversation_id = ? AND message_id = ? AND user_id = ?
		)`,
		conversationID,
		messageID,
		userID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check deleted message %q: %w", messageID, err)
	}

	return exists == 1, nil
}

// PruneDeletedBefore removes deletion records older than cutoffTimestamp.
func (s *Store) PruneDeletedBefore(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM deleted_messages WHERE deleted_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune deleted messages: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for deleted message prune: %w", err)
	}

	return rowsAffected, nil
}
