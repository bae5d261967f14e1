package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"chatseal/models"
	"chatseal/storage"
)

// cache persists a confirmed message. Only the payload is stored; the
// plaintext is derived again whenever the message is loaded.
func (e *Engine) cache(message *models.Message) error {
	record, err := toRecord(message)
	if err != nil {
		return err
	}
	return e.store.SaveMessage(record)
}

func toRecord(message *models.Message) (storage.MessageRecord, error) {
	reactions := "{}"
	if len(message.Reactions) > 0 {
		raw, err := json.Marshal(message.Reactions)
		if err != nil {
			return storage.MessageRecord{}, fmt.Errorf("marshal reactions: %w", err)
		}
		reactions = string(raw)
	}

	record := storage.MessageRecord{
		ConversationID: message.ConversationID,
		MessageID:      message.ID,
		SenderID:       message.SenderID,
		Payload:        message.Payload,
		Media:          message.Media,
		Voice:          message.Voice,
		Call:           message.Call,
		Image:          message.Image,
		Reactions:      reactions,
		CreatedAt:      message.CreatedAt.UnixMilli(),
	}
	if message.Method != nil {
		record.Method = message.Method.String()
	}
	if message.ScheduledDeletionTime != nil {
		at := message.ScheduledDeletionTime.UnixMilli()
		record.ScheduledDeletion = &at
	}
	return record, nil
}

func fromRecord(record storage.MessageRecord) (*models.Message, error) {
	message := &models.Message{
		ID:             record.MessageID,
		ConversationID: record.ConversationID,
		SenderID:       record.SenderID,
		Payload:        record.Payload,
		Media:          record.Media,
		Voice:          record.Voice,
		Call:           record.Call,
		Image:          record.Image,
		CreatedAt:      time.UnixMilli(record.CreatedAt),
		Status:         models.StatusSent,
	}
	if record.Method != "" {
		method, err := models.ParseEncryptionMethod(record.Method)
		if err != nil {
			return nil, err
		}
		message.SetMethod(method)
	}
	if record.ScheduledDeletion != nil {
		at := time.UnixMilli(*record.ScheduledDeletion)
		message.ScheduledDeletionTime = &at
	}
	if record.Reactions != "" && record.Reactions != "{}" {
		if err := json.Unmarshal([]byte(record.Reactions), &message.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions of %q: %w", record.MessageID, err)
		}
	}
	return message, nil
}

func (e *Engine) persistReactions(message *models.Message) error {
	raw := []byte("{}")
	if len(message.Reactions) > 0 {
		var err error
		raw, err = json.Marshal(message.Reactions)
		if err != nil {
			return fmt.Errorf("marshal reactions: %w", err)
		}
	}
	return e.store.UpdateReactions(message.ConversationID, message.ID, string(raw))
}
