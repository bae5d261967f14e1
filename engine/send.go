package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatseal/keyexchange"
	"chatseal/models"
)

var (
	// ErrEmptyMessage indicates a send with neither text nor attachment.
	ErrEmptyMessage = errors.New("engine: message has no text or attachment")
	// ErrNotRetryable indicates Retry was called on a message that has not failed.
	ErrNotRetryable = errors.New("engine: only failed messages can be retried")
	// ErrMessageNotFound indicates the addressed message is not in the timeline.
	ErrMessageNotFound = errors.New("engine: message not found")
	// ErrMessagePending indicates the message is still being delivered.
	ErrMessagePending = errors.New("engine: message is still being sent")
)

// Draft is what the user composed.
type Draft struct {
	Text  string
	Media string
	Voice string
	Call  string
	Image string

	// ExpiresIn schedules the message for deletion after this long. Zero keeps it.
	ExpiresIn time.Duration
}

// Send encrypts draft with the conversation's method, shows it
// optimistically, and replaces it with the server's confirmed copy. When
// delivery fails the optimistic entry stays in the timeline as failed and
// can be retried.
//
// Conversations using the asymmetric method refuse to send until the local
// key is verified; the error then matches keyexchange.ErrKeyStateInvalid.
func (e *Engine) Send(ctx context.Context, conversationID string, draft Draft) (*models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	message := &models.Message{
		ConversationID: conversationID,
		SenderID:       e.opts.UserID,
		Media:          draft.Media,
		Voice:          draft.Voice,
		Call:           draft.Call,
		Image:          draft.Image,
		CreatedAt:      e.opts.Now(),
		Status:         models.StatusPending,
	}
	if draft.Text == "" && !message.HasAttachment() {
		return nil, ErrEmptyMessage
	}

	method, err := e.policy.Method(conversationID)
	if err != nil {
		return nil, err
	}
	if err := e.requireSendable(conversationID, method); err != nil {
		return nil, err
	}

	if draft.Text != "" {
		payload, used, err := e.policy.Encrypt(conversationID, draft.Text)
		if err != nil {
			return nil, err
		}
		message.Payload = payload
		message.PlainText = draft.Text
		method = used
	}
	message.SetMethod(method)
	if draft.ExpiresIn > 0 {
		at := message.CreatedAt.Add(draft.ExpiresIn)
		message.ScheduledDeletionTime = &at
	}

	key, inserted := e.timeline.InsertOptimistic(message)
	if !inserted {
		return nil, fmt.Errorf("insert optimistic message %q: already present", key)
	}
	return e.deliver(ctx, conversationID, key)
}

// Retry re-sends a failed message. It keeps its temporary key until the
// server confirms it.
func (e *Engine) Retry(ctx context.Context, conversationID, key string) (*models.Message, error) {
	message, ok := e.timeline.Get(conversationID, key)
	if !ok {
		return nil, ErrMessageNotFound
	}
	if message.Status != models.StatusFailed {
		return nil, ErrNotRetryable
	}
	if err := e.requireSendable(conversationID, message.MethodOr(models.DefaultEncryptionMethod)); err != nil {
		return nil, err
	}

	e.timeline.Update(conversationID, key, func(m *models.Message) {
		m.Status = models.StatusPending
	})
	return e.deliver(ctx, conversationID, key)
}

// KeyWarning returns a user-facing warning when sending in a conversation
// may be blocked by its key state, or "" when there is nothing to report.
func (e *Engine) KeyWarning(conversationID string) string {
	method, err := e.policy.Method(conversationID)
	if err != nil || method != models.MethodAsymmetric {
		return ""
	}

	state, err := e.protocol.State(conversationID)
	if err != nil {
		return "message sending may be blocked: key state unavailable"
	}
	if state == keyexchange.StateVerified {
		return ""
	}
	if failure := e.protocol.LastFailure(conversationID); failure != nil {
		return fmt.Sprintf("message sending may be blocked: %v", failure)
	}
	if state == keyexchange.StateFailed {
		// Failures from an earlier run only survive in the audit log.
		event, err := e.store.LatestKeyEvent(conversationID, e.opts.UserID, keyexchange.EventKeyDrift, keyexchange.EventExchangeFailed)
		if err == nil {
			return fmt.Sprintf("message sending may be blocked: %s at %s", event.EventType, time.UnixMilli(event.Timestamp).Format(time.RFC3339))
		}
	}
	return fmt.Sprintf("message sending may be blocked: encryption key is %s", state)
}

func (e *Engine) requireSendable(conversationID string, method models.EncryptionMethod) error {
	if method != models.MethodAsymmetric {
		return nil
	}
	state, err := e.protocol.State(conversationID)
	if err != nil {
		return err
	}
	if state != keyexchange.StateVerified {
		return &keyexchange.Error{
			Op:             "send message",
			ConversationID: conversationID,
			Kind:           keyexchange.ErrKeyStateInvalid,
			Reason:         string(state),
		}
	}
	return nil
}

func (e *Engine) deliver(ctx context.Context, conversationID, key string) (*models.Message, error) {
	outbound, ok := e.timeline.Get(conversationID, key)
	if !ok {
		return nil, ErrMessageNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()

	confirmed, err := e.backend.SendMessage(ctx, outbound)
	if err != nil {
		e.timeline.Update(conversationID, key, func(m *models.Message) {
			m.Status = models.StatusFailed
		})
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Str("key", key).Msg("Message delivery failed")
		return nil, fmt.Errorf("send message %q: %w", key, err)
	}

	confirmed = confirmed.Clone()
	if confirmed.Method == nil {
		confirmed.Method = outbound.Method
	}
	if confirmed.Payload == outbound.Payload {
		confirmed.PlainText = outbound.PlainText
	}
	if !e.timeline.Reconcile(conversationID, key, confirmed) {
		return nil, fmt.Errorf("reconcile message %q: rejected", key)
	}

	if confirmed.ID != "" {
		if err := e.cache(confirmed); err != nil {
			e.log.Warn().Err(err).Str("message_id", confirmed.ID).Msg("Caching sent message failed")
		}
	}

	stored, ok := e.timeline.Get(conversationID, confirmed.Key())
	if !ok {
		return confirmed, nil
	}
	return stored, nil
}
