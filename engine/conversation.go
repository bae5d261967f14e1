package engine

import (
	"context"
	"fmt"

	"chatseal/crypto"
	"chatseal/keyexchange"
	"chatseal/models"
	"chatseal/storage"
)

// OpenConversation prepares a conversation for display. For the asymmetric
// method it makes the automatic key attempt (or refreshes peer keys when the
// local key is already verified), then loads the cached history and derives
// each message's text from its payload and the current keys. Key failures
// do not fail the call; KeyWarning reports them.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	method, err := e.policy.Method(conversationID)
	if err != nil {
		return nil, err
	}
	if method == models.MethodAsymmetric {
		e.prepareKeys(ctx, conversationID)
	}

	for offset := 0; ; offset += historyPageSize {
		records, err := e.store.GetMessages(conversationID, historyPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			message, err := fromRecord(record)
			if err != nil {
				e.log.Warn().Err(err).Str("message_id", record.MessageID).Msg("Skipping unreadable cached message")
				continue
			}
			e.decrypt(message)
			e.timeline.Receive(message)
		}
		if len(records) < historyPageSize {
			break
		}
	}

	return e.timeline.Messages(conversationID), nil
}

func (e *Engine) prepareKeys(ctx context.Context, conversationID string) {
	state, err := e.protocol.EnsureKey(ctx, conversationID)
	if err != nil {
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Str("state", string(state)).Msg("Automatic key setup failed")
		return
	}
	if state != keyexchange.StateVerified {
		return
	}
	if _, err := e.protocol.FetchOthersKeys(ctx, conversationID); err != nil {
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Refreshing peer keys failed")
	}
}

// DeleteForMe hides a message from the local user for good: it is
// recorded in the deletion list, dropped from the cache, and removed from
// the timeline. Later deliveries of the same message are ignored. A message
// still being sent cannot be deleted until its delivery settles.
func (e *Engine) DeleteForMe(conversationID, key string) error {
	message, ok := e.timeline.Get(conversationID, key)
	if !ok {
		return ErrMessageNotFound
	}
	if message.Status == models.StatusPending {
		return ErrMessagePending
	}

	if message.ID != "" {
		if err := e.store.MarkDeleted(conversationID, message.ID, e.opts.UserID, e.opts.Now().UnixMilli()); err != nil {
			return err
		}
		if err := e.store.DeleteMessage(conversationID, message.ID); err != nil {
			return err
		}
	}
	e.timeline.Remove(conversationID, key)
	return nil
}

// SetCustomKey replaces the shared secret of a legacy conversation.
// Secrets shorter than codec.MinCustomSecretLength are rejected.
func (e *Engine) SetCustomKey(conversationID, secret string) error {
	return e.legacy.SetCustomSecret(conversationID, secret)
}

// SwitchMethod changes the conversation's encryption method once the user
// has confirmed. Switching to the asymmetric method starts key setup.
func (e *Engine) SwitchMethod(ctx context.Context, conversationID string, method models.EncryptionMethod, confirmed bool) (bool, error) {
	changed, err := e.policy.Switch(conversationID, method, confirmed)
	if err != nil || !changed {
		return changed, err
	}
	if method == models.MethodAsymmetric {
		e.prepareKeys(ctx, conversationID)
	}
	return true, nil
}

// Method returns the conversation's current encryption method.
func (e *Engine) Method(conversationID string) (models.EncryptionMethod, error) {
	return e.policy.Method(conversationID)
}

// RegenerateKey replaces the local key pair on explicit user request.
func (e *Engine) RegenerateKey(ctx context.Context, conversationID string) (keyexchange.State, error) {
	return e.protocol.Regenerate(ctx, conversationID)
}

// VerifyKey checks that the server still holds the local public key.
func (e *Engine) VerifyKey(ctx context.Context, conversationID string) (bool, error) {
	return e.protocol.VerifyOnServer(ctx, conversationID)
}

// Fingerprint returns the grouped fingerprint of the local public key, or
// "" when the conversation has no key yet.
func (e *Engine) Fingerprint(conversationID string) (string, error) {
	state, err := e.keys.Load(conversationID, e.opts.UserID)
	if err != nil {
		return "", fmt.Errorf("load key state: %w", err)
	}
	if !state.HasKey() {
		return "", nil
	}
	return crypto.FormatFingerprint(crypto.KeyFingerprint(state.OwnKeyPair.PublicKey[:])), nil
}

// KeyEvents returns the key audit log of a conversation, newest first.
func (e *Engine) KeyEvents(conversationID string, limit int) ([]storage.KeyEvent, error) {
	return e.store.GetKeyEvents(storage.KeyEventFilter{ConversationID: conversationID, Limit: limit})
}

// PeerKeyHistory returns the key replacements recorded for peerID, newest
// first.
func (e *Engine) PeerKeyHistory(conversationID, peerID string, limit int) ([]storage.KeyEvent, error) {
	return e.store.GetKeyEvents(storage.KeyEventFilter{
		ConversationID: conversationID,
		UserID:         peerID,
		EventTypes:     []string{keyexchange.EventPeerKeyReplaced},
		Limit:          limit,
	})
}
