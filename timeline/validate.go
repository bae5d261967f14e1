package timeline

import (
	"errors"
	"fmt"
	"strings"

	"chatseal/models"

	"github.com/forPelevin/gomoji"
)

// ErrValidationFailed marks a malformed message or reaction. The store logs
// and drops such input instead of returning it.
var ErrValidationFailed = errors.New("timeline: validation failed")

// DeletionList reports messages a user removed from their own view.
type DeletionList interface {
	IsDeleted(conversationID, messageID, userID string) (bool, error)
}

func (s *Store) validateMessage(message *models.Message) error {
	if message.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrValidationFailed)
	}
	if message.Key() == "" {
		return fmt.Errorf("%w: missing message id", ErrValidationFailed)
	}
	if !message.HasText() && !message.HasAttachment() {
		return fmt.Errorf("%w: message %q has no text or attachment", ErrValidationFailed, message.Key())
	}
	if message.DeletedForUser(s.opts.UserID) {
		return fmt.Errorf("%w: message %q deleted for current user", ErrValidationFailed, message.Key())
	}

	if s.opts.Deletions != nil && s.opts.UserID != "" && message.ID != "" {
		deleted, err := s.opts.Deletions.IsDeleted(message.ConversationID, message.ID, s.opts.UserID)
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", message.ID).Msg("Deletion list lookup failed")
		} else if deleted {
			return fmt.Errorf("%w: message %q deleted for current user", ErrValidationFailed, message.ID)
		}
	}
	return nil
}

// validateReaction requires an emoji identifier and a display name. An
// identifier made of emoji glyphs must be exactly one emoji, with or without
// a variation selector; named identifiers such as "thumbs_up" are accepted
// as is.
func validateReaction(reaction models.Reaction) error {
	emoji := strings.TrimSpace(reaction.Emoji)
	if emoji == "" {
		return fmt.Errorf("%w: empty reaction emoji", ErrValidationFailed)
	}
	if strings.TrimSpace(reaction.Username) == "" {
		return fmt.Errorf("%w: empty reaction username", ErrValidationFailed)
	}

	if !gomoji.ContainsEmoji(emoji) {
		return nil
	}
	emojis := gomoji.CollectAll(emoji)
	if len(emojis) != 1 || gomoji.RemoveEmojis(emoji) != "" {
		return fmt.Errorf("%w: reaction %q is not a single emoji", ErrValidationFailed, reaction.Emoji)
	}
	return nil
}
