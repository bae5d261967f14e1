package engine

import (
	"errors"
	"fmt"

	"chatseal/models"
	"chatseal/network"
	"chatseal/storage"
)

// ErrMalformedEvent indicates a pushed event without the body its type needs.
var ErrMalformedEvent = errors.New("engine: malformed event")

// Listen applies every event from events until the channel closes or the
// engine is closed.
func (e *Engine) Listen(events <-chan network.Event) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := e.HandleEvent(event); err != nil {
					e.log.Warn().Err(err).Str("type", event.Type).Msg("Event handling failed")
				}
			case <-e.stop:
				return
			}
		}
	}()
}

// HandleEvent applies one server push: a peer's new key, an incoming
// message, or a reaction update.
func (e *Engine) HandleEvent(event network.Event) error {
	switch event.Type {
	case network.TypeKeyUpdated:
		if event.KeyUpdate == nil {
			return fmt.Errorf("%w: %s without key update", ErrMalformedEvent, event.Type)
		}
		_, err := e.protocol.ApplyKeyUpdate(*event.KeyUpdate)
		return err
	case network.TypeNewMessage:
		if event.Message == nil {
			return fmt.Errorf("%w: %s without message", ErrMalformedEvent, event.Type)
		}
		e.receive(event.Message)
		return nil
	case network.TypeReactionUpdated:
		if event.Reactions == nil {
			return fmt.Errorf("%w: %s without reactions", ErrMalformedEvent, event.Type)
		}
		return e.applyReactions(*event.Reactions)
	default:
		e.log.Debug().Str("type", event.Type).Msg("Ignoring unknown event")
		return nil
	}
}

// receive decrypts and inserts a server-delivered message. It reports
// whether the message was new.
func (e *Engine) receive(message *models.Message) bool {
	incoming := message.Clone()
	e.decrypt(incoming)
	if !e.timeline.Receive(incoming) {
		return false
	}

	if incoming.ID != "" {
		if err := e.cache(incoming); err != nil {
			e.log.Warn().Err(err).Str("message_id", incoming.ID).Msg("Caching received message failed")
		}
	}
	return true
}

func (e *Engine) decrypt(message *models.Message) {
	if message.Payload == "" {
		return
	}
	message.PlainText = e.policy.Decrypt(message).Text
}

func (e *Engine) applyReactions(update models.ReactionUpdate) error {
	kept, ok := e.timeline.MergeReaction(update.ConversationID, update.MessageID, update.Reactions)
	if !ok {
		return nil
	}
	if kept < len(update.Reactions) {
		e.log.Debug().
			Str("message_id", update.MessageID).
			Int("received", len(update.Reactions)).
			Int("kept", kept).
			Msg("Dropped invalid reactions")
	}

	message, ok := e.timeline.Get(update.ConversationID, update.MessageID)
	if !ok || message.ID == "" {
		return nil
	}
	if err := e.persistReactions(message); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}
