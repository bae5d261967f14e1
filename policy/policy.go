// Package policy selects the encryption method of each conversation and
// dispatches payloads to the matching codec.
package policy

import (
	"errors"
	"fmt"
	"sync"

	"chatseal/codec"
	"chatseal/models"
	"chatseal/storage"

	"github.com/rs/zerolog"
)

var (
	// ErrConfirmationRequired indicates a method switch without explicit user confirmation.
	ErrConfirmationRequired = errors.New("policy: switching encryption method requires confirmation")
	// ErrNoCodec indicates a method without a registered codec.
	ErrNoCodec = errors.New("policy: no codec for encryption method")
)

// MethodKey is the KeyValue key of a conversation's selected method.
func MethodKey(conversationID string) string {
	return "encryptionMethod_" + conversationID
}

// Policy persists per-conversation method selections and routes payloads.
type Policy struct {
	kv     storage.KeyValue
	codecs map[models.EncryptionMethod]codec.Codec
	log    zerolog.Logger

	mu      sync.Mutex
	methods map[string]models.EncryptionMethod
}

// New returns a policy over codecs. Every declared method needs a codec.
func New(kv storage.KeyValue, logger zerolog.Logger, codecs ...codec.Codec) (*Policy, error) {
	byMethod := make(map[models.EncryptionMethod]codec.Codec, len(codecs))
	for _, c := range codecs {
		byMethod[c.Method()] = c
	}
	for _, method := range models.AllEncryptionMethods() {
		if _, ok := byMethod[method]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoCodec, method)
		}
	}

	return &Policy{
		kv:      kv,
		codecs:  byMethod,
		log:     logger.With().Str("component", "policy").Logger(),
		methods: make(map[string]models.EncryptionMethod),
	}, nil
}

// Method returns the selected method of conversationID, or
// models.DefaultEncryptionMethod when nothing usable is stored.
func (p *Policy) Method(conversationID string) (models.EncryptionMethod, error) {
	if conversationID == "" {
		return models.DefaultEncryptionMethod, errors.New("conversation id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if method, ok := p.methods[conversationID]; ok {
		return method, nil
	}

	method := models.DefaultEncryptionMethod
	raw, err := p.kv.Get(MethodKey(conversationID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return method, fmt.Errorf("load encryption method for %q: %w", conversationID, err)
	default:
		if err := method.UnmarshalText(raw); err != nil {
			p.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Ignoring stored encryption method")
			method = models.DefaultEncryptionMethod
		}
	}

	p.methods[conversationID] = method
	return method, nil
}

// Switch changes the method of conversationID. Earlier payloads stay
// readable through their per-message method tag. Without confirmed the
// switch is refused. It reports whether the method changed.
func (p *Policy) Switch(conversationID string, method models.EncryptionMethod, confirmed bool) (bool, error) {
	if !method.Valid() {
		return false, fmt.Errorf("switch encryption method: invalid method %d", uint8(method))
	}

	current, err := p.Method(conversationID)
	if err != nil {
		return false, err
	}
	if current == method {
		return false, nil
	}
	if !confirmed {
		return false, ErrConfirmationRequired
	}

	raw, err := method.MarshalText()
	if err != nil {
		return false, err
	}
	if err := p.kv.Set(MethodKey(conversationID), raw); err != nil {
		return false, fmt.Errorf("store encryption method for %q: %w", conversationID, err)
	}

	p.mu.Lock()
	p.methods[conversationID] = method
	p.mu.Unlock()

	p.log.Info().
		Str("conversation_id", conversationID).
		Stringer("from", current).
		Stringer("to", method).
		Msg("Encryption method switched")
	return true, nil
}

// Codec returns the codec registered for method.
func (p *Policy) Codec(method models.EncryptionMethod) (codec.Codec, error) {
	c, ok := p.codecs[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCodec, method)
	}
	return c, nil
}

// Encrypt encodes plainText with the conversation's current method and
// returns the payload together with the method that produced it.
func (p *Policy) Encrypt(conversationID, plainText string) (string, models.EncryptionMethod, error) {
	method, err := p.Method(conversationID)
	if err != nil {
		return "", method, err
	}
	c, err := p.Codec(method)
	if err != nil {
		return "", method, err
	}

	payload, err := c.Encrypt(conversationID, plainText)
	if err != nil {
		return "", method, fmt.Errorf("encrypt with %s: %w", method, err)
	}
	return payload, method, nil
}

// Decrypt decodes a message with the method it was tagged with, falling
// back to the conversation's method for untagged messages. It never fails.
func (p *Policy) Decrypt(message *models.Message) codec.DecryptOutcome {
	fallback, err := p.Method(message.ConversationID)
	if err != nil {
		return codec.PassThrough(message.Payload)
	}

	method := message.MethodOr(fallback)
	c, err := p.Codec(method)
	if err != nil {
		return codec.PassThrough(message.Payload)
	}

	outcome := c.Decrypt(message.ConversationID, message.SenderID, message.Payload)
	if !outcome.OK() {
		p.log.Debug().
			Str("conversation_id", message.ConversationID).
			Str("message_id", message.Key()).
			Stringer("method", method).
			Msg("Payload passed through undecrypted")
	}
	return outcome
}

// Forget drops the cached selection of one conversation.
func (p *Policy) Forget(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.methods, conversationID)
}

// Reset drops every cached selection.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods = make(map[string]models.EncryptionMethod)
}
