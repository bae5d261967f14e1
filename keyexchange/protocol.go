// Package keyexchange publishes this device's public keys to the backend,
// tracks whether the server accepted them, and collects the keys of other
// participants.
package keyexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatseal/crypto"
	"chatseal/keystore"
	"chatseal/models"
	"chatseal/storage"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultExchangeTimeout bounds every round trip to the backend.
const DefaultExchangeTimeout = 10 * time.Second

// Key event types written to the audit log.
const (
	EventKeyVerified     = "key_verified"
	EventExchangeFailed  = "key_exchange_failed"
	EventKeyDrift        = "key_drift_detected"
	EventPeerKeyReplaced = "peer_key_replaced"
)

// SubmitResult is the backend answer to a public key submission.
type SubmitResult struct {
	Success    bool
	KeyID      string
	KeyVersion int64
	Message    string
}

// Server is the backend collaborator used for key exchange.
type Server interface {
	SubmitPublicKey(ctx context.Context, conversationID, userID, publicKey string) (SubmitResult, error)
	FetchPeerKeys(ctx context.Context, conversationID string) ([]models.PeerKey, error)
	VerifyKey(ctx context.Context, conversationID, userID, publicKey string) (bool, error)
	BroadcastKey(ctx context.Context, update models.KeyUpdate) error
}

// AuditLog records key lifecycle outcomes.
type AuditLog interface {
	LogKeyEvent(event storage.KeyEvent) error
}

// Options configures a Protocol.
type Options struct {
	Timeout  time.Duration
	Logger   *zerolog.Logger
	Audit    AuditLog
	Generate func() (*crypto.BoxKeyPair, error)
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultExchangeTimeout
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Generate == nil {
		o.Generate = crypto.GenerateBoxKeyPair
	}
	return o
}

// Protocol runs the key lifecycle of the local user across conversations.
// At most one exchange runs per conversation; concurrent triggers share
// its result.
type Protocol struct {
	userID string
	server Server
	keys   *keystore.Store
	opts   Options
	log    zerolog.Logger

	mu            sync.Mutex
	states        map[string]State
	failures      map[string]error
	autoAttempted map[string]bool
	inflight      singleflight.Group
}

// New returns a protocol for userID.
func New(userID string, server Server, keys *keystore.Store, opts Options) *Protocol {
	opts = opts.withDefaults()
	return &Protocol{
		userID:        userID,
		server:        server,
		keys:          keys,
		opts:          opts,
		log:           opts.Logger.With().Str("component", "keyexchange").Str("user_id", userID).Logger(),
		states:        make(map[string]State),
		failures:      make(map[string]error),
		autoAttempted: make(map[string]bool),
	}
}

// UserID returns the local user.
func (p *Protocol) UserID() string {
	return p.userID
}

// State returns the current lifecycle state of conversationID. A key that
// an earlier process verified starts out Unconfirmed.
func (p *Protocol) State(conversationID string) (State, error) {
	p.mu.Lock()
	state, ok := p.states[conversationID]
	p.mu.Unlock()
	if ok {
		return state, nil
	}

	stored, err := p.keys.Load(conversationID, p.userID)
	if err != nil {
		return StateNoKey, err
	}
	switch {
	case stored.Verified && stored.HasKey():
		state = StateUnconfirmed
	case stored.HasKey():
		state = StateFailed
	default:
		state = StateNoKey
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.states[conversationID]; ok {
		return current, nil
	}
	p.states[conversationID] = state
	return state, nil
}

// LastFailure returns the error that last moved conversationID to Failed.
func (p *Protocol) LastFailure(conversationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[conversationID]
}

// GenerateKeyPair produces a fresh key pair. Nothing is persisted.
func (p *Protocol) GenerateKeyPair() (*crypto.BoxKeyPair, error) {
	return p.opts.Generate()
}

// EnsureKey makes the single automatic generation attempt allowed per
// conversation and process. Once the attempt has been used it only reports
// the current state. An Unconfirmed key is checked with the server instead
// of being replaced; if the server holds another key the conversation is
// left Failed for the user to regenerate.
func (p *Protocol) EnsureKey(ctx context.Context, conversationID string) (State, error) {
	state, err := p.State(conversationID)
	if err != nil {
		return state, err
	}
	switch state {
	case StateVerified:
		return state, nil
	case StateUnconfirmed:
		return p.confirm(ctx, conversationID)
	}

	p.mu.Lock()
	attempted := p.autoAttempted[conversationID]
	p.autoAttempted[conversationID] = true
	p.mu.Unlock()
	if attempted {
		return state, p.LastFailure(conversationID)
	}

	return p.run(ctx, conversationID)
}

// Regenerate replaces the local key pair on explicit user request.
func (p *Protocol) Regenerate(ctx context.Context, conversationID string) (State, error) {
	if _, err := p.State(conversationID); err != nil {
		return StateNoKey, err
	}
	return p.run(ctx, conversationID)
}

func (p *Protocol) run(ctx context.Context, conversationID string) (State, error) {
	_, err, _ := p.inflight.Do(conversationID, func() (any, error) {
		return nil, p.generateAndExchange(ctx, conversationID)
	})
	state, stateErr := p.State(conversationID)
	if err == nil {
		err = stateErr
	}
	return state, err
}

func (p *Protocol) confirm(ctx context.Context, conversationID string) (State, error) {
	p.mu.Lock()
	p.autoAttempted[conversationID] = true
	p.mu.Unlock()

	_, err, _ := p.inflight.Do(conversationID, func() (any, error) {
		verified, err := p.VerifyOnServer(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if !verified {
			return nil, p.LastFailure(conversationID)
		}
		return nil, nil
	})
	state, stateErr := p.State(conversationID)
	if err == nil {
		err = stateErr
	}
	return state, err
}

func (p *Protocol) generateAndExchange(ctx context.Context, conversationID string) error {
	if err := p.transition(conversationID, StateGenerating); err != nil {
		return err
	}

	keyPair, err := p.GenerateKeyPair()
	if err != nil {
		kx := &Error{Op: "generate key pair", ConversationID: conversationID, Kind: ErrKeyStateInvalid, Reason: err.Error()}
		p.fail(conversationID, kx)
		return kx
	}

	peerKey, err := p.ExchangePublicKey(ctx, conversationID, keyPair)
	if err != nil {
		return err
	}

	p.BroadcastKeyGeneration(ctx, conversationID, peerKey.PublicKey, peerKey.KeyID, peerKey.KeyVersion)
	if _, err := p.FetchOthersKeys(ctx, conversationID); err != nil {
		p.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Peer key fetch after exchange failed")
	}
	return nil
}

// ExchangePublicKey submits keyPair's public half and waits at most the
// configured bound for the server's answer. On acceptance the key pair is
// persisted and the conversation becomes Verified; otherwise it becomes
// Failed and the returned *Error says whether the server timed out, was
// unreachable, or rejected the key.
func (p *Protocol) ExchangePublicKey(ctx context.Context, conversationID string, keyPair *crypto.BoxKeyPair) (models.PeerKey, error) {
	const op = "exchange public key"

	if err := p.transition(conversationID, StateAwaitingServerAck); err != nil {
		return models.PeerKey{}, err
	}

	publicKey := keyPair.PublicKeyBase64()
	result, err := callWithin(ctx, p.opts.Timeout, func(ctx context.Context) (SubmitResult, error) {
		return p.server.SubmitPublicKey(ctx, conversationID, p.userID, publicKey)
	})
	if err != nil {
		kx := classify(op, conversationID, err)
		p.fail(conversationID, kx)
		return models.PeerKey{}, kx
	}
	if !result.Success {
		kx := &Error{Op: op, ConversationID: conversationID, Kind: ErrServerRejected, Reason: result.Message}
		p.fail(conversationID, kx)
		return models.PeerKey{}, kx
	}

	if err := p.keys.SaveVerified(conversationID, p.userID, keyPair, result.KeyID, result.KeyVersion); err != nil {
		kx := &Error{Op: op, ConversationID: conversationID, Kind: ErrKeyStateInvalid, Reason: err.Error()}
		p.fail(conversationID, kx)
		return models.PeerKey{}, kx
	}

	p.mu.Lock()
	p.states[conversationID] = StateVerified
	delete(p.failures, conversationID)
	p.mu.Unlock()

	p.log.Info().
		Str("conversation_id", conversationID).
		Str("key_id", result.KeyID).
		Int64("key_version", result.KeyVersion).
		Msg("Public key verified by server")
	p.audit(conversationID, EventKeyVerified, storage.KeyEventSeverityInfo, map[string]any{
		"key_id":      result.KeyID,
		"key_version": result.KeyVersion,
		"fingerprint": crypto.KeyFingerprint(keyPair.PublicKey[:]),
	})

	return models.PeerKey{
		UserID:     p.userID,
		PublicKey:  publicKey,
		KeyID:      result.KeyID,
		KeyVersion: result.KeyVersion,
	}, nil
}

// BroadcastKeyGeneration announces a new key to online participants.
// Failures are logged only; FetchOthersKeys is how peers catch up.
func (p *Protocol) BroadcastKeyGeneration(ctx context.Context, conversationID, publicKey, keyID string, keyVersion int64) {
	update := models.KeyUpdate{
		ConversationID: conversationID,
		UserID:         p.userID,
		PublicKey:      publicKey,
		KeyID:          keyID,
		KeyVersion:     keyVersion,
	}
	_, err := callWithin(ctx, p.opts.Timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.server.BroadcastKey(ctx, update)
	})
	if err != nil {
		p.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Key broadcast failed")
	}
}

// FetchOthersKeys pulls the current peer keys and merges them into local
// state. It returns the keys that were added or replaced.
func (p *Protocol) FetchOthersKeys(ctx context.Context, conversationID string) ([]models.PeerKey, error) {
	keys, err := callWithin(ctx, p.opts.Timeout, func(ctx context.Context) ([]models.PeerKey, error) {
		return p.server.FetchPeerKeys(ctx, conversationID)
	})
	if err != nil {
		return nil, classify("fetch peer keys", conversationID, err)
	}
	return p.mergePeerKeys(conversationID, keys)
}

// ApplyKeyUpdate merges a broadcast key announcement.
func (p *Protocol) ApplyKeyUpdate(update models.KeyUpdate) (bool, error) {
	changed, err := p.mergePeerKeys(update.ConversationID, []models.PeerKey{{
		UserID:     update.UserID,
		PublicKey:  update.PublicKey,
		KeyID:      update.KeyID,
		KeyVersion: update.KeyVersion,
	}})
	if err != nil {
		return false, err
	}
	return len(changed) > 0, nil
}

func (p *Protocol) mergePeerKeys(conversationID string, keys []models.PeerKey) ([]models.PeerKey, error) {
	before, err := p.keys.Load(conversationID, p.userID)
	if err != nil {
		return nil, fmt.Errorf("load key state: %w", err)
	}
	changed, err := p.keys.MergePeerKeys(conversationID, p.userID, keys)
	if err != nil {
		return nil, fmt.Errorf("merge peer keys: %w", err)
	}

	for _, key := range changed {
		previous, replaced := before.PeerKeys[key.UserID]
		if !replaced {
			p.log.Debug().Str("conversation_id", conversationID).Str("peer_id", key.UserID).Msg("Peer key added")
			continue
		}
		p.log.Info().
			Str("conversation_id", conversationID).
			Str("peer_id", key.UserID).
			Int64("old_version", previous.KeyVersion).
			Int64("new_version", key.KeyVersion).
			Msg("Peer key replaced")
		p.auditUser(conversationID, key.UserID, EventPeerKeyReplaced, storage.KeyEventSeverityInfo, map[string]any{
			"old_version": previous.KeyVersion,
			"new_version": key.KeyVersion,
		})
	}
	return changed, nil
}

// VerifyOnServer checks that the server's record of our public key still
// matches the local one. A match makes the conversation Verified and a
// mismatch moves it to Failed. A transport failure leaves the state alone
// but is remembered as the last failure of an unverified conversation.
func (p *Protocol) VerifyOnServer(ctx context.Context, conversationID string) (bool, error) {
	const op = "verify key"

	stored, err := p.keys.Load(conversationID, p.userID)
	if err != nil {
		return false, fmt.Errorf("load key state: %w", err)
	}
	if !stored.HasKey() {
		return false, &Error{Op: op, ConversationID: conversationID, Kind: ErrKeyStateInvalid, Reason: "no local key"}
	}

	publicKey := stored.OwnKeyPair.PublicKeyBase64()
	verified, err := callWithin(ctx, p.opts.Timeout, func(ctx context.Context) (bool, error) {
		return p.server.VerifyKey(ctx, conversationID, p.userID, publicKey)
	})
	if err != nil {
		kx := classify(op, conversationID, err)
		p.mu.Lock()
		if p.states[conversationID] != StateVerified {
			p.failures[conversationID] = kx
		}
		p.mu.Unlock()
		return false, kx
	}

	if err := p.keys.SetVerified(conversationID, p.userID, verified); err != nil {
		return false, fmt.Errorf("store verification result: %w", err)
	}

	if verified {
		p.mu.Lock()
		p.states[conversationID] = StateVerified
		delete(p.failures, conversationID)
		p.mu.Unlock()
		return true, nil
	}

	kx := &Error{Op: op, ConversationID: conversationID, Kind: ErrServerRejected, Reason: "server holds a different key"}
	p.mu.Lock()
	p.states[conversationID] = StateFailed
	p.failures[conversationID] = kx
	p.mu.Unlock()

	p.log.Warn().Str("conversation_id", conversationID).Msg("Server key record no longer matches local key")
	p.audit(conversationID, EventKeyDrift, storage.KeyEventSeverityCritical, map[string]any{
		"fingerprint": crypto.KeyFingerprint(stored.OwnKeyPair.PublicKey[:]),
	})
	return false, nil
}

// LocalKeyPair returns the stored local key pair whatever its verification
// state, for opening boxes already addressed to it.
func (p *Protocol) LocalKeyPair(conversationID string) (*crypto.BoxKeyPair, error) {
	stored, err := p.keys.Load(conversationID, p.userID)
	if err != nil {
		return nil, err
	}
	if !stored.HasKey() {
		return nil, &Error{Op: "load local key", ConversationID: conversationID, Kind: ErrKeyStateInvalid, Reason: "no local key"}
	}
	return stored.OwnKeyPair, nil
}

// OwnKeyPair returns the verified local key pair of conversationID.
func (p *Protocol) OwnKeyPair(conversationID string) (*crypto.BoxKeyPair, error) {
	state, err := p.State(conversationID)
	if err != nil {
		return nil, err
	}
	if state != StateVerified {
		return nil, &Error{Op: "load own key", ConversationID: conversationID, Kind: ErrKeyStateInvalid, Reason: string(state)}
	}

	stored, err := p.keys.Load(conversationID, p.userID)
	if err != nil {
		return nil, err
	}
	if stored.OwnKeyPair == nil {
		return nil, &Error{Op: "load own key", ConversationID: conversationID, Kind: ErrKeyStateInvalid, Reason: "no local key"}
	}
	return stored.OwnKeyPair, nil
}

// PeerPublicKeys returns the known peer keys of conversationID.
func (p *Protocol) PeerPublicKeys(conversationID string) (map[string]string, error) {
	stored, err := p.keys.Load(conversationID, p.userID)
	if err != nil {
		return nil, err
	}
	return stored.PeerPublicKeys(), nil
}

// Reset forgets in-memory state and the per-process auto generation flags.
func (p *Protocol) Reset() {
	p.mu.Lock()
	p.states = make(map[string]State)
	p.failures = make(map[string]error)
	p.autoAttempted = make(map[string]bool)
	p.mu.Unlock()
	p.keys.Reset()
}

func (p *Protocol) transition(conversationID string, to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	from, ok := p.states[conversationID]
	if !ok {
		from = StateNoKey
	}
	if !validTransition(from, to) {
		return &Error{
			Op:             "transition",
			ConversationID: conversationID,
			Kind:           ErrKeyStateInvalid,
			Reason:         fmt.Sprintf("%s -> %s", from, to),
		}
	}
	p.states[conversationID] = to
	return nil
}

func (p *Protocol) fail(conversationID string, err *Error) {
	p.mu.Lock()
	p.states[conversationID] = StateFailed
	p.failures[conversationID] = err
	p.mu.Unlock()

	p.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Key exchange failed")
	p.audit(conversationID, EventExchangeFailed, storage.KeyEventSeverityWarning, map[string]any{
		"op":     err.Op,
		"kind":   err.Kind.Error(),
		"reason": err.Reason,
	})
}

func (p *Protocol) audit(conversationID, eventType, severity string, details map[string]any) {
	p.auditUser(conversationID, p.userID, eventType, severity, details)
}

func (p *Protocol) auditUser(conversationID, userID, eventType, severity string, details map[string]any) {
	if p.opts.Audit == nil {
		return
	}

	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	if err := p.opts.Audit.LogKeyEvent(storage.KeyEvent{
		EventType:      eventType,
		ConversationID: conversationID,
		UserID:         &userID,
		Details:        string(raw),
		Severity:       severity,
	}); err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("Key event not recorded")
	}
}

// callWithin runs fn with a deadline and returns when either fn finishes or
// the deadline passes, even if fn ignores its context.
func callWithin[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(ctx)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return zero, fmt.Errorf("%w: %v", ErrNetworkUnavailable, ctx.Err())
	}
}
