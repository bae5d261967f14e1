// Package engine wires the codecs, key exchange, method policy, and
// timeline into the handful of calls a chat screen makes: open a
// conversation, send, retry, react to server pushes, and tidy up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"chatseal/codec"
	"chatseal/config"
	"chatseal/keyexchange"
	"chatseal/keystore"
	"chatseal/models"
	"chatseal/network"
	"chatseal/policy"
	"chatseal/storage"
	"chatseal/timeline"

	"github.com/rs/zerolog"
)

const (
	// DefaultSendTimeout bounds one send_message round trip.
	DefaultSendTimeout = 30 * time.Second
	// historyPageSize is how many cached rows OpenConversation loads per query.
	historyPageSize = 200
)

// ErrUserRequired indicates an engine was configured without a local user.
var ErrUserRequired = errors.New("engine: user id is required")

// Backend is the messaging server as seen by the engine.
type Backend interface {
	keyexchange.Server
	SendMessage(ctx context.Context, message *models.Message) (*models.Message, error)
}

// Options configures an Engine.
type Options struct {
	UserID  string
	Backend Backend

	// Store caches confirmed messages, the deletion list, and the key audit log.
	Store *storage.Store
	// KV holds keys, secrets, and method selections. Defaults to Store.
	KV storage.KeyValue

	CorruptionPositions []int
	ExchangeTimeout     time.Duration
	SendTimeout         time.Duration
	SweepInterval       time.Duration
	Logger              *zerolog.Logger

	// Now is the clock used for sweeping and timestamps. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.KV == nil && o.Store != nil {
		o.KV = o.Store
	}
	if o.ExchangeTimeout <= 0 {
		o.ExchangeTimeout = keyexchange.DefaultExchangeTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = config.DefaultSweepInterval
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.UserID == "":
		return ErrUserRequired
	case o.Backend == nil:
		return errors.New("engine: backend is required")
	case o.Store == nil:
		return errors.New("engine: store is required")
	}
	return nil
}

// Engine is the client-side messaging core for one logged-in user.
type Engine struct {
	opts Options
	log  zerolog.Logger

	store    *storage.Store
	backend  Backend
	keys     *keystore.Store
	protocol *keyexchange.Protocol
	legacy   *codec.Legacy
	policy   *policy.Policy
	timeline *timeline.Store

	// Set by Open only.
	conn       io.Closer
	ownedStore *storage.Store

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New assembles an engine from already opened collaborators. The caller
// keeps ownership of Store and Backend.
func New(options Options) (*Engine, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	log := opts.Logger.With().Str("component", "engine").Str("user_id", opts.UserID).Logger()

	keys := keystore.New(opts.KV)
	protocol := keyexchange.New(opts.UserID, opts.Backend, keys, keyexchange.Options{
		Timeout: opts.ExchangeTimeout,
		Logger:  opts.Logger,
		Audit:   opts.Store,
	})

	legacy := codec.NewLegacy(keystore.NewSecrets(opts.KV), codec.NewCorruption(opts.CorruptionPositions))
	methods, err := policy.New(opts.KV, *opts.Logger,
		codec.NewDelegated(),
		codec.NewAsymmetric(opts.UserID, protocol),
		legacy,
	)
	if err != nil {
		return nil, fmt.Errorf("create method policy: %w", err)
	}

	return &Engine{
		opts:     opts,
		log:      log,
		store:    opts.Store,
		backend:  opts.Backend,
		keys:     keys,
		protocol: protocol,
		legacy:   legacy,
		policy:   methods,
		timeline: timeline.New(timeline.Options{
			UserID:    opts.UserID,
			Deletions: opts.Store,
			Logger:    opts.Logger,
		}),
		stop: make(chan struct{}),
	}, nil
}

// Open loads local state under dataDir according to cfg, connects to the
// configured backend, and starts consuming its pushed events. Close
// releases everything Open acquired.
func Open(ctx context.Context, cfg *config.EngineConfig, dataDir, userID string, logger zerolog.Logger) (*Engine, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		logger = logger.Level(level)
	}

	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, err
	}

	var kv storage.KeyValue = store
	if cfg.StorageBackend == config.StorageBackendEKV {
		encrypted, err := storage.OpenEKV(config.StoreDir(dataDir), cfg.StoragePassword)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		kv = encrypted
	}

	client, err := network.Dial(ctx, cfg.BackendAddress, network.ClientOptions{Logger: &logger})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	e, err := New(Options{
		UserID:              userID,
		Backend:             client,
		Store:               store,
		KV:                  kv,
		CorruptionPositions: cfg.CorruptionPositions,
		ExchangeTimeout:     cfg.KeyExchangeTimeout,
		SweepInterval:       cfg.SweepInterval,
		Logger:              &logger,
	})
	if err != nil {
		_ = client.Close()
		_ = store.Close()
		return nil, err
	}
	e.conn = client
	e.ownedStore = store

	e.Listen(client.Events())
	e.StartSweeper(ctx)
	return e, nil
}

// UserID returns the local user.
func (e *Engine) UserID() string {
	return e.opts.UserID
}

// Messages returns the current ordered view of a conversation.
func (e *Engine) Messages(conversationID string) []*models.Message {
	return e.timeline.Messages(conversationID)
}

// KeyState reports the key exchange state of a conversation.
func (e *Engine) KeyState(conversationID string) (keyexchange.State, error) {
	return e.protocol.State(conversationID)
}

// StartSweeper removes expired messages every SweepInterval until ctx is
// done or the engine is closed.
func (e *Engine) StartSweeper(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.Sweep()
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			}
		}
	}()
}

// Sweep removes every message whose scheduled deletion time has passed,
// from the timeline and from the message cache.
func (e *Engine) Sweep() []timeline.MessageRef {
	now := e.opts.Now()
	removed := e.timeline.SweepExpired(now)

	pruned, err := e.store.PruneExpiredMessages(now.UnixMilli())
	if err != nil {
		e.log.Warn().Err(err).Msg("Pruning expired cached messages failed")
	} else if pruned > 0 {
		e.log.Debug().Int64("count", pruned).Msg("Pruned expired cached messages")
	}
	return removed
}

// Reset drops all in-memory state of the session: timelines, derived keys,
// cached method selections, and the per-process auto generation flags.
// Persistent state is left untouched.
func (e *Engine) Reset() {
	e.timeline.Clear()
	e.legacy.Reset()
	e.policy.Reset()
	e.protocol.Reset()
	e.log.Info().Msg("Session state reset")
}

// Close stops background loops and releases resources acquired by Open.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		close(e.stop)
		if e.conn != nil {
			closeErr = e.conn.Close()
		}
		e.wg.Wait()
		if e.ownedStore != nil {
			if err := e.ownedStore.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	})
	return closeErr
}
