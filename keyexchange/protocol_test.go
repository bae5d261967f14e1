package keyexchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatseal/crypto"
	"chatseal/keystore"
	"chatseal/models"
	"chatseal/storage"

	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	mu         sync.Mutex
	submitFn   func(ctx context.Context, publicKey string) (SubmitResult, error)
	submits    int
	accepted   map[string]string
	peers      []models.PeerKey
	broadcasts []models.KeyUpdate
	verifyErr  error
}

func newFakeServer() *fakeServer {
	return &fakeServer{accepted: make(map[string]string)}
}

func (f *fakeServer) SubmitPublicKey(ctx context.Context, conversationID, _, publicKey string) (SubmitResult, error) {
	f.mu.Lock()
	f.submits++
	n := f.submits
	fn := f.submitFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, publicKey)
	}

	f.mu.Lock()
	f.accepted[conversationID] = publicKey
	f.mu.Unlock()
	return SubmitResult{Success: true, KeyID: fmt.Sprintf("key-%d", n), KeyVersion: int64(n)}, nil
}

func (f *fakeServer) FetchPeerKeys(context.Context, string) ([]models.PeerKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PeerKey(nil), f.peers...), nil
}

func (f *fakeServer) VerifyKey(_ context.Context, conversationID, _, publicKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return f.accepted[conversationID] == publicKey, nil
}

func (f *fakeServer) BroadcastKey(_ context.Context, update models.KeyUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, update)
	return nil
}

func (f *fakeServer) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type memoryAudit struct {
	mu     sync.Mutex
	events []storage.KeyEvent
}

func (m *memoryAudit) LogKeyEvent(event storage.KeyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memoryAudit) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, event := range m.events {
		out = append(out, event.EventType)
	}
	return out
}

func newTestProtocol(t *testing.T, server Server, timeout time.Duration) (*Protocol, *keystore.Store, *memoryAudit) {
	t.Helper()
	keys := keystore.New(storage.NewMemoryEKV())
	audit := &memoryAudit{}
	return New("alice", server, keys, Options{Timeout: timeout, Audit: audit}), keys, audit
}

func peerKey(t *testing.T, userID string, version int64) models.PeerKey {
	t.Helper()
	kp, err := crypto.GenerateBoxKeyPair()
	require.NoError(t, err)
	return models.PeerKey{UserID: userID, PublicKey: kp.PublicKeyBase64(), KeyVersion: version}
}

func TestEnsureKeyVerifiesAndBroadcasts(t *testing.T) {
	server := newFakeServer()
	server.peers = []models.PeerKey{peerKey(t, "bob", 1)}
	p, keys, audit := newTestProtocol(t, server, time.Second)

	state, err := p.EnsureKey(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, StateVerified, state)

	stored, err := keys.Load("c1", "alice")
	require.NoError(t, err)
	require.True(t, stored.Verified)
	require.Equal(t, "key-1", stored.KeyID)
	require.Contains(t, stored.PeerKeys, "bob")

	require.Len(t, server.broadcasts, 1)
	require.Equal(t, stored.OwnKeyPair.PublicKeyBase64(), server.broadcasts[0].PublicKey)
	require.Equal(t, []string{EventKeyVerified}, audit.types())

	own, err := p.OwnKeyPair("c1")
	require.NoError(t, err)
	require.Equal(t, stored.OwnKeyPair.PublicKeyBase64(), own.PublicKeyBase64())
}

func TestExchangeWithSilentServerFailsWithinBound(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	server := newFakeServer()
	server.submitFn = func(context.Context, string) (SubmitResult, error) {
		<-block
		return SubmitResult{}, nil
	}
	p, _, audit := newTestProtocol(t, server, 100*time.Millisecond)

	start := time.Now()
	state, err := p.EnsureKey(context.Background(), "c1")
	elapsed := time.Since(start)

	require.Equal(t, StateFailed, state)
	require.ErrorIs(t, err, ErrTimeout)
	require.NotErrorIs(t, err, ErrServerRejected)
	require.Less(t, elapsed, 2*time.Second)
	require.Equal(t, []string{EventExchangeFailed}, audit.types())
}

func TestExchangeDistinguishesRejectionFromTimeout(t *testing.T) {
	server := newFakeServer()
	server.submitFn = func(context.Context, string) (SubmitResult, error) {
		return SubmitResult{Success: false, Message: "key quota exceeded"}, nil
	}
	p, _, _ := newTestProtocol(t, server, time.Second)

	state, err := p.EnsureKey(context.Background(), "c1")
	require.Equal(t, StateFailed, state)
	require.ErrorIs(t, err, ErrServerRejected)
	require.NotErrorIs(t, err, ErrTimeout)

	var kx *Error
	require.ErrorAs(t, err, &kx)
	require.Equal(t, "key quota exceeded", kx.Reason)
	require.Equal(t, "c1", kx.ConversationID)
	require.Contains(t, err.Error(), "key quota exceeded")
}

func TestExchangeMapsTransportErrors(t *testing.T) {
	server := newFakeServer()
	server.submitFn = func(context.Context, string) (SubmitResult, error) {
		return SubmitResult{}, errors.New("connection refused")
	}
	p, _, _ := newTestProtocol(t, server, time.Second)

	_, err := p.EnsureKey(context.Background(), "c1")
	require.ErrorIs(t, err, ErrNetworkUnavailable)

	server.submitFn = func(ctx context.Context, _ string) (SubmitResult, error) {
		<-ctx.Done()
		return SubmitResult{}, ctx.Err()
	}
	p2, _, _ := newTestProtocol(t, server, 50*time.Millisecond)
	_, err = p2.EnsureKey(context.Background(), "c1")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestAutomaticGenerationRunsOncePerConversation(t *testing.T) {
	server := newFakeServer()
	server.submitFn = func(context.Context, string) (SubmitResult, error) {
		return SubmitResult{Success: false, Message: "try later"}, nil
	}
	p, _, _ := newTestProtocol(t, server, time.Second)

	for i := 0; i < 3; i++ {
		state, err := p.EnsureKey(context.Background(), "c1")
		require.Equal(t, StateFailed, state)
		require.ErrorIs(t, err, ErrServerRejected)
	}
	require.Equal(t, 1, server.submitCount())

	_, err := p.EnsureKey(context.Background(), "c2")
	require.Error(t, err)
	require.Equal(t, 2, server.submitCount())

	server.mu.Lock()
	server.submitFn = nil
	server.mu.Unlock()

	state, err := p.Regenerate(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, StateVerified, state)
	require.Equal(t, 3, server.submitCount())

	p.Reset()
	state, err = p.EnsureKey(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, StateVerified, state)
	require.Equal(t, 3, server.submitCount())
}

func TestConcurrentTriggersNeverOverlap(t *testing.T) {
	var (
		mu        sync.Mutex
		active    int
		maxActive int
	)
	server := newFakeServer()
	server.submitFn = func(context.Context, string) (SubmitResult, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return SubmitResult{Success: true, KeyID: "k", KeyVersion: 1}, nil
	}
	p, _, _ := newTestProtocol(t, server, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = p.EnsureKey(context.Background(), "c1")
				return
			}
			_, _ = p.Regenerate(context.Background(), "c1")
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, maxActive)
	state, err := p.State("c1")
	require.NoError(t, err)
	require.Equal(t, StateVerified, state)
}

func TestOwnKeyPairRequiresVerifiedState(t *testing.T) {
	p, _, _ := newTestProtocol(t, newFakeServer(), time.Second)

	_, err := p.OwnKeyPair("c1")
	require.ErrorIs(t, err, ErrKeyStateInvalid)
}

func TestFetchOthersKeysHigherVersionWins(t *testing.T) {
	server := newFakeServer()
	p, keys, audit := newTestProtocol(t, server, time.Second)

	bobV2 := peerKey(t, "bob", 2)
	server.peers = []models.PeerKey{bobV2, peerKey(t, "carol", 1)}
	changed, err := p.FetchOthersKeys(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, changed, 2)

	server.peers = []models.PeerKey{peerKey(t, "bob", 1), peerKey(t, "bob", 2)}
	changed, err = p.FetchOthersKeys(context.Background(), "c1")
	require.NoError(t, err)
	require.Empty(t, changed)

	stored, err := keys.Load("c1", "alice")
	require.NoError(t, err)
	require.Equal(t, bobV2.PublicKey, stored.PeerKeys["bob"].PublicKey)

	bobV3 := peerKey(t, "bob", 3)
	server.peers = []models.PeerKey{bobV3}
	changed, err = p.FetchOthersKeys(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, []models.PeerKey{bobV3}, changed)
	require.Equal(t, []string{EventPeerKeyReplaced}, audit.types())
}

func TestApplyKeyUpdate(t *testing.T) {
	p, _, _ := newTestProtocol(t, newFakeServer(), time.Second)
	key := peerKey(t, "bob", 4)

	update := models.KeyUpdate{ConversationID: "c1", UserID: "bob", PublicKey: key.PublicKey, KeyVersion: 4}
	changed, err := p.ApplyKeyUpdate(update)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = p.ApplyKeyUpdate(update)
	require.NoError(t, err)
	require.False(t, changed)

	peers, err := p.PeerPublicKeys("c1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"bob": key.PublicKey}, peers)
}

func TestVerifyOnServerDetectsDrift(t *testing.T) {
	server := newFakeServer()
	p, _, audit := newTestProtocol(t, server, time.Second)

	_, err := p.VerifyOnServer(context.Background(), "c1")
	require.ErrorIs(t, err, ErrKeyStateInvalid)

	_, err = p.EnsureKey(context.Background(), "c1")
	require.NoError(t, err)

	ok, err := p.VerifyOnServer(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, ok)

	server.mu.Lock()
	server.accepted["c1"] = "someone-else"
	server.mu.Unlock()

	ok, err = p.VerifyOnServer(context.Background(), "c1")
	require.NoError(t, err)
	require.False(t, ok)

	state, err := p.State("c1")
	require.NoError(t, err)
	require.Equal(t, StateFailed, state)
	require.ErrorIs(t, p.LastFailure("c1"), ErrServerRejected)
	require.Contains(t, audit.types(), EventKeyDrift)

	_, err = p.OwnKeyPair("c1")
	require.ErrorIs(t, err, ErrKeyStateInvalid)
}

func TestVerifyOnServerTransportFailureKeepsState(t *testing.T) {
	server := newFakeServer()
	p, _, _ := newTestProtocol(t, server, time.Second)

	_, err := p.EnsureKey(context.Background(), "c1")
	require.NoError(t, err)

	server.mu.Lock()
	server.verifyErr = errors.New("socket closed")
	server.mu.Unlock()

	_, err = p.VerifyOnServer(context.Background(), "c1")
	require.ErrorIs(t, err, ErrNetworkUnavailable)

	state, err := p.State("c1")
	require.NoError(t, err)
	require.Equal(t, StateVerified, state)
}

func TestStateRehydratesFromStorage(t *testing.T) {
	server := newFakeServer()
	kv := storage.NewMemoryEKV()

	first := New("alice", server, keystore.New(kv), Options{Timeout: time.Second})
	_, err := first.EnsureKey(context.Background(), "c1")
	require.NoError(t, err)

	second := New("alice", server, keystore.New(kv), Options{Timeout: time.Second})
	state, err := second.State("c1")
	require.NoError(t, err)
	require.Equal(t, StateUnconfirmed, state)

	_, err = second.OwnKeyPair("c1")
	require.ErrorIs(t, err, ErrKeyStateInvalid)
	local, err := second.LocalKeyPair("c1")
	require.NoError(t, err)
	require.NotNil(t, local)

	state, err = second.EnsureKey(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, StateVerified, state)
	require.Equal(t, 1, server.submitCount())

	_, err = second.OwnKeyPair("c1")
	require.NoError(t, err)
}

func TestRestartDetectsKeyOverwrittenElsewhere(t *testing.T) {
	server := newFakeServer()
	kv := storage.NewMemoryEKV()

	first := New("alice", server, keystore.New(kv), Options{Timeout: time.Second})
	_, err := first.EnsureKey(context.Background(), "c1")
	require.NoError(t, err)

	server.mu.Lock()
	server.accepted["c1"] = "other-device-key"
	server.mu.Unlock()

	audit := &memoryAudit{}
	second := New("alice", server, keystore.New(kv), Options{Timeout: time.Second, Audit: audit})
	state, err := second.EnsureKey(context.Background(), "c1")
	require.Equal(t, StateFailed, state)
	require.ErrorIs(t, err, ErrServerRejected)
	require.Contains(t, audit.types(), EventKeyDrift)

	// The stored key is kept for the user to replace; nothing is regenerated.
	state, err = second.EnsureKey(context.Background(), "c1")
	require.Equal(t, StateFailed, state)
	require.ErrorIs(t, err, ErrServerRejected)
	require.Equal(t, 1, server.submitCount())

	_, err = second.OwnKeyPair("c1")
	require.ErrorIs(t, err, ErrKeyStateInvalid)

	third := New("alice", server, keystore.New(kv), Options{Timeout: time.Second})
	state, err = third.State("c1")
	require.NoError(t, err)
	require.Equal(t, StateFailed, state)
}

func TestRestartWithoutServerStaysUnconfirmed(t *testing.T) {
	server := newFakeServer()
	kv := storage.NewMemoryEKV()

	first := New("alice", server, keystore.New(kv), Options{Timeout: time.Second})
	_, err := first.EnsureKey(context.Background(), "c1")
	require.NoError(t, err)

	server.mu.Lock()
	server.verifyErr = errors.New("socket closed")
	server.mu.Unlock()

	second := New("alice", server, keystore.New(kv), Options{Timeout: time.Second})
	state, err := second.EnsureKey(context.Background(), "c1")
	require.Equal(t, StateUnconfirmed, state)
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	require.ErrorIs(t, second.LastFailure("c1"), ErrNetworkUnavailable)

	server.mu.Lock()
	server.verifyErr = nil
	server.mu.Unlock()

	state, err = second.EnsureKey(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, StateVerified, state)
	require.NoError(t, second.LastFailure("c1"))
	require.Equal(t, 1, server.submitCount())
}
