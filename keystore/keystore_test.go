package keystore

import (
	"testing"

	"chatseal/crypto"
	"chatseal/models"
	"chatseal/storage"

	"github.com/stretchr/testify/require"
)

func newKeyPair(t *testing.T) *crypto.BoxKeyPair {
	t.Helper()
	kp, err := crypto.GenerateBoxKeyPair()
	require.NoError(t, err)
	return kp
}

func peerKey(t *testing.T, userID string, version int64) models.PeerKey {
	t.Helper()
	return models.PeerKey{
		UserID:     userID,
		PublicKey:  newKeyPair(t).PublicKeyBase64(),
		KeyVersion: version,
	}
}

func TestLoadEmptyState(t *testing.T) {
	s := New(storage.NewMemoryEKV())

	state, err := s.Load("c1", "u1")
	require.NoError(t, err)
	require.False(t, state.HasKey())
	require.False(t, state.Verified)
	require.Empty(t, state.PeerKeys)

	_, err = s.Load("", "u1")
	require.Error(t, err)
}

func TestSaveVerifiedRehydratesFromStorage(t *testing.T) {
	kv := storage.NewMemoryEKV()
	s := New(kv)
	kp := newKeyPair(t)

	require.NoError(t, s.SaveVerified("c1", "u1", kp, "key-1", 3))

	fresh := New(kv)
	state, err := fresh.Load("c1", "u1")
	require.NoError(t, err)
	require.True(t, state.Verified)
	require.Equal(t, "key-1", state.KeyID)
	require.EqualValues(t, 3, state.KeyVersion)
	require.Equal(t, kp.PublicKeyBase64(), state.OwnKeyPair.PublicKeyBase64())
	require.Equal(t, kp.PrivateKeyBase64(), state.OwnKeyPair.PrivateKeyBase64())
}

func TestSaveVerifiedDiscardsPeerKeys(t *testing.T) {
	s := New(storage.NewMemoryEKV())

	_, err := s.MergePeerKeys("c1", "u1", []models.PeerKey{peerKey(t, "u2", 1)})
	require.NoError(t, err)
	require.NoError(t, s.SaveVerified("c1", "u1", newKeyPair(t), "k", 1))

	state, err := s.Load("c1", "u1")
	require.NoError(t, err)
	require.Empty(t, state.PeerKeys)
}

func TestMergePeerKeysHigherVersionWins(t *testing.T) {
	s := New(storage.NewMemoryEKV())

	v2 := peerKey(t, "u2", 2)
	changed, err := s.MergePeerKeys("c1", "u1", []models.PeerKey{v2})
	require.NoError(t, err)
	require.Len(t, changed, 1)

	stale := peerKey(t, "u2", 1)
	same := peerKey(t, "u2", 2)
	changed, err = s.MergePeerKeys("c1", "u1", []models.PeerKey{stale, same})
	require.NoError(t, err)
	require.Empty(t, changed)

	state, err := s.Load("c1", "u1")
	require.NoError(t, err)
	require.Equal(t, v2.PublicKey, state.PeerKeys["u2"].PublicKey)

	v3 := peerKey(t, "u2", 3)
	changed, err = s.MergePeerKeys("c1", "u1", []models.PeerKey{v3})
	require.NoError(t, err)
	require.Equal(t, []models.PeerKey{v3}, changed)

	state, err = s.Load("c1", "u1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"u2": v3.PublicKey}, state.PeerPublicKeys())
}

func TestMergePeerKeysIsIdempotent(t *testing.T) {
	s := New(storage.NewMemoryEKV())
	keys := []models.PeerKey{peerKey(t, "u2", 1), peerKey(t, "u3", 4)}

	_, err := s.MergePeerKeys("c1", "u1", keys)
	require.NoError(t, err)
	first, err := s.Load("c1", "u1")
	require.NoError(t, err)

	changed, err := s.MergePeerKeys("c1", "u1", keys)
	require.NoError(t, err)
	require.Empty(t, changed)

	second, err := s.Load("c1", "u1")
	require.NoError(t, err)
	require.Equal(t, first.PeerKeys, second.PeerKeys)
}

func TestMergePeerKeysSkipsSelfAndGarbage(t *testing.T) {
	s := New(storage.NewMemoryEKV())

	changed, err := s.MergePeerKeys("c1", "u1", []models.PeerKey{
		peerKey(t, "u1", 9),
		{UserID: "u2", PublicKey: "not-a-key", KeyVersion: 1},
		{UserID: "", PublicKey: newKeyPair(t).PublicKeyBase64(), KeyVersion: 1},
	})
	require.NoError(t, err)
	require.Empty(t, changed)
}

func TestSetVerifiedPersists(t *testing.T) {
	kv := storage.NewMemoryEKV()
	s := New(kv)

	require.ErrorIs(t, s.SetVerified("c1", "u1", false), storage.ErrNotFound)

	require.NoError(t, s.SaveVerified("c1", "u1", newKeyPair(t), "k", 1))
	require.NoError(t, s.SetVerified("c1", "u1", false))

	state, err := New(kv).Load("c1", "u1")
	require.NoError(t, err)
	require.True(t, state.HasKey())
	require.False(t, state.Verified)
}

func TestLoadReturnsCopies(t *testing.T) {
	s := New(storage.NewMemoryEKV())
	_, err := s.MergePeerKeys("c1", "u1", []models.PeerKey{peerKey(t, "u2", 1)})
	require.NoError(t, err)

	state, err := s.Load("c1", "u1")
	require.NoError(t, err)
	delete(state.PeerKeys, "u2")

	again, err := s.Load("c1", "u1")
	require.NoError(t, err)
	require.Contains(t, again.PeerKeys, "u2")
}

func TestSecretsDefaultAndCustom(t *testing.T) {
	kv := storage.NewMemoryEKV()
	secrets := NewSecrets(kv)

	secret, err := secrets.SharedSecret("c1")
	require.NoError(t, err)
	require.Equal(t, "c1", secret)

	stored, err := kv.Get(DefaultSecretKey("c1"))
	require.NoError(t, err)
	require.Equal(t, "c1", string(stored))

	require.NoError(t, secrets.SetCustomSecret("c1", "abcdEFGH12345678"))
	secret, err = secrets.SharedSecret("c1")
	require.NoError(t, err)
	require.Equal(t, "abcdEFGH12345678", secret)

	require.NoError(t, secrets.ClearCustomSecret("c1"))
	secret, err = secrets.SharedSecret("c1")
	require.NoError(t, err)
	require.Equal(t, "c1", secret)
}
