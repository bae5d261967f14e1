package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"chatseal/crypto"
	"chatseal/models"
)

const envelopeVersion = 1

var errNoRecipients = errors.New("codec: conversation has no recipient keys")

// KeySource supplies the key material of a conversation. OwnKeyPair fails
// while the local key is not verified; LocalKeyPair returns any stored key.
type KeySource interface {
	OwnKeyPair(conversationID string) (*crypto.BoxKeyPair, error)
	LocalKeyPair(conversationID string) (*crypto.BoxKeyPair, error)
	PeerPublicKeys(conversationID string) (map[string]string, error)
}

// Asymmetric seals each message once per participant with NaCl box. The
// sender keeps a box addressed to itself so its own history stays readable.
type Asymmetric struct {
	userID string
	keys   KeySource
}

type envelope struct {
	Version   int               `json:"v"`
	SenderKey string            `json:"sk"`
	Boxes     map[string]string `json:"boxes"`
}

// NewAsymmetric returns a box codec for the local user.
func NewAsymmetric(userID string, keys KeySource) *Asymmetric {
	return &Asymmetric{userID: userID, keys: keys}
}

func (*Asymmetric) Method() models.EncryptionMethod {
	return models.MethodAsymmetric
}

// Encrypt seals plainText for every known peer and for the local user.
func (a *Asymmetric) Encrypt(conversationID, plainText string) (string, error) {
	own, err := a.keys.OwnKeyPair(conversationID)
	if err != nil {
		return "", fmt.Errorf("load own key pair: %w", err)
	}
	peers, err := a.keys.PeerPublicKeys(conversationID)
	if err != nil {
		return "", fmt.Errorf("load peer keys: %w", err)
	}

	recipients := make(map[string]*[crypto.BoxKeySize]byte, len(peers)+1)
	for userID, encoded := range peers {
		if userID == a.userID {
			continue
		}
		publicKey, err := crypto.ParseBoxPublicKey(encoded)
		if err != nil {
			return "", fmt.Errorf("peer %q: %w", userID, err)
		}
		recipients[userID] = publicKey
	}
	if len(recipients) == 0 {
		return "", errNoRecipients
	}
	recipients[a.userID] = own.PublicKey

	env := envelope{
		Version:   envelopeVersion,
		SenderKey: own.PublicKeyBase64(),
		Boxes:     make(map[string]string, len(recipients)),
	}
	for userID, publicKey := range recipients {
		sealed, err := crypto.SealBox([]byte(plainText), publicKey, own.PrivateKey)
		if err != nil {
			return "", fmt.Errorf("seal for %q: %w", userID, err)
		}
		env.Boxes[userID] = base64.StdEncoding.EncodeToString(sealed)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(raw), nil
}

// Decrypt opens the box addressed to the local user, with the stored key
// even before the server confirmed it again. Anything that is not a
// readable envelope is passed through.
func (a *Asymmetric) Decrypt(conversationID, senderID, payload string) DecryptOutcome {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Version != envelopeVersion {
		return PassThrough(payload)
	}
	encoded, ok := env.Boxes[a.userID]
	if !ok {
		return PassThrough(payload)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return PassThrough(payload)
	}

	own, err := a.keys.LocalKeyPair(conversationID)
	if err != nil {
		return PassThrough(payload)
	}
	senderKey, err := a.senderKey(conversationID, senderID, own, env.SenderKey)
	if err != nil {
		return PassThrough(payload)
	}

	plaintext, err := crypto.OpenBox(sealed, senderKey, own.PrivateKey)
	if err != nil {
		return PassThrough(payload)
	}
	return Decrypted(string(plaintext))
}

// senderKey prefers the key on record for senderID over the one carried in
// the envelope.
func (a *Asymmetric) senderKey(conversationID, senderID string, own *crypto.BoxKeyPair, carried string) (*[crypto.BoxKeySize]byte, error) {
	if senderID == a.userID {
		return own.PublicKey, nil
	}
	peers, err := a.keys.PeerPublicKeys(conversationID)
	if err == nil {
		if known, ok := peers[senderID]; ok {
			return crypto.ParseBoxPublicKey(known)
		}
	}
	return crypto.ParseBoxPublicKey(carried)
}
