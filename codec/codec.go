// Package codec implements the per-conversation payload codecs: the
// server-delegated pass-through, the asymmetric box codec, and the legacy
// shared-secret codec with its corruption layer.
package codec

import "chatseal/models"

// OutcomeKind distinguishes a successful decrypt from a lenient fallback.
type OutcomeKind uint8

const (
	// KindDecrypted means the payload was understood by the codec.
	KindDecrypted OutcomeKind = iota
	// KindPassThrough means every interpretation failed and the input is returned unchanged.
	KindPassThrough
)

func (k OutcomeKind) String() string {
	switch k {
	case KindDecrypted:
		return "decrypted"
	case KindPassThrough:
		return "pass_through"
	default:
		return "unknown"
	}
}

// DecryptOutcome is the result of a decrypt attempt. Decrypt never fails;
// callers inspect Kind to tell understood text from an untouched payload.
type DecryptOutcome struct {
	Kind OutcomeKind
	Text string
}

// Decrypted wraps successfully recovered plaintext.
func Decrypted(text string) DecryptOutcome {
	return DecryptOutcome{Kind: KindDecrypted, Text: text}
}

// PassThrough wraps a payload that could not be interpreted.
func PassThrough(original string) DecryptOutcome {
	return DecryptOutcome{Kind: KindPassThrough, Text: original}
}

// OK reports whether the payload was decrypted.
func (o DecryptOutcome) OK() bool {
	return o.Kind == KindDecrypted
}

// Codec turns plaintext into a conversation payload and back.
type Codec interface {
	Method() models.EncryptionMethod
	Encrypt(conversationID, plainText string) (string, error)
	Decrypt(conversationID, senderID, payload string) DecryptOutcome
}

var (
	_ Codec = (*Delegated)(nil)
	_ Codec = (*Asymmetric)(nil)
	_ Codec = (*Legacy)(nil)
)
