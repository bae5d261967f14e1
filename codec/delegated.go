package codec

import "chatseal/models"

// Delegated performs no local cryptography. The message-delivery backend is
// responsible for protecting the payload.
type Delegated struct{}

// NewDelegated returns the server-delegated codec.
func NewDelegated() *Delegated {
	return &Delegated{}
}

func (*Delegated) Method() models.EncryptionMethod {
	return models.MethodServerDelegated
}

func (*Delegated) Encrypt(_, plainText string) (string, error) {
	return plainText, nil
}

func (*Delegated) Decrypt(_, _, payload string) DecryptOutcome {
	return Decrypted(payload)
}
