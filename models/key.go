package models

// PeerKey is a participant's published public key for one conversation.
type PeerKey struct {
	UserID     string `json:"userId"`
	PublicKey  string `json:"publicKey"`
	KeyID      string `json:"keyId,omitempty"`
	KeyVersion int64  `json:"keyVersion"`
}

// KeyUpdate announces a newly published key to other conversation participants.
type KeyUpdate struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	PublicKey      string `json:"publicKey"`
	KeyID          string `json:"keyId"`
	KeyVersion     int64  `json:"keyVersion"`
}

// ReactionUpdate replaces the reaction set of one message.
type ReactionUpdate struct {
	ConversationID string              `json:"conversationId"`
	MessageID      string              `json:"messageId"`
	Reactions      map[string]Reaction `json:"reactions"`
}
