package models

import (
	"slices"
	"time"
)

// MessageStatus is the delivery state of a timeline entry.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Reaction is one participant's reaction to a message.
type Reaction struct {
	Emoji    string `json:"emoji"`
	Username string `json:"username"`
}

// Message is a conversation entry. It is addressed by ClientTempID while
// pending and by ID once the server has confirmed it.
type Message struct {
	ID             string `json:"_id,omitempty"`
	ClientTempID   string `json:"clientTempId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Payload        string `json:"payload,omitempty"`

	// Method tags the codec that produced Payload. Nil for messages that
	// predate per-message tagging.
	Method *EncryptionMethod `json:"method,omitempty"`

	// PlainText caches the decrypted payload. It is never persisted or sent.
	PlainText string `json:"-"`

	Media string `json:"media,omitempty"`
	Voice string `json:"voice,omitempty"`
	Call  string `json:"call,omitempty"`
	Image string `json:"image,omitempty"`

	CreatedAt             time.Time           `json:"createdAt"`
	ScheduledDeletionTime *time.Time          `json:"scheduledDeletionTime,omitempty"`
	Status                MessageStatus       `json:"status"`
	Reactions             map[string]Reaction `json:"reactions,omitempty"`
	DeletedFor            []string            `json:"deletedFor,omitempty"`
}

// Key returns the identifier the message is currently addressed by.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientTempID
}

// MethodOr returns the message's method tag, or fallback when untagged.
func (m *Message) MethodOr(fallback EncryptionMethod) EncryptionMethod {
	if m.Method != nil {
		return *m.Method
	}
	return fallback
}

// SetMethod tags the message with method.
func (m *Message) SetMethod(method EncryptionMethod) {
	m.Method = &method
}

// HasText reports whether the message carries a payload or cached text.
func (m *Message) HasText() bool {
	return m.Payload != "" || m.PlainText != ""
}

// HasAttachment reports whether the message carries media, voice, call, or image content.
func (m *Message) HasAttachment() bool {
	return m.Media != "" || m.Voice != "" || m.Call != "" || m.Image != ""
}

// DeletedForUser reports whether userID removed this message from their view.
func (m *Message) DeletedForUser(userID string) bool {
	return userID != "" && slices.Contains(m.DeletedFor, userID)
}

// Expired reports whether the message's scheduled deletion time has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.ScheduledDeletionTime != nil && !m.ScheduledDeletionTime.After(now)
}

// Clone returns a deep copy that shares no maps or slices with m.
func (m *Message) Clone() *Message {
	out := *m
	if m.Method != nil {
		method := *m.Method
		out.Method = &method
	}
	if m.ScheduledDeletionTime != nil {
		at := *m.ScheduledDeletionTime
		out.ScheduledDeletionTime = &at
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]Reaction, len(m.Reactions))
		for userID, reaction := range m.Reactions {
			out.Reactions[userID] = reaction
		}
	}
	out.DeletedFor = slices.Clone(m.DeletedFor)
	return &out
}
