package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveMessage(t *testing.T, store *Store, conversationID, messageID string, createdAt int64) {
	t.Helper()

	err := store.SaveMessage(MessageRecord{
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       "sender-" + messageID,
		Payload:        "payload-" + messageID,
		Method:         methodLegacy,
		CreatedAt:      createdAt,
	})
	if err != nil {
		t.Fatalf("save message %q: %v", messageID, err)
	}
}
