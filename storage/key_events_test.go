package storage

import (
	"errors"
	"testing"
	"time"
)

func TestLogAndQueryKeyEvents(t *testing.T) {
	store := newTestStore(t)

	now := nowUnixMilli()
	userID := "user-1"

	if err := store.LogKeyEvent(KeyEvent{
		EventType:      "exchange_failed",
		ConversationID: "conv-1",
		UserID:         &userID,
		Details:        `{"reason":"timeout"}`,
		Severity:       KeyEventSeverityWarning,
		Timestamp:      now - 1_000,
	}); err != nil {
		t.Fatalf("LogKeyEvent exchange_failed failed: %v", err)
	}
	if err := store.LogKeyEvent(KeyEvent{
		EventType:      "key_drift_detected",
		ConversationID: "conv-1",
		UserID:         &userID,
		Details:        `{"server_key":"abc"}`,
		Severity:       KeyEventSeverityCritical,
		Timestamp:      now,
	}); err != nil {
		t.Fatalf("LogKeyEvent key_drift_detected failed: %v", err)
	}
	if err := store.LogKeyEvent(KeyEvent{
		EventType:      "key_verified",
		ConversationID: "conv-2",
		Timestamp:      now,
	}); err != nil {
		t.Fatalf("LogKeyEvent other conversation failed: %v", err)
	}

	all, err := store.GetKeyEvents(KeyEventFilter{
		ConversationID: "conv-1",
		Limit:          10,
	})
	if err != nil {
		t.Fatalf("GetKeyEvents all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 key events, got %d", len(all))
	}
	if all[0].EventType != "key_drift_detected" {
		t.Fatalf("expected newest event type key_drift_detected, got %q", all[0].EventType)
	}
	if all[1].EventType != "exchange_failed" {
		t.Fatalf("expected older event type exchange_failed, got %q", all[1].EventType)
	}
	if all[1].UserID == nil || *all[1].UserID != userID {
		t.Fatalf("expected user id %q, got %v", userID, all[1].UserID)
	}

	filtered, err := store.GetKeyEvents(KeyEventFilter{
		EventTypes:     []string{"exchange_failed"},
		ConversationID: "conv-1",
		Severity:       KeyEventSeverityWarning,
		Limit:          10,
	})
	if err != nil {
		t.Fatalf("GetKeyEvents filtered failed: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered key event, got %d", len(filtered))
	}
	if filtered[0].Details != `{"reason":"timeout"}` {
		t.Fatalf("unexpected filtered event details: %q", filtered[0].Details)
	}
}

func TestKeyEventsByUserAndType(t *testing.T) {
	store := newTestStore(t)

	now := nowUnixMilli()
	alice, bob := "alice", "bob"
	events := []KeyEvent{
		{EventType: "key_verified", ConversationID: "c1", UserID: &alice, Timestamp: now - 3_000},
		{EventType: "peer_key_replaced", ConversationID: "c1", UserID: &bob, Timestamp: now - 2_000},
		{EventType: "key_exchange_failed", ConversationID: "c1", UserID: &alice, Severity: KeyEventSeverityWarning, Timestamp: now - 1_000},
		{EventType: "key_drift_detected", ConversationID: "c2", UserID: &alice, Severity: KeyEventSeverityCritical, Timestamp: now},
	}
	for _, event := range events {
		if err := store.LogKeyEvent(event); err != nil {
			t.Fatalf("LogKeyEvent %s failed: %v", event.EventType, err)
		}
	}

	peer, err := store.GetKeyEvents(KeyEventFilter{ConversationID: "c1", UserID: "bob"})
	if err != nil {
		t.Fatalf("GetKeyEvents by user failed: %v", err)
	}
	if len(peer) != 1 || peer[0].EventType != "peer_key_replaced" {
		t.Fatalf("expected only bob's peer_key_replaced event, got %+v", peer)
	}

	latest, err := store.LatestKeyEvent("c1", "alice", "key_drift_detected", "key_exchange_failed")
	if err != nil {
		t.Fatalf("LatestKeyEvent failed: %v", err)
	}
	if latest.EventType != "key_exchange_failed" {
		t.Fatalf("expected key_exchange_failed, got %q", latest.EventType)
	}

	latest, err = store.LatestKeyEvent("c1", "alice")
	if err != nil {
		t.Fatalf("LatestKeyEvent without types failed: %v", err)
	}
	if latest.EventType != "key_exchange_failed" {
		t.Fatalf("expected newest alice event, got %q", latest.EventType)
	}

	if _, err := store.LatestKeyEvent("c1", "alice", "key_drift_detected"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing drift event, got %v", err)
	}
}

func TestLogKeyEventRejectsInvalidInput(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogKeyEvent(KeyEvent{EventType: "x"}); err == nil {
		t.Fatalf("expected missing conversation id to be rejected")
	}
	if err := store.LogKeyEvent(KeyEvent{EventType: "x", ConversationID: "c", Severity: "loud"}); err == nil {
		t.Fatalf("expected invalid severity to be rejected")
	}
	if err := store.LogKeyEvent(KeyEvent{EventType: "x", ConversationID: "c", Details: "{"}); err == nil {
		t.Fatalf("expected invalid details JSON to be rejected")
	}
}

func TestKeyEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetKeyEventRetention(1 * time.Second)

	now := nowUnixMilli()

	if err := store.LogKeyEvent(KeyEvent{
		EventType:      "old_event",
		ConversationID: "conv-1",
		Details:        `{"state":"old"}`,
		Severity:       KeyEventSeverityInfo,
		Timestamp:      now - 10_000,
	}); err != nil {
		t.Fatalf("LogKeyEvent old_event failed: %v", err)
	}
	if err := store.LogKeyEvent(KeyEvent{
		EventType:      "new_event",
		ConversationID: "conv-1",
		Details:        `{"state":"new"}`,
		Severity:       KeyEventSeverityInfo,
		Timestamp:      now,
	}); err != nil {
		t.Fatalf("LogKeyEvent new_event failed: %v", err)
	}

	events, err := store.GetKeyEvents(KeyEventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("GetKeyEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after retention prune, got %d", len(events))
	}
	if events[0].EventType != "new_event" {
		t.Fatalf("expected retained event type new_event, got %q", events[0].EventType)
	}
}
