package timeline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"chatseal/models"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return epoch.Add(time.Duration(seconds) * time.Second)
}

type deletionSet map[string]bool

func (d deletionSet) IsDeleted(conversationID, messageID, userID string) (bool, error) {
	return d[conversationID+"/"+messageID+"/"+userID], nil
}

func newTestStore() *Store {
	n := 0
	return New(Options{
		UserID: "me",
		NewTempID: func() string {
			n++
			return fmt.Sprintf("tmp-%d", n)
		},
	})
}

func textMessage(conversationID, tempID string, createdAt time.Time) *models.Message {
	return &models.Message{
		ClientTempID:   tempID,
		ConversationID: conversationID,
		SenderID:       "me",
		Payload:        "payload-" + tempID,
		CreatedAt:      createdAt,
	}
}

func TestInsertOptimisticIsIdempotent(t *testing.T) {
	s := newTestStore()

	key, inserted := s.InsertOptimistic(textMessage("c1", "t1", at(1)))
	require.True(t, inserted)
	require.Equal(t, "t1", key)

	key, inserted = s.InsertOptimistic(textMessage("c1", "t1", at(5)))
	require.False(t, inserted)
	require.Equal(t, "t1", key)

	require.Equal(t, []string{"t1"}, s.Order("c1"))
	got, ok := s.Get("c1", "t1")
	require.True(t, ok)
	require.Equal(t, at(1), got.CreatedAt)
	require.Equal(t, models.StatusPending, got.Status)
}

func TestInsertOptimisticAssignsTempID(t *testing.T) {
	s := newTestStore()

	key, inserted := s.InsertOptimistic(&models.Message{ConversationID: "c1", Payload: "x", CreatedAt: at(1)})
	require.True(t, inserted)
	require.Equal(t, "tmp-1", key)

	got, ok := s.Get("c1", key)
	require.True(t, ok)
	require.Equal(t, "tmp-1", got.ClientTempID)

	_, inserted = s.InsertOptimistic(&models.Message{Payload: "no conversation"})
	require.False(t, inserted)
}

func TestOrderFollowsCreatedAtNotArrival(t *testing.T) {
	s := newTestStore()

	s.InsertOptimistic(textMessage("c1", "three", at(3)))
	s.InsertOptimistic(textMessage("c1", "one", at(1)))
	s.InsertOptimistic(textMessage("c1", "two", at(2)))

	require.Equal(t, []string{"one", "two", "three"}, s.Order("c1"))

	messages := s.Messages("c1")
	require.Len(t, messages, 3)
	for i, want := range []time.Time{at(1), at(2), at(3)} {
		require.Equal(t, want, messages[i].CreatedAt)
	}
}

func TestOrderTiesKeepInsertionOrder(t *testing.T) {
	s := newTestStore()

	s.InsertOptimistic(textMessage("c1", "a", at(1)))
	s.InsertOptimistic(textMessage("c1", "b", at(1)))
	s.InsertOptimistic(textMessage("c1", "early", at(0)))
	s.InsertOptimistic(textMessage("c1", "c", at(1)))

	require.Equal(t, []string{"early", "a", "b", "c"}, s.Order("c1"))
}

func TestReconcileRetiresTempKey(t *testing.T) {
	s := newTestStore()
	s.InsertOptimistic(textMessage("c1", "before", at(0)))
	s.InsertOptimistic(textMessage("c1", "tmp", at(5)))
	s.InsertOptimistic(textMessage("c1", "after", at(9)))
	s.Update("c1", "tmp", func(m *models.Message) { m.PlainText = "hello" })

	lengthBefore := len(s.Order("c1"))

	ok := s.Reconcile("c1", "tmp", &models.Message{
		ID:             "S1",
		ConversationID: "c1",
		SenderID:       "me",
		Payload:        "payload-tmp",
		CreatedAt:      at(5),
	})
	require.True(t, ok)

	_, found := s.Get("c1", "tmp")
	require.False(t, found)

	confirmed, found := s.Get("c1", "S1")
	require.True(t, found)
	require.Equal(t, models.StatusSent, confirmed.Status)
	require.Empty(t, confirmed.ClientTempID)
	require.Equal(t, "hello", confirmed.PlainText)

	order := s.Order("c1")
	require.Len(t, order, lengthBefore)
	require.Equal(t, []string{"before", "S1", "after"}, order)
}

func TestReconcileResortsByServerTimestamp(t *testing.T) {
	s := newTestStore()
	s.InsertOptimistic(textMessage("c1", "tmp", at(10)))
	s.InsertOptimistic(textMessage("c1", "other", at(5)))

	s.Reconcile("c1", "tmp", &models.Message{ID: "S1", SenderID: "me", Payload: "p", CreatedAt: at(1)})

	require.Equal(t, []string{"S1", "other"}, s.Order("c1"))
}

func TestReconcileFailedWithoutServerIDKeepsFailure(t *testing.T) {
	s := newTestStore()
	s.InsertOptimistic(textMessage("c1", "tmp", at(1)))
	s.Update("c1", "tmp", func(m *models.Message) {
		m.Status = models.StatusFailed
		m.PlainText = "cached"
	})

	ok := s.Reconcile("c1", "tmp", &models.Message{
		ConversationID: "c1",
		SenderID:       "me",
		Payload:        "new-payload",
		Status:         models.StatusSent,
	})
	require.True(t, ok)

	got, found := s.Get("c1", "tmp")
	require.True(t, found)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, "cached", got.PlainText)
	require.Equal(t, "new-payload", got.Payload)
	require.Equal(t, at(1), got.CreatedAt)
	require.Equal(t, []string{"tmp"}, s.Order("c1"))
}

func TestReconcileFailedMergesOnlySetFields(t *testing.T) {
	s := newTestStore()
	message := textMessage("c1", "tmp", at(1))
	message.SetMethod(models.MethodLegacySymmetric)
	s.InsertOptimistic(message)
	s.Update("c1", "tmp", func(m *models.Message) {
		m.Status = models.StatusFailed
		m.PlainText = "hello"
		m.Reactions = map[string]models.Reaction{"u1": {Emoji: "👍", Username: "A"}}
	})
	before, _ := s.Get("c1", "tmp")

	ok := s.Reconcile("c1", "tmp", &models.Message{Media: "m.png"})
	require.True(t, ok)

	got, found := s.Get("c1", "tmp")
	require.True(t, found)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, "hello", got.PlainText)
	require.Equal(t, before.Payload, got.Payload)
	require.NotEmpty(t, got.Payload)
	require.Equal(t, "m.png", got.Media)
	require.Equal(t, "me", got.SenderID)
	require.Contains(t, got.Reactions, "u1")
	require.NotNil(t, got.Method)
	require.Equal(t, models.MethodLegacySymmetric, *got.Method)
}

func TestReconcileDropsInvalidMessage(t *testing.T) {
	s := newTestStore()
	s.InsertOptimistic(textMessage("c1", "tmp", at(1)))

	ok := s.Reconcile("c1", "tmp", &models.Message{ID: "S1", SenderID: "me", CreatedAt: at(1)})
	require.False(t, ok)

	_, found := s.Get("c1", "S1")
	require.False(t, found)
	_, found = s.Get("c1", "tmp")
	require.False(t, found)
	require.Empty(t, s.Order("c1"))
}

func TestReconcileAcceptsAttachmentOnlyMessage(t *testing.T) {
	s := newTestStore()
	s.InsertOptimistic(&models.Message{ClientTempID: "tmp", ConversationID: "c1", Image: "img://1", CreatedAt: at(1)})

	ok := s.Reconcile("c1", "tmp", &models.Message{ID: "S1", SenderID: "me", Image: "img://1", CreatedAt: at(1)})
	require.True(t, ok)
	require.Equal(t, []string{"S1"}, s.Order("c1"))
}

func TestReconcileHonorsDeletionList(t *testing.T) {
	s := New(Options{UserID: "me", Deletions: deletionSet{"c1/S1/me": true}})
	s.InsertOptimistic(textMessage("c1", "tmp", at(1)))

	require.False(t, s.Reconcile("c1", "tmp", &models.Message{ID: "S1", SenderID: "me", Payload: "x", CreatedAt: at(1)}))
	require.False(t, s.Receive(&models.Message{ID: "S2", ConversationID: "c1", Payload: "x", DeletedFor: []string{"me"}}))
	require.Empty(t, s.Order("c1"))
}

func TestReconcileCollapsesEarlierDelivery(t *testing.T) {
	s := newTestStore()
	s.InsertOptimistic(textMessage("c1", "tmp", at(1)))
	require.True(t, s.Receive(&models.Message{ID: "S1", ConversationID: "c1", SenderID: "me", Payload: "p", CreatedAt: at(1)}))

	require.True(t, s.Reconcile("c1", "tmp", &models.Message{ID: "S1", SenderID: "me", Payload: "p", CreatedAt: at(1)}))
	require.Equal(t, []string{"S1"}, s.Order("c1"))
}

func TestReceiveIgnoresDuplicates(t *testing.T) {
	s := newTestStore()
	msg := &models.Message{ID: "S1", ConversationID: "c1", SenderID: "u2", Payload: "hi", CreatedAt: at(1)}

	require.True(t, s.Receive(msg))
	require.False(t, s.Receive(msg))
	require.Equal(t, []string{"S1"}, s.Order("c1"))

	got, _ := s.Get("c1", "S1")
	require.Equal(t, models.StatusSent, got.Status)
}

func TestMergeReactionDropsMalformedEntries(t *testing.T) {
	s := newTestStore()
	s.Receive(&models.Message{ID: "S1", ConversationID: "c1", Payload: "hi", CreatedAt: at(1)})

	accepted, ok := s.MergeReaction("c1", "S1", map[string]models.Reaction{
		"u1": {Emoji: "👍", Username: "A"},
		"u2": {Emoji: "", Username: "B"},
	})
	require.True(t, ok)
	require.Equal(t, 1, accepted)

	got, _ := s.Get("c1", "S1")
	require.Equal(t, map[string]models.Reaction{"u1": {Emoji: "👍", Username: "A"}}, got.Reactions)
}

func TestMergeReactionValidation(t *testing.T) {
	s := newTestStore()
	s.Receive(&models.Message{ID: "S1", ConversationID: "c1", Payload: "hi", CreatedAt: at(1)})

	accepted, ok := s.MergeReaction("c1", "S1", map[string]models.Reaction{
		"named":     {Emoji: "thumbs_up", Username: "A"},
		"no-name":   {Emoji: "😀", Username: " "},
		"two":       {Emoji: "😀😀", Username: "C"},
		"mixed":     {Emoji: "ok😀", Username: "D"},
		"single":    {Emoji: "😀", Username: "E"},
		"heart":     {Emoji: "\u2764\ufe0f", Username: "F"},
		"skin-tone": {Emoji: "👍🏽", Username: "G"},
		"blank-all": {},
	})
	require.True(t, ok)
	require.Equal(t, 4, accepted)

	got, _ := s.Get("c1", "S1")
	require.Contains(t, got.Reactions, "named")
	require.Contains(t, got.Reactions, "single")
	require.Contains(t, got.Reactions, "heart")
	require.Contains(t, got.Reactions, "skin-tone")

	_, ok = s.MergeReaction("c1", "missing", nil)
	require.False(t, ok)
	_, ok = s.MergeReaction("nope", "S1", nil)
	require.False(t, ok)
}

func TestSweepExpired(t *testing.T) {
	s := newTestStore()
	now := at(100)
	past := at(50)
	exact := now
	future := at(200)

	for i, conversationID := range []string{"c1", "c2", "c3"} {
		base := i * 10
		s.Receive(&models.Message{ID: conversationID + "-past", ConversationID: conversationID, Payload: "x", CreatedAt: at(base + 1), ScheduledDeletionTime: &past})
		s.Receive(&models.Message{ID: conversationID + "-exact", ConversationID: conversationID, Payload: "x", CreatedAt: at(base + 2), ScheduledDeletionTime: &exact})
		s.Receive(&models.Message{ID: conversationID + "-future", ConversationID: conversationID, Payload: "x", CreatedAt: at(base + 3), ScheduledDeletionTime: &future})
		s.Receive(&models.Message{ID: conversationID + "-keep", ConversationID: conversationID, Payload: "x", CreatedAt: at(base + 4)})
	}

	removed := s.SweepExpired(now)
	require.Len(t, removed, 6)
	require.Contains(t, removed, MessageRef{ConversationID: "c2", Key: "c2-exact"})

	for _, conversationID := range []string{"c1", "c2", "c3"} {
		require.Equal(t, []string{conversationID + "-future", conversationID + "-keep"}, s.Order(conversationID))
	}

	require.Empty(t, s.SweepExpired(now))
}

func TestConcurrentMutationsKeepOrder(t *testing.T) {
	s := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conversationID := fmt.Sprintf("c%d", i%3)
			tempID := fmt.Sprintf("t%d", i)
			s.InsertOptimistic(textMessage(conversationID, tempID, at(50-i)))
			if i%2 == 0 {
				s.Reconcile(conversationID, tempID, &models.Message{
					ID:        fmt.Sprintf("S%d", i),
					SenderID:  "me",
					Payload:   "p",
					CreatedAt: at(50 - i),
				})
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, conversationID := range s.Conversations() {
		messages := s.Messages(conversationID)
		total += len(messages)
		for i := 1; i < len(messages); i++ {
			require.False(t, messages[i].CreatedAt.Before(messages[i-1].CreatedAt))
		}
	}
	require.Equal(t, 50, total)
}

func TestClear(t *testing.T) {
	s := newTestStore()
	s.InsertOptimistic(textMessage("c1", "t1", at(1)))
	s.Clear()

	require.Empty(t, s.Conversations())
	require.Nil(t, s.Messages("c1"))
	require.False(t, s.Remove("c1", "t1"))
}
