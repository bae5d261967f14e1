// Package timeline keeps the local, ordered view of each conversation. It
// reconciles optimistic sends with server confirmations, merges reaction
// updates, and sweeps expired messages.
//
// All mutations of one conversation are serialized; different
// conversations proceed in parallel.
package timeline

import (
	"sort"
	"sync"
	"time"

	"chatseal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options configures a Store.
type Options struct {
	// UserID is the current user, used for deletion-list checks.
	UserID    string
	Deletions DeletionList
	Logger    *zerolog.Logger
	NewTempID func() string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.NewTempID == nil {
		o.NewTempID = uuid.NewString
	}
	return o
}

// MessageRef addresses one message in one conversation.
type MessageRef struct {
	ConversationID string
	Key            string
}

// Store holds one message map and order index per conversation.
type Store struct {
	opts Options
	log  zerolog.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
}

type conversation struct {
	mu       sync.Mutex
	messages map[string]*models.Message
	order    []string
}

// New returns an empty store.
func New(opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{
		opts:          opts,
		log:           opts.Logger.With().Str("component", "timeline").Logger(),
		conversations: make(map[string]*conversation),
	}
}

func (s *Store) conversation(conversationID string, create bool) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok && create {
		c = &conversation{messages: make(map[string]*models.Message)}
		s.conversations[conversationID] = c
	}
	return c
}

func (s *Store) snapshot() map[string]*conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*conversation, len(s.conversations))
	for id, c := range s.conversations {
		out[id] = c
	}
	return out
}

// InsertOptimistic adds a locally originated message before the server has
// confirmed it. A message without any key gets a fresh client temp id. A
// key that is already present leaves the store untouched. It returns the
// message key and whether the message was inserted.
func (s *Store) InsertOptimistic(message *models.Message) (string, bool) {
	if message == nil || message.ConversationID == "" {
		s.log.Warn().Msg("Dropping optimistic message without conversation")
		return "", false
	}

	entry := message.Clone()
	if entry.Key() == "" {
		entry.ClientTempID = s.opts.NewTempID()
	}
	if entry.Status == "" {
		entry.Status = models.StatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	c := s.conversation(entry.ConversationID, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	key := entry.Key()
	if _, exists := c.messages[key]; exists {
		return key, false
	}
	c.insert(key, entry)
	return key, true
}

// Receive adds a message delivered by the server. Duplicate deliveries are
// ignored and malformed messages are dropped.
func (s *Store) Receive(message *models.Message) bool {
	if message == nil {
		return false
	}
	entry := message.Clone()
	if entry.Status == "" || entry.Status == models.StatusPending {
		entry.Status = models.StatusSent
	}
	if err := s.validateMessage(entry); err != nil {
		s.log.Debug().Err(err).Str("conversation_id", entry.ConversationID).Msg("Dropping received message")
		return false
	}

	c := s.conversation(entry.ConversationID, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	key := entry.Key()
	if _, exists := c.messages[key]; exists {
		return false
	}
	c.insert(key, entry)
	return true
}

// Reconcile applies the server's answer for the message addressed by key.
//
// A failed entry answered without a server id keeps its failed status and
// cached plaintext; only the fields confirmed actually sets are merged into
// it. Otherwise
// the old entry is retired and confirmed is validated and installed under
// its own key, so exactly one key exists for the logical message.
// It reports whether confirmed ended up in the store.
func (s *Store) Reconcile(conversationID, key string, confirmed *models.Message) bool {
	if confirmed == nil || conversationID == "" {
		return false
	}

	incoming := confirmed.Clone()
	if incoming.ConversationID == "" {
		incoming.ConversationID = conversationID
	}

	c := s.conversation(conversationID, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.messages[key]
	if ok && existing.Status == models.StatusFailed && incoming.ID == "" {
		merged := mergeFields(existing.Clone(), incoming)
		merged.Status = models.StatusFailed
		merged.PlainText = existing.PlainText
		c.remove(key)
		c.insert(key, merged)
		return true
	}

	if ok {
		c.remove(key)
	}

	if incoming.ID != "" {
		incoming.ClientTempID = ""
		if incoming.Status == "" || incoming.Status == models.StatusPending {
			incoming.Status = models.StatusSent
		}
	} else if incoming.ClientTempID == "" {
		incoming.ClientTempID = key
	}
	if ok && incoming.PlainText == "" && incoming.Payload == existing.Payload {
		incoming.PlainText = existing.PlainText
	}
	if incoming.CreatedAt.IsZero() && ok {
		incoming.CreatedAt = existing.CreatedAt
	}

	if err := s.validateMessage(incoming); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Str("key", key).Msg("Dropping reconciled message")
		return false
	}

	newKey := incoming.Key()
	if _, dup := c.messages[newKey]; dup {
		c.remove(newKey)
	}
	c.insert(newKey, incoming)
	return true
}

// mergeFields copies every non-zero field of from onto into. Identity and
// delivery state stay with into.
func mergeFields(into, from *models.Message) *models.Message {
	if from.SenderID != "" {
		into.SenderID = from.SenderID
	}
	if from.Payload != "" {
		into.Payload = from.Payload
	}
	if from.Method != nil {
		into.Method = from.Method
	}
	if from.Media != "" {
		into.Media = from.Media
	}
	if from.Voice != "" {
		into.Voice = from.Voice
	}
	if from.Call != "" {
		into.Call = from.Call
	}
	if from.Image != "" {
		into.Image = from.Image
	}
	if !from.CreatedAt.IsZero() {
		into.CreatedAt = from.CreatedAt
	}
	if from.ScheduledDeletionTime != nil {
		into.ScheduledDeletionTime = from.ScheduledDeletionTime
	}
	if len(from.Reactions) > 0 {
		into.Reactions = from.Reactions
	}
	if len(from.DeletedFor) > 0 {
		into.DeletedFor = from.DeletedFor
	}
	return into
}

// MergeReaction replaces the reactions of a message with the well-formed
// entries of reactions. Malformed entries are dropped one by one. It
// returns the number of accepted entries and whether the message exists.
func (s *Store) MergeReaction(conversationID, messageKey string, reactions map[string]models.Reaction) (int, bool) {
	c := s.conversation(conversationID, false)
	if c == nil {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	message, ok := c.messages[messageKey]
	if !ok {
		return 0, false
	}

	accepted := make(map[string]models.Reaction, len(reactions))
	for userID, reaction := range reactions {
		if err := validateReaction(reaction); err != nil {
			s.log.Debug().Err(err).Str("message_id", messageKey).Str("user_id", userID).Msg("Dropping reaction")
			continue
		}
		accepted[userID] = reaction
	}

	next := message.Clone()
	next.Reactions = accepted
	c.messages[messageKey] = next
	return len(accepted), true
}

// SweepExpired removes every message whose scheduled deletion time is at
// or before now, across all conversations.
func (s *Store) SweepExpired(now time.Time) []MessageRef {
	var (
		mu      sync.Mutex
		removed []MessageRef
		g       errgroup.Group
	)

	for id, c := range s.snapshot() {
		g.Go(func() error {
			keys := c.sweep(now)
			if len(keys) == 0 {
				return nil
			}
			mu.Lock()
			for _, key := range keys {
				removed = append(removed, MessageRef{ConversationID: id, Key: key})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(removed) > 0 {
		s.log.Debug().Int("count", len(removed)).Msg("Swept expired messages")
	}
	return removed
}

// Update applies fn to a copy of the message and stores the result under
// the same key. The key-bearing fields and CreatedAt cannot be changed.
func (s *Store) Update(conversationID, key string, fn func(*models.Message)) bool {
	c := s.conversation(conversationID, false)
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	message, ok := c.messages[key]
	if !ok {
		return false
	}
	next := message.Clone()
	fn(next)
	next.ID = message.ID
	next.ClientTempID = message.ClientTempID
	next.ConversationID = message.ConversationID
	next.CreatedAt = message.CreatedAt
	c.messages[key] = next
	return true
}

// Remove deletes one message.
func (s *Store) Remove(conversationID, key string) bool {
	c := s.conversation(conversationID, false)
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.messages[key]; !ok {
		return false
	}
	c.remove(key)
	return true
}

// Get returns a copy of one message.
func (s *Store) Get(conversationID, key string) (*models.Message, bool) {
	c := s.conversation(conversationID, false)
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	message, ok := c.messages[key]
	if !ok {
		return nil, false
	}
	return message.Clone(), true
}

// Messages returns copies of a conversation's messages in timeline order.
func (s *Store) Messages(conversationID string) []*models.Message {
	c := s.conversation(conversationID, false)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*models.Message, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.messages[key].Clone())
	}
	return out
}

// Order returns the message keys of a conversation in timeline order.
func (s *Store) Order(conversationID string) []string {
	c := s.conversation(conversationID, false)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Conversations returns the ids of conversations with a timeline.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear drops every timeline.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*conversation)
}

// insert places key after every entry created at or before the message,
// which keeps the order index stable by CreatedAt.
func (c *conversation) insert(key string, message *models.Message) {
	at := sort.Search(len(c.order), func(i int) bool {
		return c.messages[c.order[i]].CreatedAt.After(message.CreatedAt)
	})
	c.order = append(c.order, "")
	copy(c.order[at+1:], c.order[at:])
	c.order[at] = key
	c.messages[key] = message
}

func (c *conversation) remove(key string) {
	delete(c.messages, key)
	for i, candidate := range c.order {
		if candidate == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *conversation) sweep(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	kept := c.order[:0]
	for _, key := range c.order {
		if c.messages[key].Expired(now) {
			delete(c.messages, key)
			removed = append(removed, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
	return removed
}
