package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/util"
)

// InMemoryStore is a Store implementation backed by maps, used in tests and
// single-process setups without a database.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	entries       map[string]*OutboxEntry          // by entry ID
	byKey         map[string]map[string]string     // conversationID -> idempotencyKey -> entry ID
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		entries:       make(map[string]*OutboxEntry),
		byKey:         make(map[string]map[string]string),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetConversation(key string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[key]
	if !ok {
		return nil, nil
	}
	copied := c
	if c.CollectedSlots != nil {
		copied.CollectedSlots = make(map[string]string, len(c.CollectedSlots))
		for k, v := range c.CollectedSlots {
			copied.CollectedSlots[k] = v
		}
	}
	return &copied, nil
}

func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.conversations[c.Key] = c
	return nil
}

func (s *InMemoryStore) EnqueueOutboxEntry(e OutboxEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.byKey[e.ConversationID]
	if !ok {
		keys = make(map[string]string)
		s.byKey[e.ConversationID] = keys
	}
	if existingID, ok := keys[e.IdempotencyKey]; ok {
		return existingID, nil
	}

	now := time.Now()
	e.ID = util.GenerateOutboxID()
	e.Status = OutboxStatusQueued
	e.Attempts = 0
	e.CreatedAt = now
	e.UpdatedAt = now
	s.entries[e.ID] = &e
	keys[e.IdempotencyKey] = e.ID
	return e.ID, nil
}

func (s *InMemoryStore) ListQueuedEntries(conversationID string, limit int) ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queued []OutboxEntry
	for _, e := range s.entries {
		if e.ConversationID == conversationID && e.Status == OutboxStatusQueued {
			queued = append(queued, *e)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].ItemIndex < queued[j].ItemIndex })
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	return queued, nil
}

func (s *InMemoryStore) WasEntrySent(conversationID, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[conversationID][idempotencyKey]
	if !ok {
		return false, nil
	}
	return s.entries[id].Status == OutboxStatusSent, nil
}

func (s *InMemoryStore) MarkEntrySending(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, fmt.Errorf("outbox entry %s not found", id)
	}
	if e.Status != OutboxStatusQueued {
		return false, nil
	}
	e.Status = OutboxStatusSending
	e.Attempts++
	e.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) MarkEntrySent(id, providerDeliveryID string) error {
	return s.update(id, func(e *OutboxEntry) {
		now := time.Now()
		e.Status = OutboxStatusSent
		e.ProviderDeliveryID = providerDeliveryID
		e.SentAt = &now
	})
}

func (s *InMemoryStore) MarkEntryFailed(id, reason string) error {
	return s.update(id, func(e *OutboxEntry) {
		e.Status = OutboxStatusFailed
		e.FailureReason = reason
	})
}

func (s *InMemoryStore) DiscardQueuedBeforeTurn(conversationID, currentTurnID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.ConversationID == conversationID && e.Status == OutboxStatusQueued && e.TurnID != currentTurnID {
			e.Status = OutboxStatusDiscarded
			e.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Status == OutboxStatusSending && e.UpdatedAt.Before(staleBefore) {
			e.Status = OutboxStatusQueued
			e.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListConversationsWithQueued(limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, e := range s.entries {
		if e.Status == OutboxStatusQueued && !seen[e.ConversationID] {
			seen[e.ConversationID] = true
			ids = append(ids, e.ConversationID)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

func (s *InMemoryStore) PurgeSettledBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		settled := e.Status == OutboxStatusSent || e.Status == OutboxStatusFailed || e.Status == OutboxStatusDiscarded
		if settled && e.UpdatedAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetOutboxEntries(conversationID string) ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []OutboxEntry
	for _, e := range s.entries {
		if e.ConversationID == conversationID {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ItemIndex < entries[j].ItemIndex
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *InMemoryStore) update(id string, fn func(*OutboxEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("outbox entry %s not found", id)
	}
	fn(e)
	e.UpdatedAt = time.Now()
	return nil
}
