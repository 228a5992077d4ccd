// Package store provides the OutboxRepo interface and model for restart-safe outgoing sends.
package store

import (
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox entry.
type OutboxStatus string

const (
	OutboxStatusQueued    OutboxStatus = "queued"
	OutboxStatusSending   OutboxStatus = "sending"
	OutboxStatusSent      OutboxStatus = "sent"
	OutboxStatusFailed    OutboxStatus = "failed"
	OutboxStatusDiscarded OutboxStatus = "discarded"
)

// OutboxEntry represents one durable planned-but-undelivered outbound message.
// (ConversationID, IdempotencyKey) is unique: two entries for the same pair can
// never both reach sent.
type OutboxEntry struct {
	ID                 string       `json:"id"`
	ConversationID     string       `json:"conversation_id"`
	IdempotencyKey     string       `json:"idempotency_key"`
	TurnID             string       `json:"turn_id"`
	ItemIndex          int          `json:"item_index"`
	Body               string       `json:"body"`
	Channel            string       `json:"channel"`
	Recipient          string       `json:"recipient"`
	Status             OutboxStatus `json:"status"`
	Attempts           int          `json:"attempts"`
	ProviderDeliveryID string       `json:"provider_delivery_id,omitempty"`
	FailureReason      string       `json:"failure_reason,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	SentAt             *time.Time   `json:"sent_at,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable outbox persistence.
type OutboxRepo interface {
	// EnqueueOutboxEntry inserts a new entry in queued state. If an entry with
	// the same (conversation_id, idempotency_key) exists, returns the existing
	// ID without inserting (idempotent re-planning).
	EnqueueOutboxEntry(e OutboxEntry) (string, error)

	// ListQueuedEntries returns up to limit queued entries for a conversation
	// ordered by item_index.
	ListQueuedEntries(conversationID string, limit int) ([]OutboxEntry, error)

	// WasEntrySent reports whether an entry with the given idempotency key has
	// already been marked sent for the conversation.
	WasEntrySent(conversationID, idempotencyKey string) (bool, error)

	// MarkEntrySending claims a queued entry for sending before the provider
	// call, recording the attempt. The transition only happens while the
	// entry is still queued; claimed reports whether this caller won it, so
	// concurrent drains can never both deliver the same entry.
	MarkEntrySending(id string) (claimed bool, err error)

	// MarkEntrySent marks an entry as successfully delivered.
	MarkEntrySent(id, providerDeliveryID string) error

	// MarkEntryFailed marks an entry as terminally failed with a reason.
	MarkEntryFailed(id, reason string) error

	// DiscardQueuedBeforeTurn marks queued entries of older turns as discarded
	// (superseded by currentTurnID). Returns the number discarded.
	DiscardQueuedBeforeTurn(conversationID, currentTurnID string) (int, error)

	// RequeueStaleSending resets entries stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSending(staleBefore time.Time) (int, error)

	// ListConversationsWithQueued returns up to limit conversation IDs that
	// have at least one queued entry.
	ListConversationsWithQueued(limit int) ([]string, error)

	// GetOutboxEntries returns all entries for a conversation ordered by
	// creation time then item_index (for inspection).
	GetOutboxEntries(conversationID string) ([]OutboxEntry, error)

	// PurgeSettledBefore deletes sent, failed, and discarded entries last
	// updated before cutoff. Queued and sending entries are never purged.
	PurgeSettledBefore(cutoff time.Time) (int, error)
}
