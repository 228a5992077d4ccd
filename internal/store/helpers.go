package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation scans a conversation record from a row.
func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var slotsJSON sql.NullString
	var lastActivity sql.NullTime
	err := row.Scan(
		&c.Key, &c.Stage, &c.Step, &slotsJSON, &c.TurnCounter, &c.Status,
		&lastActivity, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if slotsJSON.Valid && slotsJSON.String != "" {
		if err := json.Unmarshal([]byte(slotsJSON.String), &c.CollectedSlots); err != nil {
			return nil, fmt.Errorf("decode slots for %s failed: %w", c.Key, err)
		}
	}
	if lastActivity.Valid {
		c.LastActivityAt = lastActivity.Time
	}
	return &c, nil
}

// encodeSlots serializes the collected slots map for storage.
func encodeSlots(slots map[string]string) (string, error) {
	if len(slots) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(slots)
	if err != nil {
		return "", fmt.Errorf("encode slots failed: %w", err)
	}
	return string(raw), nil
}

// scanOutboxEntry scans an OutboxEntry from a row.
func scanOutboxEntry(row rowScanner) (OutboxEntry, error) {
	var e OutboxEntry
	var channel, recipient, providerID, failureReason sql.NullString
	var sentAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.ConversationID, &e.IdempotencyKey, &e.TurnID, &e.ItemIndex,
		&e.Body, &channel, &recipient, &e.Status, &e.Attempts,
		&providerID, &failureReason, &e.CreatedAt, &sentAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("scan outbox entry failed: %w", err)
	}
	e.Channel = channel.String
	e.Recipient = recipient.String
	e.ProviderDeliveryID = providerID.String
	e.FailureReason = failureReason.String
	if sentAt.Valid {
		t := sentAt.Time
		e.SentAt = &t
	}
	return e, nil
}
