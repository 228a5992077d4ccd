package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/util"
)

const outboxColumns = `id, conversation_id, idempotency_key, turn_id, item_index, body, channel, recipient, status, attempts, provider_delivery_id, failure_reason, created_at, sent_at, updated_at`

func (s *SQLiteStore) EnqueueOutboxEntry(e OutboxEntry) (string, error) {
	var existingID string
	err := s.db.QueryRow(
		`SELECT id FROM outbox WHERE conversation_id = ? AND idempotency_key = ?`,
		e.ConversationID, e.IdempotencyKey,
	).Scan(&existingID)
	if err == nil {
		slog.Debug("SQLiteStore.EnqueueOutboxEntry: idempotency hit", "conversationID", e.ConversationID, "key", e.IdempotencyKey, "existingID", existingID)
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("outbox idempotency check failed: %w", err)
	}

	id := util.GenerateOutboxID()
	now := time.Now()
	_, err = s.db.Exec(
		`INSERT INTO outbox (id, conversation_id, idempotency_key, turn_id, item_index, body, channel, recipient, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?)`,
		id, e.ConversationID, e.IdempotencyKey, e.TurnID, e.ItemIndex, e.Body,
		nilIfEmpty(e.Channel), nilIfEmpty(e.Recipient), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox entry failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueOutboxEntry", "id", id, "conversationID", e.ConversationID, "itemIndex", e.ItemIndex)
	return id, nil
}

func (s *SQLiteStore) ListQueuedEntries(conversationID string, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE conversation_id = ? AND status = 'queued'
		 ORDER BY item_index ASC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued outbox entries failed: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queued outbox iteration failed: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) WasEntrySent(conversationID, idempotencyKey string) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM outbox WHERE conversation_id = ? AND idempotency_key = ? AND status = 'sent'`,
		conversationID, idempotencyKey,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("was entry sent check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkEntrySending(id string) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		now, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark outbox sending failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) MarkEntrySent(id, providerDeliveryID string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE outbox SET status = 'sent', provider_delivery_id = ?, sent_at = ?, updated_at = ? WHERE id = ?`,
		nilIfEmpty(providerDeliveryID), now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkEntryFailed(id, reason string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE outbox SET status = 'failed', failure_reason = ?, updated_at = ? WHERE id = ?`,
		reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DiscardQueuedBeforeTurn(conversationID, currentTurnID string) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE outbox SET status = 'discarded', updated_at = ?
		 WHERE conversation_id = ? AND status = 'queued' AND turn_id != ?`,
		now, conversationID, currentTurnID,
	)
	if err != nil {
		return 0, fmt.Errorf("discard superseded outbox entries failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.DiscardQueuedBeforeTurn", "conversationID", conversationID, "discarded", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending' AND updated_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox entries failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleSending", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) ListConversationsWithQueued(limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT conversation_id FROM outbox WHERE status = 'queued' LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations with queued entries failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversations with queued iteration failed: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) PurgeSettledBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM outbox WHERE status IN ('sent', 'failed', 'discarded') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge settled outbox entries failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.PurgeSettledBefore", "purged", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetOutboxEntries(conversationID string) ([]OutboxEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE conversation_id = ? ORDER BY created_at ASC, item_index ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("get outbox entries failed: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox entries iteration failed: %w", err)
	}
	return entries, nil
}
