package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

const conversationColumns = `key, stage, step, slots_json, turn_counter, status, last_activity_at, created_at, updated_at`

func (s *SQLiteStore) GetConversation(key string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE key = ?`, key,
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetConversation: not found", "key", key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s failed: %w", key, err)
	}
	return c, nil
}

func (s *SQLiteStore) SaveConversation(c models.Conversation) error {
	slotsJSON, err := encodeSlots(c.CollectedSlots)
	if err != nil {
		return err
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (key, stage, step, slots_json, turn_counter, status, last_activity_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   stage = excluded.stage,
		   step = excluded.step,
		   slots_json = excluded.slots_json,
		   turn_counter = excluded.turn_counter,
		   status = excluded.status,
		   last_activity_at = excluded.last_activity_at,
		   updated_at = excluded.updated_at`,
		c.Key, c.Stage, c.Step, nilIfEmpty(slotsJSON), c.TurnCounter, c.Status,
		c.LastActivityAt, c.CreatedAt, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveConversation failed", "error", err, "key", c.Key)
		return fmt.Errorf("save conversation %s failed: %w", c.Key, err)
	}
	slog.Debug("SQLiteStore.SaveConversation", "key", c.Key, "stage", c.Stage, "step", c.Step)
	return nil
}
