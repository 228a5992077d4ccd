package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

func (s *PostgresStore) GetConversation(key string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE key = $1`, key,
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetConversation: not found", "key", key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s failed: %w", key, err)
	}
	return c, nil
}

func (s *PostgresStore) SaveConversation(c models.Conversation) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (key) DO UPDATE SET
		   stage = EXCLUDED.stage,
		   step = EXCLUDED.step,
		   slots_json = EXCLUDED.slots_json,
		   turn_counter = EXCLUDED.turn_counter,
		   status = EXCLUDED.status,
		   last_activity_at = EXCLUDED.last_activity_at,
		   updated_at = EXCLUDED.updated_at`,
		c.Key, c.Stage, c.Step, nilIfEmpty(slotsJSON), c.TurnCounter, c.Status,
		c.LastActivityAt, c.CreatedAt, now,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveConversation failed", "error", err, "key", c.Key)
		return fmt.Errorf("save conversation %s failed: %w", c.Key, err)
	}
	slog.Debug("PostgresStore.SaveConversation", "key", c.Key, "stage", c.Stage, "step", c.Step)
	return nil
}
