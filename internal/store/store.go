// Package store provides durable storage backends for conversation records and
// the outbox, with SQLite and PostgreSQL implementations behind repo interfaces.
package store

import (
	"strings"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite"
// otherwise (file paths are treated as SQLite databases).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// ConversationRepo defines durable persistence for conversation records.
type ConversationRepo interface {
	// GetConversation returns the conversation for key, or nil if none exists.
	GetConversation(key string) (*models.Conversation, error)

	// SaveConversation inserts or updates a conversation record.
	SaveConversation(c models.Conversation) error
}

// Store is the combined durable storage surface used by the pipeline.
type Store interface {
	ConversationRepo
	OutboxRepo

	// Close releases the underlying database handle.
	Close() error
}
