package delivery

import (
	"encoding/json"
	"log/slog"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/store"
)

// fallbackPrefix namespaces degraded-mode outbox entries in the TTL cache.
const fallbackPrefix = "outbox_fallback:"

func fallbackKey(conversationID, entryID string) string {
	return fallbackPrefix + conversationID + ":" + entryID
}

// stashFallback keeps an entry in the cache while the durable store is down.
// The TTL bounds how stale a degraded entry may get before it is dropped.
func (w *Worker) stashFallback(e store.OutboxEntry) {
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Error("Worker.stashFallback: marshal failed", "entry", e.ID, "error", err)
		return
	}
	w.cache.Set(fallbackKey(e.ConversationID, e.ID), string(payload), w.cfg.FallbackTTL)
	slog.Warn("Worker.stashFallback: entry stashed in cache", "conversation", e.ConversationID, "entry", e.ID)
}

// migrateFallback opportunistically moves cached degraded-mode entries back
// into the durable store. Entries that migrate (or already exist durably via
// their idempotency key) are removed from the cache; failures stay for the
// next attempt until the TTL drops them.
func (w *Worker) migrateFallback(conversationID string) {
	keys := w.cache.Keys(fallbackPrefix + conversationID + ":")
	if len(keys) == 0 {
		return
	}

	migrated := 0
	for _, key := range keys {
		payload, ok := w.cache.Get(key)
		if !ok {
			continue
		}
		var e store.OutboxEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			slog.Error("Worker.migrateFallback: corrupt cached entry, dropping", "key", key, "error", err)
			w.cache.Delete(key)
			continue
		}
		if _, err := w.store.EnqueueOutboxEntry(e); err != nil {
			slog.Warn("Worker.migrateFallback: store still unavailable", "entry", e.ID, "error", err)
			continue
		}
		w.cache.Delete(key)
		migrated++
	}
	if migrated > 0 {
		slog.Info("Worker.migrateFallback: migrated degraded entries to durable store",
			"conversation", conversationID, "count", migrated)
	}
}

// FallbackBacklog returns how many degraded-mode entries are cached for the
// conversation. Empty conversationID counts across all conversations.
func (w *Worker) FallbackBacklog(conversationID string) int {
	prefix := fallbackPrefix
	if conversationID != "" {
		prefix += conversationID + ":"
	}
	return len(w.cache.Keys(prefix))
}
