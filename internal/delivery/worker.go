// Package delivery drains the outbox and talks to the channel provider. It is
// the only component that mutates conversation state, and only after a
// successful send with the turn lock still owned.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/cache"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/messaging"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/store"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/turn"
)

// Provider is the outbound side of the channel provider.
type Provider interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Config tunes the delivery worker. Zero values fall back to the defaults.
type Config struct {
	// BatchLimit caps how many entries one drain processes, bounding
	// worst-case turn latency under a backlog.
	BatchLimit int

	// RetryBackoff is the fixed wait before the single retry of a transient
	// provider failure.
	RetryBackoff time.Duration

	// SendTimeout bounds each provider call. It must stay below the turn lock
	// TTL so a stalled provider cannot outlive the lock.
	SendTimeout time.Duration

	// FallbackTTL bounds how long degraded-mode entries live in the cache
	// while the durable store is unavailable.
	FallbackTTL time.Duration
}

// DefaultConfig returns the production delivery settings.
func DefaultConfig() Config {
	return Config{
		BatchLimit:   10,
		RetryBackoff: 300 * time.Millisecond,
		SendTimeout:  3 * time.Second,
		FallbackTTL:  time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchLimit <= 0 {
		c.BatchLimit = d.BatchLimit
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.FallbackTTL <= 0 {
		c.FallbackTTL = d.FallbackTTL
	}
	return c
}

// Results summarizes one drain.
type Results struct {
	Sent    int
	Failed  int
	Skipped int
}

// Worker drains queued outbox entries and applies post-send state transitions.
type Worker struct {
	store      store.Store
	cache      *cache.Cache
	provider   Provider
	controller *turn.Controller
	cfg        Config

	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a delivery Worker.
func NewWorker(st store.Store, c *cache.Cache, provider Provider, controller *turn.Controller, cfg Config) *Worker {
	return &Worker{
		store:      st,
		cache:      c,
		provider:   provider,
		controller: controller,
		cfg:        cfg.withDefaults(),
		sleep:      sleepCtx,
	}
}

// EnqueueTurn discards queued entries of older turns and writes the new plan
// to the outbox. If the durable store is unavailable, entries fall back to
// the TTL cache so the turn is not lost; the next drain migrates them back.
func (w *Worker) EnqueueTurn(ctx context.Context, conversationID, turnID string, entries []store.OutboxEntry) error {
	if discarded, err := w.store.DiscardQueuedBeforeTurn(conversationID, turnID); err != nil {
		slog.Warn("Worker.EnqueueTurn: discard of superseded entries failed", "conversation", conversationID, "error", err)
	} else if discarded > 0 {
		slog.Info("Worker.EnqueueTurn: discarded superseded entries", "conversation", conversationID, "count", discarded)
	}

	var firstErr error
	for _, e := range entries {
		if _, err := w.store.EnqueueOutboxEntry(e); err != nil {
			slog.Error("Worker.EnqueueTurn: durable enqueue failed, falling back to cache",
				"conversation", conversationID, "entry", e.ID, "error", err)
			w.stashFallback(e)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("enqueue turn %s degraded to cache: %w", turnID, firstErr)
	}
	return nil
}

// Drain sends up to BatchLimit queued entries for the conversation in
// item_index order. Failed entries get exactly one retry when the error is
// transient. Returns per-entry results; the first hard failure does not stop
// later entries from being reported, but does stop sending to preserve order.
func (w *Worker) Drain(ctx context.Context, conversationID string) (Results, error) {
	w.migrateFallback(conversationID)

	var results Results
	entries, err := w.store.ListQueuedEntries(conversationID, w.cfg.BatchLimit)
	if err != nil {
		return results, fmt.Errorf("list queued entries for %s: %w", conversationID, err)
	}

	for _, e := range entries {
		sent, err := w.store.WasEntrySent(e.ConversationID, e.IdempotencyKey)
		if err != nil {
			return results, fmt.Errorf("idempotency check for %s: %w", e.ID, err)
		}
		if sent {
			// A concurrent drain already delivered this key.
			slog.Info("Worker.Drain: skipping already-sent entry", "conversation", conversationID, "entry", e.ID)
			results.Skipped++
			continue
		}

		claimed, err := w.store.MarkEntrySending(e.ID)
		if err != nil {
			return results, fmt.Errorf("claim entry %s: %w", e.ID, err)
		}
		if !claimed {
			// A concurrent drain (the sweeper racing an in-turn drain) won
			// the queued→sending transition; the entry is theirs now.
			slog.Info("Worker.Drain: entry claimed elsewhere", "conversation", conversationID, "entry", e.ID)
			results.Skipped++
			continue
		}

		if err := w.deliverEntry(ctx, e); err != nil {
			results.Failed++
			// Stop here: sending later entries would break item_index order
			// for this turn. They stay queued for the next drain.
			slog.Error("Worker.Drain: entry failed, stopping batch",
				"conversation", conversationID, "entry", e.ID, "error", err)
			return results, nil
		}
		results.Sent++
	}
	return results, nil
}

// deliverEntry performs the provider call and the single bounded retry for
// transient failures. The caller must have claimed the entry already.
func (w *Worker) deliverEntry(ctx context.Context, e store.OutboxEntry) error {
	providerID, err := w.send(ctx, e)
	if err != nil && !messaging.IsPermanent(err) {
		slog.Warn("Worker.deliverEntry: transient failure, retrying once",
			"entry", e.ID, "backoff", w.cfg.RetryBackoff, "error", err)
		if serr := w.sleep(ctx, w.cfg.RetryBackoff); serr != nil {
			err = serr
		} else {
			providerID, err = w.send(ctx, e)
		}
	}
	if err != nil {
		if merr := w.store.MarkEntryFailed(e.ID, err.Error()); merr != nil {
			slog.Error("Worker.deliverEntry: failed to mark entry failed", "entry", e.ID, "error", merr)
		}
		return err
	}

	if err := w.store.MarkEntrySent(e.ID, providerID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	slog.Info("Worker.deliverEntry: delivered", "entry", e.ID, "provider_id", providerID)
	return nil
}

func (w *Worker) send(ctx context.Context, e store.OutboxEntry) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()
	return w.provider.SendMessage(ctx, e.Recipient, e.Body)
}

// DeliverTurn drains the conversation's outbox for an admitted turn and, when
// every planned message went out, applies the conversation-state transition.
// The stage advances only for a proceed decision; fallback and enhance leave
// the conversation where it is. Stale workers (lock lost or a newer turn
// started) never mutate state.
func (w *Worker) DeliverTurn(ctx context.Context, tc *turn.TurnContext, conv *models.Conversation, decision models.RoutingDecision) (Results, error) {
	results, err := w.Drain(ctx, tc.ConversationKey)
	if err != nil {
		return results, err
	}
	if results.Sent == 0 && results.Failed == 0 && results.Skipped == 0 {
		return results, nil
	}
	if results.Failed > 0 {
		// The reply did not fully go out; leave state untouched so the next
		// turn re-evaluates from the same stage.
		return results, nil
	}

	if !w.controller.OwnsLock(tc) {
		slog.Warn("Worker.DeliverTurn: lock lost, discarding state mutation",
			"conversation", tc.ConversationKey, "turn", tc.TurnID)
		return results, nil
	}

	now := time.Now()
	if decision.Action == models.ActionProceed && decision.TargetStage != "" && decision.TargetStage != conv.Stage {
		slog.Info("Worker.DeliverTurn: stage transition",
			"conversation", conv.Key, "from", conv.Stage, "to", decision.TargetStage)
		conv.Stage = decision.TargetStage
		conv.Step = models.DefaultStep(decision.TargetStage)
		if decision.TargetStage == models.StageCompleted {
			conv.Status = models.ConversationStatusCompleted
		}
	} else if decision.Action != models.ActionProceed {
		slog.Debug("Worker.DeliverTurn: no stage transition",
			"conversation", conv.Key, "action", decision.Action)
	}
	conv.TurnCounter++
	conv.LastActivityAt = now
	conv.UpdatedAt = now

	if err := w.store.SaveConversation(*conv); err != nil {
		return results, fmt.Errorf("save conversation %s: %w", conv.Key, err)
	}
	return results, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
