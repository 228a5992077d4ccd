package delivery

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically recovers stuck entries and drains conversations with
// queued backlog, so messages left behind by a crashed or lock-expired turn
// still go out.
type Sweeper struct {
	worker         *Worker
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewSweeper creates a Sweeper around the delivery worker.
func NewSweeper(worker *Worker, pollInterval time.Duration) *Sweeper {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Sweeper{
		worker:         worker,
		pollInterval:   pollInterval,
		staleThreshold: time.Minute,
		claimLimit:     10,
	}
}

// RecoverStaleEntries requeues entries stuck in sending state (crash
// recovery). Should be called once at startup before serving traffic.
func (s *Sweeper) RecoverStaleEntries() error {
	n, err := s.worker.store.RequeueStaleSending(time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Sweeper.RecoverStaleEntries: requeued stale entries", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("Sweeper.Run: starting outbox sweeper", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweeper.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Sweeper) poll(ctx context.Context) {
	staleBefore := time.Now().Add(-s.staleThreshold)
	if n, err := s.worker.store.RequeueStaleSending(staleBefore); err != nil {
		slog.Error("Sweeper.poll: stale requeue failed", "error", err)
	} else if n > 0 {
		slog.Info("Sweeper.poll: requeued stale entries", "count", n)
	}

	conversations, err := s.worker.store.ListConversationsWithQueued(s.claimLimit)
	if err != nil {
		slog.Error("Sweeper.poll: backlog scan failed", "error", err)
		return
	}

	for _, conversationID := range conversations {
		results, err := s.worker.Drain(ctx, conversationID)
		if err != nil {
			slog.Error("Sweeper.poll: drain failed", "conversation", conversationID, "error", err)
			continue
		}
		if results.Sent > 0 || results.Failed > 0 {
			slog.Info("Sweeper.poll: drained backlog",
				"conversation", conversationID,
				"sent", results.Sent,
				"failed", results.Failed,
				"skipped", results.Skipped)
		}
	}
}
