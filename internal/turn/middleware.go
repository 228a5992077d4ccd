package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Handler processes one admitted turn.
type Handler func(ctx context.Context, tc *TurnContext) error

// Middleware wraps a Handler with a cross-cutting concern. Middlewares
// compose around any handler without it knowing.
type Middleware func(next Handler) Handler

// Chain applies middlewares to h, first middleware outermost.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Use appends middlewares applied to every handler passed to Run.
func (c *Controller) Use(middlewares ...Middleware) {
	c.middlewares = append(c.middlewares, middlewares...)
}

// Run executes h for an admitted turn. The conversation lock is released on
// every exit path, including panics, which are converted to errors so the
// worker survives a bad turn.
func (c *Controller) Run(ctx context.Context, tc *TurnContext, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn %s panicked: %v", tc.TurnID, r)
			slog.Error("Controller.Run: recovered from panic", "turn", tc.TurnID, "panic", r)
		}
		c.Release(tc)
	}()
	return Chain(h, c.middlewares...)(ctx, tc)
}

// LoggingMiddleware logs turn start, outcome, and duration.
func LoggingMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, tc *TurnContext) error {
			start := time.Now()
			slog.Info("turn started",
				"conversation", tc.ConversationKey,
				"turn", tc.TurnID,
				"messages", len(tc.MessageIDs))
			err := next(ctx, tc)
			if err != nil {
				slog.Error("turn failed",
					"conversation", tc.ConversationKey,
					"turn", tc.TurnID,
					"duration", time.Since(start),
					"error", err)
				return err
			}
			slog.Info("turn finished",
				"conversation", tc.ConversationKey,
				"turn", tc.TurnID,
				"duration", time.Since(start))
			return nil
		}
	}
}
