package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/cache"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c := cache.NewWithJanitorInterval(10 * time.Millisecond)
	t.Cleanup(c.Close)
	ctrl := NewController(c, cfg)
	// Tests drive the debounce window explicitly.
	ctrl.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return ctrl
}

func event(conv, msgID, text string) models.InboundEvent {
	return models.InboundEvent{
		ConversationKey: conv,
		MessageID:       msgID,
		Text:            text,
		Channel:         "whatsapp",
		ArrivalTime:     time.Now(),
	}
}

func TestAdmitThenDuplicate(t *testing.T) {
	ctrl := newTestController(t, Config{})

	first, err := ctrl.Admit(context.Background(), event("c1", "m1", "oi"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if first.Status != models.AdmitStatusAdmitted || first.Turn == nil {
		t.Fatalf("expected admitted turn, got %+v", first)
	}
	ctrl.Release(first.Turn)

	dup, err := ctrl.Admit(context.Background(), event("c1", "m1", "oi"))
	if err != nil {
		t.Fatalf("Admit duplicate: %v", err)
	}
	if dup.Status != models.AdmitStatusDuplicate {
		t.Errorf("expected duplicate, got %s", dup.Status)
	}
}

func TestAdmitLockBusy(t *testing.T) {
	ctrl := newTestController(t, Config{})

	first, err := ctrl.Admit(context.Background(), event("c1", "m1", "oi"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if first.Turn == nil {
		t.Fatal("expected active turn")
	}

	// The first turn still holds the lock.
	busy, err := ctrl.Admit(context.Background(), event("c1", "m2", "tudo bem?"))
	if err != nil {
		t.Fatalf("Admit second: %v", err)
	}
	if busy.Status != models.AdmitStatusLockBusy {
		t.Fatalf("expected lock_busy, got %s", busy.Status)
	}

	// After release the buffered text from the busy admit is carried into the
	// next turn.
	ctrl.Release(first.Turn)
	next, err := ctrl.Admit(context.Background(), event("c1", "m3", "está aí?"))
	if err != nil {
		t.Fatalf("Admit third: %v", err)
	}
	if next.Turn == nil {
		t.Fatal("expected admitted turn after release")
	}
	if !strings.Contains(next.Turn.Text, "tudo bem?") || !strings.Contains(next.Turn.Text, "está aí?") {
		t.Errorf("expected leftover buffer in turn text, got %q", next.Turn.Text)
	}
	ctrl.Release(next.Turn)
}

func TestAdmitSingleFlight(t *testing.T) {
	ctrl := newTestController(t, Config{})

	var wg sync.WaitGroup
	results := make([]Admission, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := ctrl.Admit(context.Background(), event("c1", "m"+string(rune('1'+i)), "oi"))
			if err != nil {
				t.Errorf("Admit %d: %v", i, err)
				return
			}
			results[i] = a
		}(i)
	}
	wg.Wait()

	active := 0
	for _, a := range results {
		if a.Turn != nil {
			active++
			ctrl.Release(a.Turn)
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one active processor, got %d", active)
	}
}

func TestAdmitAggregatesRapidMessages(t *testing.T) {
	ctrl := newTestController(t, Config{})
	conv := "c1"

	// Simulate a second message landing inside the first message's window:
	// the owner's sleep callback injects the second admit.
	ctrl.sleep = func(ctx context.Context, d time.Duration) error {
		ctrl.sleep = func(ctx context.Context, d time.Duration) error { return nil }
		a, err := ctrl.Admit(context.Background(), event(conv, "m2", "meu filho tem 7 anos"))
		if err != nil {
			t.Errorf("nested Admit: %v", err)
		}
		if a.Status != models.AdmitStatusAdmitted || a.Turn != nil {
			t.Errorf("expected merged admit with nil turn, got %+v", a)
		}
		return nil
	}

	a, err := ctrl.Admit(context.Background(), event(conv, "m1", "oi"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if a.Turn == nil {
		t.Fatal("expected active turn")
	}
	defer ctrl.Release(a.Turn)

	if a.Turn.Text != "oi\nmeu filho tem 7 anos" {
		t.Errorf("aggregated text = %q", a.Turn.Text)
	}
	if len(a.Turn.MessageIDs) != 2 {
		t.Errorf("expected 2 aggregated message ids, got %v", a.Turn.MessageIDs)
	}
}

func TestTurnIDDeterministic(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 300 * time.Millisecond

	a := TurnID("c1", start, window)
	b := TurnID("c1", start.Add(100*time.Millisecond), window)
	if a != b {
		t.Errorf("same window produced different ids: %s vs %s", a, b)
	}
	if TurnID("c1", start.Add(window), window) == a {
		t.Error("next window should produce a different id")
	}
	if TurnID("c2", start, window) == a {
		t.Error("different conversations should produce different ids")
	}
}

func TestRecursionGuard(t *testing.T) {
	ctrl := newTestController(t, Config{RecursionLimit: 2, RecursionWindow: time.Minute})

	for i := 0; i < 2; i++ {
		a, err := ctrl.Admit(context.Background(), event("c1", "m"+string(rune('1'+i)), "oi"))
		if err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		if a.Turn == nil {
			t.Fatalf("turn %d not admitted", i)
		}
		if a.Turn.ForceFallback {
			t.Errorf("turn %d should not be forced to fallback", i)
		}
		ctrl.Release(a.Turn)
	}

	a, err := ctrl.Admit(context.Background(), event("c1", "m9", "oi"))
	if err != nil {
		t.Fatalf("Admit over limit: %v", err)
	}
	if a.Turn == nil || !a.Turn.ForceFallback {
		t.Error("expected recursion guard to force fallback")
	}
	ctrl.Release(a.Turn)
}

func TestFenceTokenMonotonic(t *testing.T) {
	ctrl := newTestController(t, Config{})

	var last int64
	for i := 0; i < 3; i++ {
		a, err := ctrl.Admit(context.Background(), event("c1", "m"+string(rune('1'+i)), "oi"))
		if err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		if a.Turn.FenceToken <= last {
			t.Fatalf("fence token not monotonic: %d after %d", a.Turn.FenceToken, last)
		}
		last = a.Turn.FenceToken
		ctrl.Release(a.Turn)
	}
}

func TestOwnsLock(t *testing.T) {
	ctrl := newTestController(t, Config{})

	a, err := ctrl.Admit(context.Background(), event("c1", "m1", "oi"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !ctrl.OwnsLock(a.Turn) {
		t.Error("active turn should own its lock")
	}

	ctrl.Release(a.Turn)
	if ctrl.OwnsLock(a.Turn) {
		t.Error("released turn should not own the lock")
	}

	// A newer turn makes the old fence token stale even if the old worker
	// somehow still held a token.
	b, err := ctrl.Admit(context.Background(), event("c1", "m2", "oi de novo"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if ctrl.OwnsLock(a.Turn) {
		t.Error("stale turn must not pass the ownership check")
	}
	ctrl.Release(b.Turn)
}

func TestRunReleasesOnError(t *testing.T) {
	ctrl := newTestController(t, Config{})

	a, err := ctrl.Admit(context.Background(), event("c1", "m1", "oi"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	wantErr := errors.New("pipeline exploded")
	err = ctrl.Run(context.Background(), a.Turn, func(ctx context.Context, tc *TurnContext) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected handler error, got %v", err)
	}

	next, err := ctrl.Admit(context.Background(), event("c1", "m2", "oi"))
	if err != nil {
		t.Fatalf("Admit after failed run: %v", err)
	}
	if next.Turn == nil {
		t.Error("lock should be free after a failed run")
	}
	ctrl.Release(next.Turn)
}

func TestRunReleasesOnPanic(t *testing.T) {
	ctrl := newTestController(t, Config{})

	a, err := ctrl.Admit(context.Background(), event("c1", "m1", "oi"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	err = ctrl.Run(context.Background(), a.Turn, func(ctx context.Context, tc *TurnContext) error {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("expected panic converted to error, got %v", err)
	}

	next, err := ctrl.Admit(context.Background(), event("c1", "m2", "oi"))
	if err != nil {
		t.Fatalf("Admit after panic: %v", err)
	}
	if next.Turn == nil {
		t.Error("lock should be free after a panicking run")
	}
	ctrl.Release(next.Turn)
}

func TestRunAppliesMiddleware(t *testing.T) {
	ctrl := newTestController(t, Config{})

	var order []string
	ctrl.Use(func(next Handler) Handler {
		return func(ctx context.Context, tc *TurnContext) error {
			order = append(order, "before")
			err := next(ctx, tc)
			order = append(order, "after")
			return err
		}
	})

	a, err := ctrl.Admit(context.Background(), event("c1", "m1", "oi"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	err = ctrl.Run(context.Background(), a.Turn, func(ctx context.Context, tc *TurnContext) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"before", "handler", "after"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("middleware order = %v, want %v", order, want)
		}
	}
}
