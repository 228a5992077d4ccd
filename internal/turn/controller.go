// Package turn implements the turn controller: inbound dedup, debounce
// aggregation of rapid messages, the per-conversation TTL lock, and the
// recursion guard. One admitted turn holds the lock for the whole pipeline
// run; the lock is released on every exit path.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/cache"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/util"
)

// Cache key prefixes. Everything the controller tracks lives in the TTL cache
// so a process restart loses at worst one debounce window.
const (
	dedupPrefix   = "turn:seen:"
	bufferPrefix  = "turn:buffer:"
	msgIDsPrefix  = "turn:msgs:"
	windowPrefix  = "turn:window:"
	lockPrefix    = "turn:lock:"
	fencePrefix   = "turn:fence:"
	recentPrefix  = "turn:recent:"
	bufferSep     = "\n"
	msgIDSep      = ","
)

// Config tunes the controller. Zero values fall back to the defaults.
type Config struct {
	// DedupTTL bounds the per-message dedup set.
	DedupTTL time.Duration

	// DebounceWindow is the quiet period that aggregates rapid messages into
	// one turn.
	DebounceWindow time.Duration

	// LockTTL bounds how long a crashed worker can hold a conversation. All
	// external calls made inside a turn must time out well below this.
	LockTTL time.Duration

	// RecursionWindow and RecursionLimit bound how many turns a conversation
	// may run in a sliding window before decisions are forced into fallback.
	RecursionWindow time.Duration
	RecursionLimit  int64
}

// DefaultConfig returns the production controller settings.
func DefaultConfig() Config {
	return Config{
		DedupTTL:        time.Hour,
		DebounceWindow:  300 * time.Millisecond,
		LockTTL:         8 * time.Second,
		RecursionWindow: time.Minute,
		RecursionLimit:  8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DedupTTL <= 0 {
		c.DedupTTL = d.DedupTTL
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = d.DebounceWindow
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.RecursionWindow <= 0 {
		c.RecursionWindow = d.RecursionWindow
	}
	if c.RecursionLimit <= 0 {
		c.RecursionLimit = d.RecursionLimit
	}
	return c
}

// TurnContext carries everything one admitted turn knows about itself.
type TurnContext struct {
	ConversationKey string
	TurnID          string
	Text            string
	MessageIDs      []string
	Channel         string
	Recipient       string
	ArrivalTime     time.Time

	// LockToken proves ownership of the conversation lock. FenceToken is the
	// monotonically increasing turn number; stale workers observe a newer
	// fence and must not mutate conversation state.
	LockToken  string
	FenceToken int64

	// ForceFallback is set when the recursion guard tripped for this turn.
	ForceFallback bool
}

// Admission is the controller's verdict for one inbound event.
type Admission struct {
	Status models.AdmitStatus

	// Turn is non-nil only when this event became the active processor for a
	// turn. Admitted events merged into a pending window return a nil Turn.
	Turn *TurnContext
}

// Controller coordinates inbound events into serialized turns.
type Controller struct {
	cache       *cache.Cache
	cfg         Config
	middlewares []Middleware

	newLockToken func() string
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewController creates a Controller on top of the shared TTL cache.
func NewController(c *cache.Cache, cfg Config) *Controller {
	return &Controller{
		cache:        c,
		cfg:          cfg.withDefaults(),
		newLockToken: util.GenerateLockToken,
		sleep:        sleepCtx,
	}
}

// Admit runs dedup, debounce, and locking for one inbound event.
//
// The first event of a quiet window becomes the window owner: it waits out the
// debounce window, acquires the conversation lock, and returns an admitted
// Turn carrying the aggregated text. Later events of the same window are
// merged into the owner's buffer and return admitted with a nil Turn.
// A window owner that loses the lock race returns lock_busy; its buffered
// text survives and is picked up by the next admitted turn.
func (c *Controller) Admit(ctx context.Context, event models.InboundEvent) (Admission, error) {
	if err := event.Validate(); err != nil {
		return Admission{}, fmt.Errorf("admit: %w", err)
	}

	if !c.cache.SetNX(dedupPrefix+event.ConversationKey+":"+event.MessageID, "1", c.cfg.DedupTTL) {
		slog.Debug("Controller.Admit: duplicate message", "conversation", event.ConversationKey, "message_id", event.MessageID)
		return Admission{Status: models.AdmitStatusDuplicate}, nil
	}

	bufferTTL := c.cfg.DebounceWindow + c.cfg.LockTTL
	c.cache.Append(bufferPrefix+event.ConversationKey, event.Text, bufferSep, bufferTTL)
	c.cache.Append(msgIDsPrefix+event.ConversationKey, event.MessageID, msgIDSep, bufferTTL)

	windowKey := windowPrefix + event.ConversationKey
	windowStart := event.ArrivalTime
	if windowStart.IsZero() {
		windowStart = time.Now()
	}
	if !c.cache.SetNX(windowKey, strconv.FormatInt(windowStart.UnixMilli(), 10), bufferTTL) {
		// Another admit owns this window; our text is buffered into its turn.
		slog.Debug("Controller.Admit: merged into pending window", "conversation", event.ConversationKey, "message_id", event.MessageID)
		return Admission{Status: models.AdmitStatusAdmitted}, nil
	}

	if err := c.sleep(ctx, c.cfg.DebounceWindow); err != nil {
		c.cache.Delete(windowKey)
		return Admission{}, fmt.Errorf("admit: debounce interrupted: %w", err)
	}

	token := c.newLockToken()
	if !c.cache.SetNX(lockPrefix+event.ConversationKey, token, c.cfg.LockTTL) {
		// Buffer stays; the next window owner will carry it.
		c.cache.Delete(windowKey)
		slog.Info("Controller.Admit: conversation lock busy", "conversation", event.ConversationKey)
		return Admission{Status: models.AdmitStatusLockBusy}, nil
	}

	tc := c.buildTurn(event, windowStart, token)
	c.cache.Delete(windowKey)
	slog.Info("Controller.Admit: turn admitted",
		"conversation", event.ConversationKey,
		"turn", tc.TurnID,
		"messages", len(tc.MessageIDs),
		"force_fallback", tc.ForceFallback)
	return Admission{Status: models.AdmitStatusAdmitted, Turn: tc}, nil
}

// buildTurn drains the debounce buffer and assembles the TurnContext. The
// turn id is deterministic from the conversation key and the window-start
// time bucket, so re-deriving the same window yields the same id.
func (c *Controller) buildTurn(event models.InboundEvent, windowStart time.Time, lockToken string) *TurnContext {
	text, _ := c.cache.Get(bufferPrefix + event.ConversationKey)
	ids, _ := c.cache.Get(msgIDsPrefix + event.ConversationKey)
	c.cache.Delete(bufferPrefix + event.ConversationKey)
	c.cache.Delete(msgIDsPrefix + event.ConversationKey)
	if text == "" {
		text = event.Text
	}
	if ids == "" {
		ids = event.MessageID
	}

	recent := c.cache.IncrWindow(recentPrefix+event.ConversationKey, c.cfg.RecursionWindow)
	forceFallback := recent > c.cfg.RecursionLimit
	if forceFallback {
		slog.Warn("Controller.buildTurn: recursion guard tripped",
			"conversation", event.ConversationKey,
			"recent_turns", recent,
			"limit", c.cfg.RecursionLimit)
	}

	return &TurnContext{
		ConversationKey: event.ConversationKey,
		TurnID:          TurnID(event.ConversationKey, windowStart, c.cfg.DebounceWindow),
		Text:            text,
		MessageIDs:      strings.Split(ids, msgIDSep),
		Channel:         event.Channel,
		Recipient:       event.Metadata["recipient"],
		ArrivalTime:     windowStart,
		LockToken:       lockToken,
		FenceToken:      c.cache.Incr(fencePrefix + event.ConversationKey),
		ForceFallback:   forceFallback,
	}
}

// Release frees the conversation lock if tc still owns it. Safe to call more
// than once.
func (c *Controller) Release(tc *TurnContext) {
	if tc == nil {
		return
	}
	if !c.cache.CompareAndDelete(lockPrefix+tc.ConversationKey, tc.LockToken) {
		slog.Warn("Controller.Release: lock no longer owned", "conversation", tc.ConversationKey, "turn", tc.TurnID)
	}
}

// OwnsLock reports whether tc still holds the conversation lock and no newer
// turn has started. The delivery worker checks this before applying
// conversation-state mutations so a zombie worker cannot clobber a live turn.
func (c *Controller) OwnsLock(tc *TurnContext) bool {
	held, ok := c.cache.Get(lockPrefix + tc.ConversationKey)
	if !ok || held != tc.LockToken {
		return false
	}
	return c.cache.Counter(fencePrefix+tc.ConversationKey) == tc.FenceToken
}

// TurnID derives the deterministic turn identifier from the conversation key
// and the debounce-window time bucket of the first message.
func TurnID(conversationKey string, windowStart time.Time, window time.Duration) string {
	bucket := windowStart.UnixMilli() / window.Milliseconds()
	return fmt.Sprintf("%s:%d", conversationKey, bucket)
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
