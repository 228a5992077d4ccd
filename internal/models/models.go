// Package models defines the core data structures shared across the receptionist modules.
//
// It includes the inbound event envelope, conversation records, routing
// decisions, and the standard API response types.
package models

import (
	"errors"
	"time"
)

// Validation constants for inbound events.
const (
	// MaxMessageBodyLength defines the maximum allowed length for inbound message text.
	MaxMessageBodyLength = 4096
)

// Error variables for better error handling and testability.
var (
	ErrEmptyConversationKey = errors.New("conversation key cannot be empty")
	ErrEmptyMessageID       = errors.New("message id cannot be empty")
	ErrEmptyMessageBody     = errors.New("message body cannot be empty")
	ErrMessageBodyTooLong   = errors.New("message body exceeds maximum length")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrDuplicateOutboxEntry = errors.New("outbox entry with this idempotency key already exists")
)

// InboundEvent is one authenticated, sanitized inbound message handed over by
// the webhook layer.
type InboundEvent struct {
	ConversationKey string            `json:"conversation_key"`
	MessageID       string            `json:"message_id"`
	Text            string            `json:"text"`
	Channel         string            `json:"channel,omitempty"`
	ArrivalTime     time.Time         `json:"arrival_time"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate performs validation on an inbound event.
func (e *InboundEvent) Validate() error {
	if e.ConversationKey == "" {
		return ErrEmptyConversationKey
	}
	if e.MessageID == "" {
		return ErrEmptyMessageID
	}
	if e.Text == "" {
		return ErrEmptyMessageBody
	}
	if len(e.Text) > MaxMessageBodyLength {
		return ErrMessageBodyTooLong
	}
	return nil
}

// ConversationStatus represents the lifecycle status of a conversation record.
type ConversationStatus string

const (
	// ConversationStatusActive indicates an in-progress conversation.
	ConversationStatusActive ConversationStatus = "active"
	// ConversationStatusCompleted indicates the flow reached its final stage.
	ConversationStatusCompleted ConversationStatus = "completed"
	// ConversationStatusEnded indicates the conversation was closed by an operator.
	ConversationStatusEnded ConversationStatus = "ended"
)

// IsValidConversationStatus checks if the given status is supported.
func IsValidConversationStatus(s ConversationStatus) bool {
	switch s {
	case ConversationStatusActive, ConversationStatusCompleted, ConversationStatusEnded:
		return true
	default:
		return false
	}
}

// Conversation is the durable per-conversation record. It is mutated once per
// completed turn by the delivery worker and never hard-deleted.
type Conversation struct {
	Key            string             `json:"key"`
	Stage          Stage              `json:"stage"`
	Step           Step               `json:"step"`
	CollectedSlots map[string]string  `json:"collected_slots,omitempty"`
	TurnCounter    int                `json:"turn_counter"`
	Status         ConversationStatus `json:"status"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Normalize coerces loose stage/step/status values onto the canonical enums.
// Called once at turn entry so downstream components only ever observe
// canonical values.
func (c *Conversation) Normalize() {
	c.Stage = NormalizeStage(string(c.Stage))
	c.Step = NormalizeStep(string(c.Step), c.Stage)
	if !IsValidConversationStatus(c.Status) {
		c.Status = ConversationStatusActive
	}
	if c.CollectedSlots == nil {
		c.CollectedSlots = make(map[string]string)
	}
}

// Reopen resets a completed conversation back to greeting for a fresh flow,
// keeping previously collected slots.
func (c *Conversation) Reopen(now time.Time) {
	c.Stage = StageGreeting
	c.Step = StepWelcome
	c.Status = ConversationStatusActive
	c.TurnCounter = 0
	c.LastActivityAt = now
	c.UpdatedAt = now
}

// AdmitStatus is the outcome of submitting an inbound event to the turn controller.
type AdmitStatus string

const (
	// AdmitStatusAdmitted indicates the event was accepted for processing.
	AdmitStatusAdmitted AdmitStatus = "admitted"
	// AdmitStatusDuplicate indicates the message id was already seen.
	AdmitStatusDuplicate AdmitStatus = "duplicate"
	// AdmitStatusLockBusy indicates another worker holds the conversation lock.
	AdmitStatusLockBusy AdmitStatus = "lock_busy"
)

// Action represents the routing action selected for a turn.
type Action string

const (
	// ActionProceed advances the conversation to the next stage.
	ActionProceed Action = "proceed"
	// ActionEnhance requests augmented generation before replying.
	ActionEnhance Action = "enhance"
	// ActionFallbackLevel1 sends the first-level clarification fallback.
	ActionFallbackLevel1 Action = "fallback_level1"
	// ActionFallbackLevel2 sends the second-level fallback.
	ActionFallbackLevel2 Action = "fallback_level2"
	// ActionEscalate hands the conversation to a human operator.
	ActionEscalate Action = "escalate"
)

// IsValidAction checks if the given action is supported.
func IsValidAction(a Action) bool {
	switch a {
	case ActionProceed, ActionEnhance, ActionFallbackLevel1, ActionFallbackLevel2, ActionEscalate:
		return true
	default:
		return false
	}
}

// EngagementTier orders actions from least to most engaged. Higher confidence
// must never select a lower tier.
func (a Action) EngagementTier() int {
	switch a {
	case ActionEscalate:
		return 0
	case ActionFallbackLevel2:
		return 1
	case ActionFallbackLevel1:
		return 2
	case ActionEnhance:
		return 3
	case ActionProceed:
		return 4
	default:
		return -1
	}
}

// RoutingDecision is the ephemeral output of the threshold engine for one turn.
// It is never persisted beyond the turn's audit log.
type RoutingDecision struct {
	Action            Action  `json:"action"`
	TargetStage       Stage   `json:"target_stage"`
	FinalConfidence   float64 `json:"final_confidence"`
	IntentConfidence  float64 `json:"intent_confidence"`
	PatternConfidence float64 `json:"pattern_confidence"`
	RuleApplied       string  `json:"rule_applied"`
}
