// Package planner turns a routing decision into the ordered outbound messages
// for one turn. Every planned message carries a deterministic idempotency key
// so retried turns never enqueue duplicates.
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/store"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/util"
)

// Generator produces an enhanced reply from a system and user prompt. The
// genai client satisfies this; tests use a stub.
type Generator interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Planner builds the outbound message plan for a turn.
type Planner struct {
	gen Generator
}

// NewPlanner creates a Planner. gen may be nil, in which case the enhance
// action always uses the template fallback.
func NewPlanner(gen Generator) *Planner {
	return &Planner{gen: gen}
}

// Input carries everything the planner needs for one turn.
type Input struct {
	Conversation *models.Conversation
	Decision     models.RoutingDecision
	TurnID       string
	Text         string
	Channel      string
	Recipient    string
}

// Plan returns the ordered outbox entries for the turn. It never returns an
// empty plan: when no template matches, a generic fallback reply is planned.
func (p *Planner) Plan(ctx context.Context, in Input) []store.OutboxEntry {
	bodies := p.bodiesFor(ctx, in)
	if len(bodies) == 0 {
		bodies = []plannedBody{{templateID: "generic_fallback", text: msgGenericFallback}}
	}

	entries := make([]store.OutboxEntry, 0, len(bodies))
	for i, body := range bodies {
		entries = append(entries, store.OutboxEntry{
			ID:             util.GenerateOutboxID(),
			ConversationID: in.Conversation.Key,
			IdempotencyKey: IdempotencyKey(in.Conversation.Key, in.TurnID, i, body.templateID),
			TurnID:         in.TurnID,
			ItemIndex:      i,
			Body:           body.text,
			Channel:        in.Channel,
			Recipient:      in.Recipient,
			Status:         store.OutboxStatusQueued,
		})
	}

	slog.Debug("Planner.Plan",
		"conversation", in.Conversation.Key,
		"turn", in.TurnID,
		"action", in.Decision.Action,
		"messages", len(entries))
	return entries
}

type plannedBody struct {
	templateID string
	text       string
}

func (p *Planner) bodiesFor(ctx context.Context, in Input) []plannedBody {
	switch in.Decision.Action {
	case models.ActionProceed:
		return stageEntryBodies(in.Decision.TargetStage, in.Conversation)
	case models.ActionEnhance:
		return p.enhanceBodies(ctx, in)
	case models.ActionFallbackLevel1:
		return []plannedBody{{
			templateID: "fallback1_" + string(in.Conversation.Stage),
			text:       fallbackLevel1Message(in.Conversation.Stage),
		}}
	case models.ActionFallbackLevel2:
		return []plannedBody{{
			templateID: "fallback2",
			text:       msgFallbackLevel2,
		}}
	case models.ActionEscalate:
		return []plannedBody{{
			templateID: "escalate",
			text:       msgEscalate,
		}}
	default:
		return nil
	}
}

// enhanceBodies asks the generator for a tailored clarification and falls back
// to the stage template when generation fails or produces nothing usable.
func (p *Planner) enhanceBodies(ctx context.Context, in Input) []plannedBody {
	fallback := plannedBody{
		templateID: "enhance_fallback_" + string(in.Conversation.Stage),
		text:       fallbackLevel1Message(in.Conversation.Stage),
	}
	if p.gen == nil {
		return []plannedBody{fallback}
	}

	generated, err := p.gen.GeneratePrompt(ctx, enhanceSystemPrompt, enhanceUserPrompt(in))
	if err != nil {
		slog.Warn("Planner.enhanceBodies: generation failed, using template", "error", err, "conversation", in.Conversation.Key)
		return []plannedBody{fallback}
	}
	generated = strings.TrimSpace(generated)
	if generated == "" {
		return []plannedBody{fallback}
	}
	return []plannedBody{{templateID: "enhance_generated", text: generated}}
}

func enhanceUserPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Etapa atual: %s\n", in.Conversation.Stage)
	if len(in.Conversation.CollectedSlots) > 0 {
		b.WriteString("Dados já coletados:\n")
		for k, v := range in.Conversation.CollectedSlots {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	fmt.Fprintf(&b, "Mensagem do responsável: %s", in.Text)
	return b.String()
}

// IdempotencyKey derives the stable key for one planned message. The same
// conversation, turn, position, and template always produce the same key, so
// re-planning an interrupted turn collides with the already-enqueued rows
// instead of duplicating them.
func IdempotencyKey(conversationKey, turnID string, itemIndex int, templateID string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%s", conversationKey, turnID, itemIndex, templateID))
	return hex.EncodeToString(sum[:])
}
