// Package api exposes the HTTP surface of the receptionist and wires the
// turn pipeline: controller, classifier, routing, planner, and delivery.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/classifier"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/delivery"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/planner"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/routing"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/store"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/turn"
)

// IntentClassifier is the external language-model classifier boundary. Nil
// means the pipeline always runs on pattern confidence alone.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, stage models.Stage, history []string) (classifier.Result, error)
}

// Pipeline runs one admitted turn end to end.
type Pipeline struct {
	controller *turn.Controller
	scorer     *routing.Scorer
	engine     *routing.Engine
	classifier IntentClassifier
	planner    *planner.Planner
	worker     *delivery.Worker
	store      store.Store
}

// NewPipeline assembles the turn pipeline.
func NewPipeline(controller *turn.Controller, engine *routing.Engine, cls IntentClassifier, pl *planner.Planner, worker *delivery.Worker, st store.Store) *Pipeline {
	return &Pipeline{
		controller: controller,
		scorer:     routing.NewScorer(),
		engine:     engine,
		classifier: cls,
		planner:    pl,
		worker:     worker,
		store:      st,
	}
}

// ProcessEvent admits an inbound event and, when this call became the active
// processor, runs the whole turn under the conversation lock.
func (p *Pipeline) ProcessEvent(ctx context.Context, event models.InboundEvent) (models.AdmitStatus, error) {
	admission, err := p.controller.Admit(ctx, event)
	if err != nil {
		return "", err
	}
	if admission.Turn == nil {
		return admission.Status, nil
	}
	return admission.Status, p.controller.Run(ctx, admission.Turn, p.runTurn)
}

// runTurn executes the pipeline for one admitted turn: load state, classify,
// score, decide, plan, enqueue, deliver.
func (p *Pipeline) runTurn(ctx context.Context, tc *turn.TurnContext) error {
	conv, err := p.loadConversation(tc)
	if err != nil {
		return err
	}

	intentConfidence, requestedStage, degraded := p.classify(ctx, tc, conv)

	sinceLastActivity := time.Duration(0)
	if !conv.LastActivityAt.IsZero() {
		sinceLastActivity = time.Since(conv.LastActivityAt)
	}
	patternConfidence := p.scorer.Score(conv.Stage, tc.Text, slotKeys(conv.CollectedSlots), sinceLastActivity)

	decision := p.engine.Decide(conv.Stage, intentConfidence, patternConfidence, routing.Context{
		Text:               tc.Text,
		RequestedStage:     requestedStage,
		ForceFallback:      tc.ForceFallback,
		ClassifierDegraded: degraded,
	})

	entries := p.planner.Plan(ctx, planner.Input{
		Conversation: conv,
		Decision:     decision,
		TurnID:       tc.TurnID,
		Text:         tc.Text,
		Channel:      tc.Channel,
		Recipient:    recipientFor(tc, conv),
	})

	if err := p.worker.EnqueueTurn(ctx, conv.Key, tc.TurnID, entries); err != nil {
		// Entries are safe in the cache fallback; the sweeper reconciles them.
		slog.Warn("Pipeline.runTurn: outbox enqueue degraded", "conversation", conv.Key, "error", err)
	}

	results, err := p.worker.DeliverTurn(ctx, tc, conv, decision)
	if err != nil {
		return fmt.Errorf("deliver turn %s: %w", tc.TurnID, err)
	}
	if results.Failed > 0 {
		slog.Warn("Pipeline.runTurn: turn completed with failed deliveries",
			"conversation", conv.Key, "turn", tc.TurnID, "failed", results.Failed)
	}
	return nil
}

// loadConversation fetches or creates the conversation and normalizes it so
// downstream components only ever see canonical stage/step values.
func (p *Pipeline) loadConversation(tc *turn.TurnContext) (*models.Conversation, error) {
	conv, err := p.store.GetConversation(tc.ConversationKey)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", tc.ConversationKey, err)
	}
	now := time.Now()
	if conv == nil {
		conv = &models.Conversation{
			Key:       tc.ConversationKey,
			Stage:     models.StageGreeting,
			Step:      models.DefaultStep(models.StageGreeting),
			Status:    models.ConversationStatusActive,
			CreatedAt: now,
		}
		slog.Info("Pipeline.loadConversation: new conversation", "conversation", conv.Key)
	}
	conv.Normalize()
	if conv.Status != models.ConversationStatusActive {
		slog.Info("Pipeline.loadConversation: reopening conversation", "conversation", conv.Key, "status", conv.Status)
		conv.Reopen(now)
	}
	return conv, nil
}

// classify calls the external classifier, merging extracted entities into the
// conversation's slots. Errors and timeouts degrade to pattern-only routing.
func (p *Pipeline) classify(ctx context.Context, tc *turn.TurnContext, conv *models.Conversation) (float64, models.Stage, bool) {
	if p.classifier == nil {
		return 0, "", true
	}
	result, err := p.classifier.Classify(ctx, tc.Text, conv.Stage, nil)
	if err != nil {
		slog.Warn("Pipeline.classify: degraded to pattern-only", "conversation", conv.Key, "error", err)
		return 0, "", true
	}
	for k, v := range result.Entities {
		if v != "" {
			conv.CollectedSlots[k] = v
		}
	}
	return result.Confidence, result.RequestedStage(), false
}

func slotKeys(slots map[string]string) []string {
	if len(slots) == 0 {
		return nil
	}
	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	return keys
}

// recipientFor resolves the outbound recipient: the event metadata when
// present, otherwise the phone embedded in the conversation key.
func recipientFor(tc *turn.TurnContext, conv *models.Conversation) string {
	if tc.Recipient != "" {
		return tc.Recipient
	}
	if _, phone, ok := strings.Cut(conv.Key, ":"); ok {
		return phone
	}
	return conv.Key
}
