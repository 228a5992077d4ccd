package routing

import (
	"testing"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

func TestDecideThresholdBands(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	tests := []struct {
		name       string
		stage      models.Stage
		intent     float64
		pattern    float64
		ctx        Context
		wantAction models.Action
	}{
		{
			name:  "high confidence proceeds",
			stage: models.StageQualification, intent: 0.9, pattern: 0.9,
			wantAction: models.ActionProceed,
		},
		{
			name:  "mid confidence enhances",
			stage: models.StageQualification, intent: 0.7, pattern: 0.6,
			wantAction: models.ActionEnhance,
		},
		{
			name:  "low confidence falls back",
			stage: models.StageQualification, intent: 0.4, pattern: 0.4,
			wantAction: models.ActionFallbackLevel1,
		},
		{
			name:  "very low confidence falls back level 2",
			stage: models.StageQualification, intent: 0.1, pattern: 0.1,
			wantAction: models.ActionFallbackLevel2,
		},
		{
			name:  "very low confidence with distress escalates",
			stage: models.StageQualification, intent: 0.1, pattern: 0.1,
			ctx:        Context{Text: "preciso falar com atendente urgente"},
			wantAction: models.ActionEscalate,
		},
		{
			name:  "classifier outage leans on pattern alone",
			stage: models.StageScheduling, intent: 0, pattern: 0.6,
			ctx:        Context{ClassifierDegraded: true},
			wantAction: models.ActionFallbackLevel1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Decide(tt.stage, tt.intent, tt.pattern, tt.ctx)
			if d.Action != tt.wantAction {
				t.Errorf("Decide() action = %s, want %s (final=%.2f rule=%s)", d.Action, tt.wantAction, d.FinalConfidence, d.RuleApplied)
			}
		})
	}
}

func TestDecideNeverProceedsToSameStage(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	stages := []models.Stage{
		models.StageGreeting, models.StageQualification, models.StageInformation,
		models.StageScheduling, models.StageConfirmation, models.StageCompleted,
	}

	for _, stage := range stages {
		// Requesting the current stage must remap, as must the default path.
		for _, requested := range append([]models.Stage{""}, stage) {
			d := engine.Decide(stage, 1.0, 1.0, Context{RequestedStage: requested})
			if d.Action != models.ActionProceed {
				t.Fatalf("stage %s: expected proceed, got %s", stage, d.Action)
			}
			if d.TargetStage == stage {
				t.Errorf("stage %s: proceed resolved to same stage (requested %q)", stage, requested)
			}
		}
	}
}

func TestDecideRemapsInvalidRequestedTarget(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	// Scheduling cannot jump back to greeting; expect the canonical successor.
	d := engine.Decide(models.StageScheduling, 1.0, 1.0, Context{RequestedStage: models.StageGreeting})
	if d.TargetStage != models.StageConfirmation {
		t.Errorf("expected remap to confirmation, got %s (rule %s)", d.TargetStage, d.RuleApplied)
	}

	// A valid skip is honored.
	d = engine.Decide(models.StageGreeting, 1.0, 1.0, Context{RequestedStage: models.StageScheduling})
	if d.TargetStage != models.StageScheduling {
		t.Errorf("expected requested scheduling target, got %s", d.TargetStage)
	}
}

func TestDecideMonotonicActionTiers(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	for _, stage := range []models.Stage{models.StageQualification, models.StageScheduling, models.StageInformation} {
		lastTier := -1
		for conf := 0.0; conf <= 1.0; conf += 0.01 {
			d := engine.Decide(stage, conf, conf, Context{})
			tier := d.Action.EngagementTier()
			if tier < lastTier {
				t.Fatalf("stage %s: action tier regressed at confidence %.2f (%s)", stage, conf, d.Action)
			}
			lastTier = tier
		}
	}
}

func TestDecideRecursionGuardOverridesConfidence(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	d := engine.Decide(models.StageGreeting, 1.0, 1.0, Context{ForceFallback: true})
	if d.Action != models.ActionFallbackLevel1 {
		t.Errorf("expected forced fallback_level1, got %s", d.Action)
	}
	if d.RuleApplied != "recursion_guard_fallback1" {
		t.Errorf("unexpected rule %q", d.RuleApplied)
	}
}

func TestDecideGreetingStageBoost(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	// 0.7 combined would be enhance; the greeting multiplier lifts it to proceed.
	greeting := engine.Decide(models.StageGreeting, 0.7, 0.7, Context{})
	if greeting.Action != models.ActionProceed {
		t.Errorf("expected greeting boost to proceed, got %s (final %.2f)", greeting.Action, greeting.FinalConfidence)
	}

	neutral := engine.Decide(models.StageScheduling, 0.7, 0.7, Context{})
	if neutral.Action != models.ActionEnhance {
		t.Errorf("expected neutral stage to enhance, got %s", neutral.Action)
	}
}

func TestDecideClampsConfidences(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	d := engine.Decide(models.StageScheduling, 4.0, -2.0, Context{})
	if d.IntentConfidence != 1 || d.PatternConfidence != 0 {
		t.Errorf("expected clamped inputs, got %.2f/%.2f", d.IntentConfidence, d.PatternConfidence)
	}
	if d.FinalConfidence < 0 || d.FinalConfidence > 1 {
		t.Errorf("final confidence out of range: %.2f", d.FinalConfidence)
	}
}
