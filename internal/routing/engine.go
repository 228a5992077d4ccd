package routing

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

// Context carries the per-turn inputs of the decision beyond the two
// confidence signals.
type Context struct {
	// Text is the aggregated inbound text of the turn, used for hard
	// business-rule triggers.
	Text string

	// RequestedStage is an optional proceed target hinted by the classifier's
	// intent label (e.g. the user asks to schedule straight from greeting).
	// Empty means "use the canonical successor".
	RequestedStage models.Stage

	// ForceFallback is set by the turn controller's recursion guard. It caps
	// the decision at fallback_level1 regardless of confidence.
	ForceFallback bool

	// ClassifierDegraded is set when the classifier timed out or errored. The
	// decision then rides on the pattern confidence alone instead of the
	// weighted combination.
	ClassifierDegraded bool
}

// Engine merges the classifier and pattern confidences and applies the
// stage-aware threshold bands to produce a RoutingDecision.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine with the given configuration.
func NewEngine(cfg Config) *Engine {
	if cfg.IntentWeight == 0 && cfg.PatternWeight == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg}
}

// Decide selects the action and target stage for one turn. It never returns
// the current stage as the target of a proceed action.
func (e *Engine) Decide(currentStage models.Stage, intentConfidence, patternConfidence float64, turnCtx Context) models.RoutingDecision {
	intentConfidence = clamp01(intentConfidence)
	patternConfidence = clamp01(patternConfidence)

	var final float64
	if turnCtx.ClassifierDegraded {
		final = patternConfidence
	} else {
		final = e.cfg.IntentWeight*intentConfidence + e.cfg.PatternWeight*patternConfidence
	}
	if mult, ok := e.cfg.StageMultipliers[currentStage]; ok {
		final *= mult
	}
	final = clamp01(final)

	decision := models.RoutingDecision{
		FinalConfidence:   final,
		IntentConfidence:  intentConfidence,
		PatternConfidence: patternConfidence,
	}

	if turnCtx.ForceFallback {
		decision.Action = models.ActionFallbackLevel1
		decision.TargetStage = currentStage
		decision.RuleApplied = "recursion_guard_fallback1"
		slog.Warn("Engine.Decide: recursion guard forced fallback", "stage", currentStage)
		return decision
	}

	switch {
	case final >= e.cfg.HighThreshold:
		decision.Action = models.ActionProceed
		decision.TargetStage, decision.RuleApplied = e.resolveProceedTarget(currentStage, turnCtx.RequestedStage)
	case final >= e.cfg.MidThreshold:
		decision.Action = models.ActionEnhance
		decision.TargetStage = currentStage
		decision.RuleApplied = "mid_confidence_enhance"
	case final >= e.cfg.FallbackThreshold:
		decision.Action = models.ActionFallbackLevel1
		decision.TargetStage = currentStage
		decision.RuleApplied = "low_confidence_fallback1"
	default:
		if e.hasDistressTrigger(turnCtx.Text) {
			decision.Action = models.ActionEscalate
			decision.TargetStage = currentStage
			decision.RuleApplied = "distress_escalate"
		} else {
			decision.Action = models.ActionFallbackLevel2
			decision.TargetStage = currentStage
			decision.RuleApplied = "very_low_fallback2"
		}
	}

	slog.Debug("Engine.Decide",
		"stage", currentStage,
		"action", decision.Action,
		"target", decision.TargetStage,
		"final", decision.FinalConfidence,
		"rule", decision.RuleApplied)
	return decision
}

// resolveProceedTarget picks the proceed target, remapping invalid or
// same-stage requests onto the canonical successor.
func (e *Engine) resolveProceedTarget(current, requested models.Stage) (models.Stage, string) {
	target := requested
	if target == "" {
		target = DefaultSuccessor(current)
	}
	if target == current || !IsAllowedSuccessor(current, target) {
		safe := DefaultSuccessor(current)
		return safe, fmt.Sprintf("invalid_target_remap:%s->%s", target, safe)
	}
	if requested != "" {
		return target, "high_confidence_proceed_requested"
	}
	return target, "high_confidence_proceed"
}

func (e *Engine) hasDistressTrigger(text string) bool {
	normalized := strings.ToLower(text)
	for _, kw := range e.cfg.DistressKeywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
