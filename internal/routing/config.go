// Package routing implements the stage-aware confidence scoring and threshold
// engine that selects the next action for a conversation turn.
package routing

import (
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

// Config holds the weights, thresholds, and stage adjustments used by the
// threshold engine. All values are configuration, not per-call-site constants.
type Config struct {
	// IntentWeight and PatternWeight combine the two confidence signals.
	// They should sum to 1.0.
	IntentWeight  float64
	PatternWeight float64

	// Threshold bands, highest first. final >= High selects proceed,
	// [Mid, High) selects enhance, [Fallback, Mid) selects fallback_level1,
	// below Fallback selects fallback_level2 (or escalate on a hard trigger).
	HighThreshold     float64
	MidThreshold      float64
	FallbackThreshold float64

	// StageMultipliers adjusts the combined confidence per stage before the
	// band comparison. Stages absent from the map use 1.0.
	StageMultipliers map[models.Stage]float64

	// DistressKeywords are hard business-rule triggers that force escalation
	// when confidence lands below the fallback threshold.
	DistressKeywords []string
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		IntentWeight:      0.6,
		PatternWeight:     0.4,
		HighThreshold:     0.80,
		MidThreshold:      0.65,
		FallbackThreshold: 0.30,
		StageMultipliers: map[models.Stage]float64{
			models.StageGreeting:    1.2,
			models.StageInformation: 0.9,
		},
		DistressKeywords: []string{
			"urgente",
			"emergência",
			"emergencia",
			"socorro",
			"falar com atendente",
			"falar com humano",
			"reclamação",
			"reclamacao",
		},
	}
}

// successorOnProceed is the canonical "next stage on proceed" table. This is
// the single source of truth for stage progression; there is deliberately no
// second remap table anywhere else.
var successorOnProceed = map[models.Stage]models.Stage{
	models.StageGreeting:      models.StageQualification,
	models.StageQualification: models.StageInformation,
	models.StageInformation:   models.StageScheduling,
	models.StageScheduling:    models.StageConfirmation,
	models.StageConfirmation:  models.StageCompleted,
	models.StageCompleted:     models.StageGreeting,
}

// allowedSuccessors is the precomputed set of valid proceed targets per stage.
// Skipping ahead is allowed only along the listed edges.
var allowedSuccessors = map[models.Stage]map[models.Stage]bool{
	models.StageGreeting: {
		models.StageQualification: true,
		models.StageInformation:   true,
		models.StageScheduling:    true,
	},
	models.StageQualification: {
		models.StageInformation: true,
		models.StageScheduling:  true,
	},
	models.StageInformation: {
		models.StageScheduling: true,
	},
	models.StageScheduling: {
		models.StageConfirmation: true,
	},
	models.StageConfirmation: {
		models.StageCompleted:  true,
		models.StageScheduling: true,
	},
	models.StageCompleted: {
		models.StageGreeting: true,
	},
}

// DefaultSuccessor returns the canonical next stage on proceed.
func DefaultSuccessor(stage models.Stage) models.Stage {
	if next, ok := successorOnProceed[stage]; ok {
		return next
	}
	return models.StageGreeting
}

// IsAllowedSuccessor reports whether target is a valid proceed target from stage.
func IsAllowedSuccessor(stage, target models.Stage) bool {
	return allowedSuccessors[stage][target]
}
