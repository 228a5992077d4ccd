package routing

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

// weightedPattern is one expected utterance pattern for a stage.
type weightedPattern struct {
	keyword string
	weight  float64
}

// stagePatterns maps each stage to the utterances the receptionist expects
// while the conversation sits in that stage. Weights reflect how strongly a
// match indicates the user is engaging with the stage's question.
var stagePatterns = map[models.Stage][]weightedPattern{
	models.StageGreeting: {
		{"oi", 0.7},
		{"olá", 0.7},
		{"ola", 0.7},
		{"bom dia", 0.8},
		{"boa tarde", 0.8},
		{"boa noite", 0.8},
		{"tudo bem", 0.5},
		{"informação", 0.4},
		{"informacao", 0.4},
	},
	models.StageQualification: {
		{"filho", 0.6},
		{"filha", 0.6},
		{"criança", 0.5},
		{"crianca", 0.5},
		{"anos", 0.5},
		{"idade", 0.5},
		{"série", 0.4},
		{"serie", 0.4},
		{"escola", 0.4},
	},
	models.StageInformation: {
		{"método", 0.6},
		{"metodo", 0.6},
		{"como funciona", 0.7},
		{"material", 0.5},
		{"matemática", 0.5},
		{"matematica", 0.5},
		{"português", 0.5},
		{"portugues", 0.5},
		{"inglês", 0.5},
		{"ingles", 0.5},
		{"valor", 0.5},
		{"preço", 0.5},
		{"preco", 0.5},
		{"mensalidade", 0.6},
	},
	models.StageScheduling: {
		{"agendar", 0.8},
		{"visita", 0.6},
		{"horário", 0.6},
		{"horario", 0.6},
		{"quando", 0.4},
		{"disponível", 0.5},
		{"disponivel", 0.5},
		{"amanhã", 0.5},
		{"amanha", 0.5},
		{"semana", 0.4},
		{"sábado", 0.5},
		{"sabado", 0.5},
	},
	models.StageConfirmation: {
		{"confirmo", 0.9},
		{"confirmar", 0.8},
		{"pode ser", 0.7},
		{"combinado", 0.7},
		{"fechado", 0.6},
		{"sim", 0.5},
		{"ok", 0.4},
	},
	models.StageCompleted: {
		{"obrigado", 0.6},
		{"obrigada", 0.6},
		{"oi", 0.5},
		{"olá", 0.5},
		{"ola", 0.5},
	},
}

// Structural boosts applied on top of keyword matches.
const (
	digitBoost        = 0.15 // an age or a time is usually a direct answer
	timeOfDayBoost    = 0.15
	entityBoost       = 0.15
	recencyBoost      = 0.05
	recencyWindow     = 5 * time.Minute
	maxStructuralHits = 2
)

var (
	digitPattern     = regexp.MustCompile(`\d`)
	timeOfDayPattern = regexp.MustCompile(`\d{1,2}\s*(h|hs|hrs|:\d{2})`)
)

// Scorer computes a stage-aware pattern-match confidence for inbound text.
type Scorer struct{}

// NewScorer creates a Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score returns the pattern confidence in [0,1] for text against the expected
// patterns of stage. Entities extracted upstream and recent activity both
// boost the score.
func (s *Scorer) Score(stage models.Stage, text string, entities []string, sinceLastActivity time.Duration) float64 {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return 0
	}

	var score float64
	for _, p := range stagePatterns[stage] {
		if strings.Contains(normalized, p.keyword) {
			score += p.weight
		}
	}

	structural := 0
	if digitPattern.MatchString(normalized) && (stage == models.StageQualification || stage == models.StageScheduling) {
		score += digitBoost
		structural++
	}
	if timeOfDayPattern.MatchString(normalized) && stage == models.StageScheduling && structural < maxStructuralHits {
		score += timeOfDayBoost
		structural++
	}

	if len(entities) > 0 {
		score += entityBoost
	}
	if sinceLastActivity > 0 && sinceLastActivity < recencyWindow {
		score += recencyBoost
	}

	if score > 1 {
		score = 1
	}
	slog.Debug("Scorer.Score", "stage", stage, "score", score, "entities", len(entities))
	return score
}
