// Package models defines the core data structures shared across the receptionist modules.
package models

import "strings"

// Stage represents the coarse position of a conversation in the reception flow.
type Stage string

const (
	// StageGreeting is the entry stage for every new conversation.
	StageGreeting Stage = "greeting"
	// StageQualification collects basic information about the student.
	StageQualification Stage = "qualification"
	// StageInformation presents the Kumon method and program details.
	StageInformation Stage = "information"
	// StageScheduling collects preferences and proposes an appointment.
	StageScheduling Stage = "scheduling"
	// StageConfirmation confirms the proposed appointment.
	StageConfirmation Stage = "confirmation"
	// StageCompleted marks a conversation that reached its end.
	StageCompleted Stage = "completed"
)

// Step represents the fine-grained sub-state within a stage.
type Step string

const (
	StepWelcome            Step = "welcome"
	StepChildName          Step = "child_name"
	StepChildAge           Step = "child_age"
	StepMethodExplanation  Step = "method_explanation"
	StepProgramDetails     Step = "program_details"
	StepSlotPreferences    Step = "slot_preferences"
	StepSlotProposal       Step = "slot_proposal"
	StepBookingConfirm     Step = "booking_confirm"
	StepDone               Step = "done"
)

// IsValidStage checks if the given stage is one of the canonical stages.
func IsValidStage(s Stage) bool {
	switch s {
	case StageGreeting, StageQualification, StageInformation, StageScheduling, StageConfirmation, StageCompleted:
		return true
	default:
		return false
	}
}

// IsValidStep checks if the given step is one of the canonical steps.
func IsValidStep(s Step) bool {
	switch s {
	case StepWelcome, StepChildName, StepChildAge, StepMethodExplanation, StepProgramDetails,
		StepSlotPreferences, StepSlotProposal, StepBookingConfirm, StepDone:
		return true
	default:
		return false
	}
}

// defaultSteps maps each stage to the step a conversation lands on when it
// enters that stage.
var defaultSteps = map[Stage]Step{
	StageGreeting:      StepWelcome,
	StageQualification: StepChildName,
	StageInformation:   StepMethodExplanation,
	StageScheduling:    StepSlotPreferences,
	StageConfirmation:  StepBookingConfirm,
	StageCompleted:     StepDone,
}

// DefaultStep returns the entry step for a stage.
func DefaultStep(s Stage) Step {
	if step, ok := defaultSteps[s]; ok {
		return step
	}
	return StepWelcome
}

// stageAliases maps loose or legacy stage spellings to canonical stages.
// Upstream payloads historically carried values like "saudacao" or "agendamento".
var stageAliases = map[string]Stage{
	"saudacao":     StageGreeting,
	"greeting":     StageGreeting,
	"qualificacao": StageQualification,
	"qualification": StageQualification,
	"informacao":   StageInformation,
	"information":  StageInformation,
	"agendamento":  StageScheduling,
	"scheduling":   StageScheduling,
	"confirmacao":  StageConfirmation,
	"confirmation": StageConfirmation,
	"completed":    StageCompleted,
	"ended":        StageCompleted,
	"finalizado":   StageCompleted,
}

// NormalizeStage maps an arbitrary stage string onto the canonical enum.
// Unknown or empty values normalize to greeting so no conversation ever
// carries an untyped stage past turn entry.
func NormalizeStage(raw string) Stage {
	key := strings.ToLower(strings.TrimSpace(raw))
	if stage, ok := stageAliases[key]; ok {
		return stage
	}
	return StageGreeting
}

// NormalizeStep maps an arbitrary step string onto the canonical enum,
// falling back to the entry step of the given stage.
func NormalizeStep(raw string, stage Stage) Step {
	step := Step(strings.ToLower(strings.TrimSpace(raw)))
	if IsValidStep(step) {
		return step
	}
	return DefaultStep(stage)
}
