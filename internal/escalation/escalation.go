// Package escalation bumps the critic model tier when a task keeps scoring
// low or the critic keeps producing no updates. The override is temporary:
// after a fixed number of runs at the higher tier, the base model resumes.
package escalation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"cortex/internal/logging"
)

const (
	sonnetModel = "claude-sonnet-4-5"
	opusModel   = "claude-opus-4-6"

	// DefaultScoreThreshold marks a run as low-scoring.
	DefaultScoreThreshold = 0.75
	// DefaultConsecutiveRuns is the streak length that triggers a bump.
	DefaultConsecutiveRuns = 2
	// overrideRuns is how many runs an escalated tier stays active.
	overrideRuns = 3
)

// State is the persisted escalation ledger for one critic model family.
type State struct {
	Tier                  string `json:"tier"`
	OverrideRunsRemaining int    `json:"override_runs_remaining"`
	LowScoreStreak        int    `json:"low_score_streak"`
	CriticNoUpdatesStreak int    `json:"critic_no_updates_streak"`
	FailStreak            int    `json:"fail_streak"`
	LastTrigger           string `json:"last_trigger,omitempty"`
}

// TierFromModel classifies a model identifier into haiku/sonnet/opus.
func TierFromModel(model string) string {
	lowered := strings.ToLower(model)
	if strings.Contains(lowered, "opus") {
		return "opus"
	}
	if strings.Contains(lowered, "sonnet") {
		return "sonnet"
	}
	return "haiku"
}

// ModelFromTier maps a tier back to a model. The haiku tier returns the base
// model unchanged so custom haiku-class identifiers survive round trips.
func ModelFromTier(tier, baseModel string) string {
	switch tier {
	case "haiku":
		return baseModel
	case "sonnet":
		return sonnetModel
	default:
		return opusModel
	}
}

func defaultState(baseModel string) State {
	return State{Tier: TierFromModel(baseModel)}
}

// LoadState reads the escalation state file, falling back to a fresh state
// for the base model when missing or malformed.
func LoadState(path, baseModel string) State {
	fallback := defaultState(baseModel)
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		logging.Get(logging.CategoryAgent).Warn("escalation state unreadable, resetting: %v", err)
		return fallback
	}
	if strings.TrimSpace(state.Tier) == "" {
		state.Tier = fallback.Tier
	}
	if state.OverrideRunsRemaining < 0 {
		state.OverrideRunsRemaining = 0
	}
	if state.LowScoreStreak < 0 {
		state.LowScoreStreak = 0
	}
	if state.CriticNoUpdatesStreak < 0 {
		state.CriticNoUpdatesStreak = 0
	}
	if state.FailStreak < 0 {
		state.FailStreak = 0
	}
	return state
}

// SaveState persists the state with parent directories created as needed.
func SaveState(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ResolveModelForRun picks the critic model for the next run and consumes one
// override run when an escalation is active.
func ResolveModelForRun(baseModel string, autoEscalate bool, state State) (string, State) {
	if !autoEscalate || state.OverrideRunsRemaining <= 0 {
		state.Tier = TierFromModel(baseModel)
		state.OverrideRunsRemaining = 0
		return baseModel, state
	}
	state.OverrideRunsRemaining--
	return ModelFromTier(state.Tier, baseModel), state
}

// Outcome feeds EscalateIfNeeded after a run finishes.
type Outcome struct {
	EvalScore       float64
	EvalPassed      bool
	CriticNoUpdates bool
}

// EscalateIfNeeded updates the streak counters and bumps the tier one step
// when either streak reaches the consecutive-run threshold. A bump grants
// three override runs and resets both streaks.
func EscalateIfNeeded(state State, baseModel string, autoEscalate bool, outcome Outcome,
	scoreThreshold float64, consecutiveRuns int) State {

	if consecutiveRuns < 1 {
		consecutiveRuns = 1
	}
	if outcome.EvalScore < scoreThreshold {
		state.LowScoreStreak++
	} else {
		state.LowScoreStreak = 0
	}
	if !outcome.EvalPassed && outcome.CriticNoUpdates {
		state.CriticNoUpdatesStreak++
	} else {
		state.CriticNoUpdatesStreak = 0
	}
	if !outcome.EvalPassed {
		state.FailStreak++
	} else {
		state.FailStreak = 0
	}
	if !autoEscalate {
		return state
	}

	lowTrigger := state.LowScoreStreak >= consecutiveRuns
	noUpdateTrigger := state.CriticNoUpdatesStreak >= consecutiveRuns
	failTrigger := state.FailStreak >= consecutiveRuns
	if !lowTrigger && !noUpdateTrigger && !failTrigger {
		return state
	}

	currentTier := strings.TrimSpace(state.Tier)
	if currentTier == "" {
		currentTier = TierFromModel(baseModel)
	}
	if currentTier == "haiku" {
		state.Tier = "sonnet"
	} else {
		state.Tier = "opus"
	}
	state.OverrideRunsRemaining = overrideRuns
	state.LowScoreStreak = 0
	state.CriticNoUpdatesStreak = 0
	state.FailStreak = 0
	switch {
	case lowTrigger:
		state.LastTrigger = "low_score"
	case noUpdateTrigger:
		state.LastTrigger = "critic_no_updates"
	default:
		state.LastTrigger = "fail"
	}
	logging.Get(logging.CategoryAgent).Info("critic escalated to %s tier (trigger=%s)", state.Tier, state.LastTrigger)
	return state
}
