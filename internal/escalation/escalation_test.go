package escalation

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTierFromModel(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"claude-haiku-4-5", "haiku"},
		{"claude-sonnet-4-5", "sonnet"},
		{"claude-opus-4-6", "opus"},
		{"something-else", "haiku"},
	}
	for _, tc := range cases {
		if got := TierFromModel(tc.model); got != tc.want {
			t.Fatalf("TierFromModel(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

func TestModelFromTierPreservesBaseModel(t *testing.T) {
	if got := ModelFromTier("haiku", "claude-haiku-4-5"); got != "claude-haiku-4-5" {
		t.Fatalf("haiku tier = %q", got)
	}
	if got := ModelFromTier("sonnet", "claude-haiku-4-5"); got != "claude-sonnet-4-5" {
		t.Fatalf("sonnet tier = %q", got)
	}
	if got := ModelFromTier("opus", "claude-haiku-4-5"); got != "claude-opus-4-6" {
		t.Fatalf("opus tier = %q", got)
	}
}

func TestLoadStateFallbacks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	state := LoadState(path, "claude-haiku-4-5")
	if state.Tier != "haiku" || state.OverrideRunsRemaining != 0 {
		t.Fatalf("missing file state = %+v", state)
	}

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	state = LoadState(path, "claude-sonnet-4-5")
	if state.Tier != "sonnet" {
		t.Fatalf("malformed file state = %+v", state)
	}

	if err := os.WriteFile(path, []byte(`{"tier":"","override_runs_remaining":-2}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	state = LoadState(path, "claude-haiku-4-5")
	if state.Tier != "haiku" || state.OverrideRunsRemaining != 0 {
		t.Fatalf("sanitized state = %+v", state)
	}
}

func TestSaveStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	want := State{Tier: "sonnet", OverrideRunsRemaining: 2, LastTrigger: "low_score"}
	if err := SaveState(path, want); err != nil {
		t.Fatalf("SaveState error = %v", err)
	}
	got := LoadState(path, "claude-haiku-4-5")
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestResolveModelForRun(t *testing.T) {
	base := "claude-haiku-4-5"

	model, state := ResolveModelForRun(base, true, State{Tier: "sonnet", OverrideRunsRemaining: 2})
	if model != "claude-sonnet-4-5" || state.OverrideRunsRemaining != 1 {
		t.Fatalf("active override: model=%q state=%+v", model, state)
	}

	model, state = ResolveModelForRun(base, true, State{Tier: "sonnet", OverrideRunsRemaining: 0})
	if model != base || state.Tier != "haiku" {
		t.Fatalf("expired override: model=%q state=%+v", model, state)
	}

	model, state = ResolveModelForRun(base, false, State{Tier: "opus", OverrideRunsRemaining: 3})
	if model != base || state.OverrideRunsRemaining != 0 {
		t.Fatalf("disabled: model=%q state=%+v", model, state)
	}
}

func TestEscalateIfNeededStreaks(t *testing.T) {
	base := "claude-haiku-4-5"
	state := State{Tier: "haiku"}

	state = EscalateIfNeeded(state, base, true, Outcome{EvalScore: 0.5}, DefaultScoreThreshold, 2)
	if state.LowScoreStreak != 1 || state.OverrideRunsRemaining != 0 {
		t.Fatalf("after first low run: %+v", state)
	}

	state = EscalateIfNeeded(state, base, true, Outcome{EvalScore: 0.4}, DefaultScoreThreshold, 2)
	if state.Tier != "sonnet" || state.OverrideRunsRemaining != 3 {
		t.Fatalf("after bump: %+v", state)
	}
	if state.LowScoreStreak != 0 || state.LastTrigger != "low_score" {
		t.Fatalf("streaks not reset: %+v", state)
	}

	// A passing run resets the streak.
	state = EscalateIfNeeded(State{Tier: "haiku", LowScoreStreak: 1}, base, true,
		Outcome{EvalScore: 0.9, EvalPassed: true}, DefaultScoreThreshold, 2)
	if state.LowScoreStreak != 0 || state.Tier != "haiku" {
		t.Fatalf("reset run: %+v", state)
	}
}

func TestEscalateIfNeededNoUpdatesTrigger(t *testing.T) {
	base := "claude-sonnet-4-5"
	state := State{Tier: "sonnet"}
	outcome := Outcome{EvalScore: 0.9, EvalPassed: false, CriticNoUpdates: true}

	state = EscalateIfNeeded(state, base, true, outcome, DefaultScoreThreshold, 2)
	state = EscalateIfNeeded(state, base, true, outcome, DefaultScoreThreshold, 2)
	if state.Tier != "opus" || state.LastTrigger != "critic_no_updates" {
		t.Fatalf("no-updates bump: %+v", state)
	}
}

func TestEscalateIfNeededFailTrigger(t *testing.T) {
	base := "claude-haiku-4-5"
	state := State{Tier: "haiku"}
	// Scores above threshold, critic still producing updates, but the runs fail.
	outcome := Outcome{EvalScore: 0.9, EvalPassed: false}

	state = EscalateIfNeeded(state, base, true, outcome, DefaultScoreThreshold, 2)
	if state.FailStreak != 1 || state.OverrideRunsRemaining != 0 {
		t.Fatalf("after first failed run: %+v", state)
	}
	state = EscalateIfNeeded(state, base, true, outcome, DefaultScoreThreshold, 2)
	if state.Tier != "sonnet" || state.LastTrigger != "fail" || state.FailStreak != 0 {
		t.Fatalf("fail bump: %+v", state)
	}
}

func TestEscalateIfNeededDisabledStillTracksStreaks(t *testing.T) {
	state := EscalateIfNeeded(State{Tier: "haiku", LowScoreStreak: 5}, "claude-haiku-4-5", false,
		Outcome{EvalScore: 0.1}, DefaultScoreThreshold, 2)
	if state.LowScoreStreak != 6 || state.Tier != "haiku" || state.OverrideRunsRemaining != 0 {
		t.Fatalf("disabled: %+v", state)
	}
}
