package lesson

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "lessons_v2.jsonl"))
}

func mustCandidate(t *testing.T, p CandidateParams) Record {
	t.Helper()
	rec, err := NewCandidate(p)
	if err != nil {
		t.Fatalf("NewCandidate error = %v", err)
	}
	return rec
}

func TestStableLessonIDIgnoresFingerprintOrder(t *testing.T) {
	a := StableLessonID("tally uses arrow syntax", []string{"ef_a", "ef_b"})
	b := StableLessonID("tally uses arrow syntax", []string{"ef_b", "ef_a"})
	if a != b {
		t.Fatalf("lesson ids differ on fingerprint order: %s vs %s", a, b)
	}
	c := StableLessonID("tally uses different syntax", []string{"ef_a", "ef_b"})
	if a == c {
		t.Fatalf("distinct rules share lesson id %s", a)
	}
	if !strings.HasPrefix(a, "lsn_") || len(a) != len("lsn_")+20 {
		t.Fatalf("lesson id shape = %q", a)
	}
}

func TestNewCandidateDefaults(t *testing.T) {
	rec := mustCandidate(t, CandidateParams{
		SessionID:           7,
		TaskID:              "task-1",
		Task:                "gridtool tally",
		Domain:              "gridtool",
		RuleText:            "  TALLY   uses arrow syntax:  TALLY key -> total=sum(amount).  ",
		TriggerFingerprints: []string{"ef_tally"},
	})
	if rec.Status != StatusCandidate {
		t.Fatalf("status = %q, want candidate", rec.Status)
	}
	if rec.Reliability != 0.5 {
		t.Fatalf("reliability = %v, want 0.5", rec.Reliability)
	}
	if strings.Contains(rec.RuleText, "  ") {
		t.Fatalf("rule text not whitespace-collapsed: %q", rec.RuleText)
	}
	if len(rec.Tags) == 0 {
		t.Fatalf("tags not auto-extracted")
	}
	if len(rec.SourceSessionIDs) != 1 || rec.SourceSessionIDs[0] != 7 {
		t.Fatalf("source sessions = %v, want [7]", rec.SourceSessionIDs)
	}
}

func TestNewCandidateCapsRuleText(t *testing.T) {
	rec := mustCandidate(t, CandidateParams{
		SessionID: 1,
		RuleText:  strings.Repeat("x ", 400),
	})
	if len(rec.RuleText) > MaxRuleTextLen {
		t.Fatalf("rule text length = %d, want <= %d", len(rec.RuleText), MaxRuleTextLen)
	}
}

func TestUpsertDedupAcrossSessions(t *testing.T) {
	store := newTestStore(t)
	first := mustCandidate(t, CandidateParams{
		SessionID: 1, Domain: "gridtool",
		RuleText:            "TALLY uses arrow syntax",
		TriggerFingerprints: []string{"ef_tally"},
	})
	second := mustCandidate(t, CandidateParams{
		SessionID: 2, Domain: "gridtool",
		RuleText:            "TALLY uses arrow syntax",
		TriggerFingerprints: []string{"ef_tally"},
	})

	stats, err := store.Upsert([]Record{first})
	if err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	if stats.Inserted != 1 {
		t.Fatalf("inserted = %d, want 1", stats.Inserted)
	}

	stats, err = store.Upsert([]Record{second})
	if err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	if stats.Merged != 1 || stats.Total != 1 {
		t.Fatalf("merged = %d total = %d, want 1/1", stats.Merged, stats.Total)
	}

	records := store.Load()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if got := records[0].SourceSessionIDs; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("source sessions = %v, want [1 2]", got)
	}
}

func TestMergePromotesCandidate(t *testing.T) {
	store := newTestStore(t)
	candidate := mustCandidate(t, CandidateParams{
		SessionID: 1, RuleText: "LOAD path rule", TriggerFingerprints: []string{"ef_load"},
	})
	promoted := mustCandidate(t, CandidateParams{
		SessionID: 2, RuleText: "LOAD path rule", TriggerFingerprints: []string{"ef_load"},
		Status: StatusPromoted,
	})
	if _, err := store.Upsert([]Record{candidate}); err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	if _, err := store.Upsert([]Record{promoted}); err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	records := store.Load()
	if len(records) != 1 || records[0].Status != StatusPromoted {
		t.Fatalf("merged status = %v, want promoted", records)
	}
}

func TestConflictLinking(t *testing.T) {
	store := newTestStore(t)
	a := mustCandidate(t, CandidateParams{
		SessionID: 1, RuleText: "LOAD requires quoted path", TriggerFingerprints: []string{"ef_load"},
	})
	b := mustCandidate(t, CandidateParams{
		SessionID: 2, RuleText: "LOAD does not require quoted path", TriggerFingerprints: []string{"ef_load"},
	})
	stats, err := store.Upsert([]Record{a, b})
	if err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	if stats.ConflictLinks < 1 {
		t.Fatalf("conflict links = %d, want >= 1", stats.ConflictLinks)
	}
	records := store.Load()
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	byID := map[string]Record{}
	for _, rec := range records {
		byID[rec.LessonID] = rec
	}
	for _, rec := range records {
		if len(rec.ConflictLessonIDs) != 1 {
			t.Fatalf("conflicts for %s = %v, want one", rec.LessonID, rec.ConflictLessonIDs)
		}
		other := rec.ConflictLessonIDs[0]
		if _, ok := byID[other]; !ok {
			t.Fatalf("conflict id %s not in store", other)
		}
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	store := newTestStore(t)
	rec := mustCandidate(t, CandidateParams{SessionID: 1, RuleText: "keep this rule"})
	if _, err := store.Upsert([]Record{rec}); err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open store error = %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("append error = %v", err)
	}
	f.Close()

	records := store.Load()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (malformed line skipped)", len(records))
	}
}

func TestLegacyRowAdaptation(t *testing.T) {
	dir := t.TempDir()
	legacyPath := filepath.Join(dir, "lessons.jsonl")
	legacy := `{"session_id": 4, "task_id": "t1", "task": "sqlite import", "lesson": "Use INSERT before SELECT", "eval_score": 1.0, "timestamp": "2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(legacyPath, []byte(legacy+"\n"), 0644); err != nil {
		t.Fatalf("write legacy error = %v", err)
	}

	store := NewStore(filepath.Join(dir, "lessons_v2.jsonl"))
	stats, err := store.MigrateLegacy(legacyPath)
	if err != nil {
		t.Fatalf("MigrateLegacy error = %v", err)
	}
	if stats.Inserted != 1 {
		t.Fatalf("inserted = %d, want 1", stats.Inserted)
	}
	records := store.Load()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	got := records[0]
	if got.Status != StatusPromoted {
		t.Fatalf("legacy status = %q, want promoted", got.Status)
	}
	if got.Reliability < 0.89 || got.Reliability > 0.91 {
		t.Fatalf("legacy reliability = %v, want 0.35 + 0.55*1.0 = 0.90", got.Reliability)
	}

	// Running migration again must not duplicate.
	if _, err := store.MigrateLegacy(legacyPath); err != nil {
		t.Fatalf("second MigrateLegacy error = %v", err)
	}
	if got := len(store.Load()); got != 1 {
		t.Fatalf("records after re-migration = %d, want 1", got)
	}
}

func TestArchiveKeepsRecord(t *testing.T) {
	store := newTestStore(t)
	rec := mustCandidate(t, CandidateParams{SessionID: 1, RuleText: "archive me"})
	if _, err := store.Upsert([]Record{rec}); err != nil {
		t.Fatalf("Upsert error = %v", err)
	}
	count, err := store.Archive([]string{rec.LessonID}, "superseded")
	if err != nil {
		t.Fatalf("Archive error = %v", err)
	}
	if count != 1 {
		t.Fatalf("archived = %d, want 1", count)
	}
	records := store.Load()
	if len(records) != 1 || records[0].Status != StatusArchived || records[0].ArchivedReason != "superseded" {
		t.Fatalf("archived record = %+v", records)
	}
	if records[0].Retrievable() {
		t.Fatalf("archived record reported retrievable")
	}
}
