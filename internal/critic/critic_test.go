package critic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"cortex/internal/llm"
	"cortex/internal/skills"
)

var sqlKeywords = regexp.MustCompile(`(?i)\b(sqlite|sql|table|insert|select|group by|aggregate|csv|import)\b`)

func TestIsGenericAdvice(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"Always be careful with SQL", true},
		{"Remember to quote identifiers", true},
		{"Going forward, test queries first", true},
		{"INSERT with unquoted text values fails with syntax error near the value", false},
	}
	for _, tc := range cases {
		if got := IsGenericAdvice(tc.text); got != tc.want {
			t.Fatalf("IsGenericAdvice(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestQualityScore(t *testing.T) {
	text := "Step 3 failed: the INSERT into the sales table hit a syntax error near the unquoted value"
	got := QualityScore(text, []int{3}, sqlKeywords)
	// Two unique keyword hits (insert, table) plus step ref, error token,
	// and evidence bonus.
	want := 0.30 + 0.2 + 0.2 + 0.15
	if got < want-0.001 || got > want+0.001 {
		t.Fatalf("QualityScore = %v, want %v", got, want)
	}

	if got := QualityScore("nothing relevant here", nil, sqlKeywords); got != 0.0 {
		t.Fatalf("QualityScore(bland) = %v, want 0", got)
	}
}

func TestFilterLessons(t *testing.T) {
	lessons := []GeneratedLesson{
		{Category: "mistake", Lesson: "Always be careful with joins", EvidenceSteps: []int{1}},
		{Category: "mistake", Lesson: "INSERT failed at step 2 with a syntax error in the sales table", EvidenceSteps: []int{2}},
		{Category: "insight", Lesson: "nothing concrete", EvidenceSteps: nil},
	}
	kept := FilterLessons(lessons, sqlKeywords, 0)
	if len(kept) != 1 || !strings.HasPrefix(kept[0].Lesson, "INSERT failed") {
		t.Fatalf("kept = %+v", kept)
	}
}

func TestGenerateLessonsSkipsPassedRun(t *testing.T) {
	fake := llm.NewFake()
	got := GenerateLessons(context.Background(), fake, "m", "sqlite", "t1", "task",
		map[string]any{"passed": true, "score": 1.0}, nil, nil, "")
	if got != nil {
		t.Fatalf("lessons = %v, want nil for passed run", got)
	}
	if len(fake.Requests) != 0 {
		t.Fatalf("model called %d times for passed run", len(fake.Requests))
	}
}

func TestGenerateLessonsParsesAndNormalizes(t *testing.T) {
	reply := `Lessons learned: [
	{"category":"MISTAKE","lesson":"  INSERT   without quotes failed  ","evidence_steps":[3,1,3,-2]},
	{"category":"bogus","lesson":"` + strings.Repeat("a", 300) + `","evidence_steps":"nope"},
	{"category":"shortcut","lesson":""},
	{"category":"insight","lesson":"one"},
	{"category":"insight","lesson":"two"},
	{"category":"insight","lesson":"three"}
	]`
	fake := llm.NewFake(llm.TextResponse(reply))
	got := GenerateLessons(context.Background(), fake, "m", "sqlite", "t1", "task",
		map[string]any{"passed": false, "score": 0.4}, nil, []string{"sqlite/importing-data"}, "")

	if len(got) != 3 {
		t.Fatalf("lessons = %d, want 3 (capped at 4 items, empty dropped)", len(got))
	}
	first := got[0]
	if first.Category != "mistake" || first.Lesson != "INSERT without quotes failed" {
		t.Fatalf("first = %+v", first)
	}
	if !reflect.DeepEqual(first.EvidenceSteps, []int{1, 3}) {
		t.Fatalf("steps = %v", first.EvidenceSteps)
	}
	if got[1].Category != "insight" || len(got[1].Lesson) != 280 {
		t.Fatalf("second = category %q len %d", got[1].Category, len(got[1].Lesson))
	}
}

func TestGenerateLessonsCallFailure(t *testing.T) {
	fake := llm.NewFake()
	fake.EnqueueError(errors.New("overloaded"))
	got := GenerateLessons(context.Background(), fake, "m", "sqlite", "t1", "task",
		map[string]any{"passed": false, "score": 0.0}, nil, nil, "")
	if got != nil {
		t.Fatalf("lessons = %v, want nil on call failure", got)
	}
}

func TestTriggerFingerprints(t *testing.T) {
	recurring := TriggerFingerprints([]string{"fp-b", "fp-a", "fp-b", "fp-c", "fp-c", "fp-d"})
	if !reflect.DeepEqual(recurring, []string{"fp-b", "fp-c"}) {
		t.Fatalf("recurring = %v", recurring)
	}

	topThree := TriggerFingerprints([]string{"fp-d", "fp-a", "fp-c", "fp-b"})
	if !reflect.DeepEqual(topThree, []string{"fp-a", "fp-b", "fp-c"}) {
		t.Fatalf("top three = %v", topThree)
	}

	if got := TriggerFingerprints(nil); got != nil {
		t.Fatalf("empty = %v", got)
	}
}

func TestBuildCandidateRecords(t *testing.T) {
	lessons := []GeneratedLesson{
		{Category: "mistake", Lesson: "Quote text literals in INSERT statements", EvidenceSteps: []int{2}},
	}
	records, err := BuildCandidateRecords(7, "task-1", "import the csv", "sqlite",
		lessons, []string{"fp-x", "fp-x", "fp-y"})
	if err != nil {
		t.Fatalf("BuildCandidateRecords error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	record := records[0]
	if record.Status != "candidate" || record.Reliability != 0.5 {
		t.Fatalf("record = %+v", record)
	}
	if !reflect.DeepEqual(record.TriggerFingerprints, []string{"fp-x"}) {
		t.Fatalf("fingerprints = %v", record.TriggerFingerprints)
	}
	if !reflect.DeepEqual(record.SourceSessionIDs, []int{7}) {
		t.Fatalf("sources = %v", record.SourceSessionIDs)
	}
}

func TestParseReflectionResponse(t *testing.T) {
	raw := `Sure: {
	 "confidence": 0.85,
	 "skill_updates": [
	  {"skill_ref":"sqlite/importing-data","skill_digest":"ABCDEF","root_cause":"  missing  quotes ","evidence_steps":[2,4],
	   "replace_rules":[{"find":"old  guidance","replace":"new guidance"},{"find":"","replace":"x"}],
	   "append_bullets":["  quote   text values  ",""]},
	  {"skill_ref":"sqlite/aggregates","skill_digest":"dd","root_cause":"no steps","evidence_steps":[]},
	  {"skill_ref":"sqlite/empty","skill_digest":"ee","root_cause":"rc","evidence_steps":[1]}
	 ]}`
	updates, confidence := ParseReflectionResponse(raw)
	if confidence != 0.85 {
		t.Fatalf("confidence = %v", confidence)
	}
	if len(updates) != 1 {
		t.Fatalf("updates = %+v", updates)
	}
	update := updates[0]
	if update.SkillDigest != "abcdef" || update.RootCause != "missing quotes" {
		t.Fatalf("update = %+v", update)
	}
	if len(update.ReplaceRules) != 1 || update.ReplaceRules[0].Find != "old guidance" {
		t.Fatalf("rules = %+v", update.ReplaceRules)
	}
	if len(update.AppendBullets) != 1 || update.AppendBullets[0] != "quote text values" {
		t.Fatalf("bullets = %+v", update.AppendBullets)
	}

	if updates, confidence := ParseReflectionResponse("not json at all"); updates != nil || confidence != 0.0 {
		t.Fatalf("garbage = %v, %v", updates, confidence)
	}
}

func TestProposeSkillUpdatesCallFailure(t *testing.T) {
	fake := llm.NewFake()
	fake.EnqueueError(errors.New("overloaded"))
	updates, confidence, raw := ProposeSkillUpdates(context.Background(), fake, "m", "task",
		nil, nil, nil, nil, nil, nil)
	if updates != nil || confidence != 0.0 {
		t.Fatalf("updates = %v, confidence = %v", updates, confidence)
	}
	if !strings.HasPrefix(raw, "critic_call_failed:") {
		t.Fatalf("raw = %q", raw)
	}
}

func writePatchSkill(t *testing.T, root, rel, body string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
	return path
}

const patchSkillBody = `---
name: importing-data
description: CSV import guidance
version: 2
---

# Importing Data

Use .import for bulk loads.
Old guidance about quoting.
`

func patchFixture(t *testing.T) (skillsRoot, manifestPath, skillPath string, entries []skills.ManifestEntry) {
	t.Helper()
	dir := t.TempDir()
	skillsRoot = filepath.Join(dir, "skills")
	manifestPath = filepath.Join(dir, "manifest.json")
	skillPath = writePatchSkill(t, skillsRoot, "sqlite/importing-data/SKILL.md", patchSkillBody)
	entries, err := skills.BuildManifest(skillsRoot, manifestPath, skills.DefaultConfidence)
	if err != nil {
		t.Fatalf("BuildManifest error = %v", err)
	}
	return skillsRoot, manifestPath, skillPath, entries
}

func TestApplySkillUpdatesEndToEnd(t *testing.T) {
	skillsRoot, manifestPath, skillPath, entries := patchFixture(t)

	update := SkillUpdate{
		SkillRef:      "sqlite/importing-data",
		SkillDigest:   SkillDigest(patchSkillBody),
		RootCause:     "text values were not quoted",
		EvidenceSteps: []int{4, 2, 2},
		ReplaceRules:  []ReplaceRule{{Find: "Old guidance about quoting.", Replace: "Quote text literals with single quotes."}},
		AppendBullets: []string{"Wrap every text literal in single quotes before INSERT"},
	}
	result := ApplySkillUpdates(entries, []SkillUpdate{update}, 0.9, skillsRoot, manifestPath, ApplyOptions{
		RequiredSkillDigests: map[string]string{update.SkillRef: update.SkillDigest},
	})
	if result.Applied != 1 || result.SkippedReason != "" {
		t.Fatalf("result = %+v", result)
	}

	data, err := os.ReadFile(skillPath)
	if err != nil {
		t.Fatalf("read skill: %v", err)
	}
	text := string(data)
	if strings.Contains(text, "Old guidance about quoting.") {
		t.Fatalf("replace rule not applied:\n%s", text)
	}
	if !strings.Contains(text, "## Learned Updates") {
		t.Fatalf("learned section missing:\n%s", text)
	}
	stamp := time.Now().UTC().Format("2006-01-02")
	wantLine := fmt.Sprintf("- [%s] Wrap every text literal in single quotes before INSERT (evidence steps: 2, 4)", stamp)
	if !strings.Contains(text, wantLine) {
		t.Fatalf("bullet missing, want %q in:\n%s", wantLine, text)
	}
	if !strings.Contains(text, "version: 3") {
		t.Fatalf("version not bumped:\n%s", text)
	}
	if _, err := os.Stat(skillPath + ".bak"); err != nil {
		t.Fatalf("backup missing: %v", err)
	}

	// Manifest is rebuilt with the bumped version.
	rebuilt, err := skills.LoadManifest(manifestPath)
	if err != nil {
		t.Fatalf("LoadManifest error = %v", err)
	}
	if len(rebuilt) != 1 || rebuilt[0].Version != 3 {
		t.Fatalf("rebuilt manifest = %+v", rebuilt)
	}
}

func TestApplySkillUpdatesGates(t *testing.T) {
	skillsRoot, manifestPath, _, entries := patchFixture(t)
	update := SkillUpdate{
		SkillRef:      "sqlite/importing-data",
		SkillDigest:   SkillDigest(patchSkillBody),
		RootCause:     "rc",
		EvidenceSteps: []int{1},
		AppendBullets: []string{"Something new about sqlite imports"},
	}

	if result := ApplySkillUpdates(entries, nil, 0.9, skillsRoot, manifestPath, ApplyOptions{}); result.SkippedReason != "no_updates" {
		t.Fatalf("no updates: %+v", result)
	}
	if result := ApplySkillUpdates(entries, []SkillUpdate{update}, 0.5, skillsRoot, manifestPath, ApplyOptions{}); result.SkippedReason != "low_confidence<0.7" {
		t.Fatalf("low confidence: %+v", result)
	}
	stale := update
	stale.SkillDigest = "deadbeef"
	result := ApplySkillUpdates(entries, []SkillUpdate{stale}, 0.9, skillsRoot, manifestPath, ApplyOptions{
		RequiredSkillDigests: map[string]string{stale.SkillRef: SkillDigest(patchSkillBody)},
	})
	if result.Applied != 0 || result.SkippedReason != "no_applicable_changes" {
		t.Fatalf("stale digest: %+v", result)
	}
}

func TestApplySkillUpdatesDeduplicatesBullets(t *testing.T) {
	skillsRoot, manifestPath, skillPath, entries := patchFixture(t)
	update := SkillUpdate{
		SkillRef:      "sqlite/importing-data",
		SkillDigest:   SkillDigest(patchSkillBody),
		RootCause:     "rc",
		EvidenceSteps: []int{1},
		AppendBullets: []string{"Use .import for bulk loads here"},
	}
	result := ApplySkillUpdates(entries, []SkillUpdate{update}, 0.9, skillsRoot, manifestPath, ApplyOptions{})
	if result.Applied != 0 || result.SkippedReason != "no_applicable_changes" {
		t.Fatalf("near-duplicate bullet applied: %+v", result)
	}
	data, _ := os.ReadFile(skillPath)
	if string(data) != patchSkillBody {
		t.Fatalf("skill file changed:\n%s", data)
	}
}

func TestQueueSkillUpdateCandidates(t *testing.T) {
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "state", "queue.json")
	update := SkillUpdate{
		SkillRef:      "sqlite/importing-data",
		SkillDigest:   "aa",
		RootCause:     "rc",
		EvidenceSteps: []int{2},
		AppendBullets: []string{"bullet"},
	}

	result := QueueSkillUpdateCandidates(queuePath, []SkillUpdate{update}, 0.8, 5, "task-1", nil, ApplyOptions{})
	if result.Queued != 1 || result.SkippedReason != "" {
		t.Fatalf("result = %+v", result)
	}
	queue := readQueue(queuePath)
	if len(queue) != 1 || queue[0].TaskID != "task-1" || queue[0].SessionID != 5 {
		t.Fatalf("queue = %+v", queue)
	}
	if !strings.HasSuffix(queue[0].ID, "-5") {
		t.Fatalf("id = %q", queue[0].ID)
	}

	gated := update
	gated.RootCause = ""
	result = QueueSkillUpdateCandidates(queuePath, []SkillUpdate{gated}, 0.8, 6, "task-1", nil, ApplyOptions{})
	if result.SkippedReason != "no_updates_after_gates" {
		t.Fatalf("gated result = %+v", result)
	}
	if result := QueueSkillUpdateCandidates(queuePath, []SkillUpdate{update}, 0.2, 6, "task-1", nil, ApplyOptions{}); result.SkippedReason != "low_confidence<0.7" {
		t.Fatalf("low confidence: %+v", result)
	}
}

func writeSessionMetrics(t *testing.T, sessionsRoot string, sessionID int, taskID string, score float64) {
	t.Helper()
	dir := filepath.Join(sessionsRoot, fmt.Sprintf("session-%d", sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	metrics := map[string]any{
		"session_id":  sessionID,
		"task_id":     taskID,
		"eval_score":  score,
		"eval_passed": score >= 1.0,
	}
	data, _ := json.MarshalIndent(metrics, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "metrics.json"), data, 0o644); err != nil {
		t.Fatalf("write metrics: %v", err)
	}
}

func TestScoresImproving(t *testing.T) {
	rows := []ScoreRow{{Score: 0.2}, {Score: 0.5}, {Score: 0.6}}
	if !scoresImproving(rows, 3, 0.2) {
		t.Fatalf("monotonic trend rejected")
	}
	if scoresImproving([]ScoreRow{{Score: 0.5}, {Score: 0.4}, {Score: 0.9}}, 3, 0.2) {
		t.Fatalf("non-monotonic trend accepted")
	}
	if scoresImproving([]ScoreRow{{Score: 0.5}, {Score: 0.5}, {Score: 0.6}}, 3, 0.2) {
		t.Fatalf("small delta accepted")
	}
	if scoresImproving(rows[:2], 3, 0.2) {
		t.Fatalf("short history accepted")
	}
}

func TestAutoPromoteQueuedCandidates(t *testing.T) {
	skillsRoot, manifestPath, skillPath, entries := patchFixture(t)
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "queue.json")
	promotedPath := filepath.Join(dir, "promoted.json")
	sessionsRoot := filepath.Join(dir, "sessions")

	update := SkillUpdate{
		SkillRef:      "sqlite/importing-data",
		SkillDigest:   SkillDigest(patchSkillBody),
		RootCause:     "text values were not quoted",
		EvidenceSteps: []int{2},
		AppendBullets: []string{"Quote text literals before running INSERT statements"},
	}
	queued := QueueSkillUpdateCandidates(queuePath, []SkillUpdate{update}, 0.9, 3, "task-1", nil, ApplyOptions{})
	if queued.Queued != 1 {
		t.Fatalf("queue setup failed: %+v", queued)
	}

	result := AutoPromoteQueuedCandidates(entries, queuePath, promotedPath, sessionsRoot, "task-1", skillsRoot, manifestPath)
	if result.Reason != "insufficient_runs_for_promotion" {
		t.Fatalf("no history: %+v", result)
	}

	writeSessionMetrics(t, sessionsRoot, 1, "task-1", 0.3)
	writeSessionMetrics(t, sessionsRoot, 2, "task-1", 0.5)
	writeSessionMetrics(t, sessionsRoot, 3, "task-1", 0.4)
	result = AutoPromoteQueuedCandidates(entries, queuePath, promotedPath, sessionsRoot, "task-1", skillsRoot, manifestPath)
	if result.Reason != "score_not_improving" {
		t.Fatalf("flat trend: %+v", result)
	}

	writeSessionMetrics(t, sessionsRoot, 3, "task-1", 0.6)
	writeSessionMetrics(t, sessionsRoot, 4, "other-task", 1.0)
	result = AutoPromoteQueuedCandidates(entries, queuePath, promotedPath, sessionsRoot, "task-1", skillsRoot, manifestPath)
	if result.Applied != 1 || result.PromotedID == "" {
		t.Fatalf("promotion failed: %+v", result)
	}
	if len(result.GateScores) != 3 {
		t.Fatalf("gate scores = %+v", result.GateScores)
	}

	if queue := readQueue(queuePath); len(queue) != 0 {
		t.Fatalf("queue not drained: %+v", queue)
	}
	promotedData, err := os.ReadFile(promotedPath)
	if err != nil {
		t.Fatalf("promoted ledger missing: %v", err)
	}
	var promoted []map[string]any
	if err := json.Unmarshal(promotedData, &promoted); err != nil {
		t.Fatalf("promoted ledger malformed: %v", err)
	}
	if len(promoted) != 1 || promoted[0]["id"] != result.PromotedID {
		t.Fatalf("promoted = %+v", promoted)
	}
	data, _ := os.ReadFile(skillPath)
	if !strings.Contains(string(data), "Quote text literals before running INSERT statements") {
		t.Fatalf("skill not patched:\n%s", data)
	}

	result = AutoPromoteQueuedCandidates(entries, queuePath, promotedPath, sessionsRoot, "task-1", skillsRoot, manifestPath)
	if result.Reason != "empty_queue" {
		t.Fatalf("drained queue: %+v", result)
	}
}
