package critic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/skills"
)

// Legacy skill-patch pipeline: a reflection model proposes small edits to
// SKILL.md files, edits are queued per task, and a queued candidate is only
// promoted once the task's recent eval scores trend upward.

const (
	// MinPatchConfidence gates both direct applies and queueing.
	MinPatchConfidence = 0.7
	// MaxSkillsPerPatch caps how many skills one reflection may touch.
	MaxSkillsPerPatch = 2

	learnedSection = "## Learned Updates"

	// Promotion gates: scores must be monotonically non-decreasing over the
	// last PromoteMinRuns runs and improve by at least PromoteMinDelta.
	PromoteMinRuns     = 3
	PromoteMinDelta    = 0.2
	PromoteMaxSessions = 8
)

// ReplaceRule rewrites one weak guidance span inside a skill file.
type ReplaceRule struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

// SkillUpdate is one proposed patch against a single skill file.
type SkillUpdate struct {
	SkillRef      string        `json:"skill_ref"`
	SkillDigest   string        `json:"skill_digest"`
	RootCause     string        `json:"root_cause"`
	EvidenceSteps []int         `json:"evidence_steps"`
	ReplaceRules  []ReplaceRule `json:"replace_rules"`
	AppendBullets []string      `json:"append_bullets"`
}

// SkillDigest is the content hash a proposed update must match before apply.
func SkillDigest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

var patchTokenRe = regexp.MustCompile(`[a-z0-9]+`)

func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range patchTokenRe.FindAllString(strings.ToLower(text), -1) {
		set[tok] = true
	}
	return set
}

func jaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func extractJSONObject(raw string) map[string]any {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil
	}
	return parsed
}

func normalizeUpdateItem(item map[string]any) (SkillUpdate, bool) {
	skillRef, refOK := item["skill_ref"].(string)
	digest, digestOK := item["skill_digest"].(string)
	rootCause, causeOK := item["root_cause"].(string)
	if !refOK || !digestOK || !causeOK {
		return SkillUpdate{}, false
	}
	steps := normalizeSteps(item["evidence_steps"])
	if len(steps) == 0 {
		return SkillUpdate{}, false
	}

	var rules []ReplaceRule
	if rawRules, ok := item["replace_rules"].([]any); ok {
		for _, rawRule := range rawRules {
			if len(rules) >= 5 {
				break
			}
			rule, ok := rawRule.(map[string]any)
			if !ok {
				continue
			}
			find, findOK := rule["find"].(string)
			replace, replaceOK := rule["replace"].(string)
			if !findOK || !replaceOK {
				continue
			}
			find = strings.Join(strings.Fields(find), " ")
			replace = strings.Join(strings.Fields(replace), " ")
			if find == "" || replace == "" {
				continue
			}
			rules = append(rules, ReplaceRule{Find: find, Replace: replace})
		}
	}

	var bullets []string
	if rawBullets, ok := item["append_bullets"].([]any); ok {
		for _, rawBullet := range rawBullets {
			if len(bullets) >= 5 {
				break
			}
			bullet, ok := rawBullet.(string)
			if !ok {
				continue
			}
			normalized := strings.Join(strings.Fields(bullet), " ")
			if normalized == "" {
				continue
			}
			if len(normalized) > 220 {
				normalized = normalized[:220]
			}
			bullets = append(bullets, normalized)
		}
	}

	if len(rules) == 0 && len(bullets) == 0 {
		return SkillUpdate{}, false
	}
	rootCause = strings.Join(strings.Fields(rootCause), " ")
	if len(rootCause) > 400 {
		rootCause = rootCause[:400]
	}
	return SkillUpdate{
		SkillRef:      strings.TrimSpace(skillRef),
		SkillDigest:   strings.ToLower(strings.TrimSpace(digest)),
		RootCause:     rootCause,
		EvidenceSteps: steps,
		ReplaceRules:  rules,
		AppendBullets: bullets,
	}, true
}

// ParseReflectionResponse extracts gated skill updates and the model's
// self-reported confidence from a reflection reply.
func ParseReflectionResponse(raw string) ([]SkillUpdate, float64) {
	obj := extractJSONObject(raw)
	if obj == nil {
		return nil, 0.0
	}
	confidence, _ := obj["confidence"].(float64)
	rawUpdates, ok := obj["skill_updates"].([]any)
	if !ok {
		return nil, confidence
	}
	var updates []SkillUpdate
	for _, rawItem := range rawUpdates {
		item, ok := rawItem.(map[string]any)
		if !ok {
			continue
		}
		if update, ok := normalizeUpdateItem(item); ok {
			updates = append(updates, update)
		}
	}
	return updates, confidence
}

func reflectionSystemPrompt() string {
	return "You are PostTaskHook for skill maintenance.\n" +
		"Return STRICT JSON only:\n" +
		"{\n" +
		"  \"confidence\": 0.0,\n" +
		"  \"skill_updates\": [\n" +
		"    {\n" +
		"      \"skill_ref\": \"...\",\n" +
		"      \"skill_digest\": \"...\",\n" +
		"      \"root_cause\": \"...\",\n" +
		"      \"evidence_steps\": [2,4],\n" +
		"      \"replace_rules\": [{\"find\":\"...\",\"replace\":\"...\"}],\n" +
		"      \"append_bullets\": [\"...\"]\n" +
		"    }\n" +
		"  ]\n" +
		"}\n" +
		"Rules:\n" +
		"- Use deterministic eval as primary signal.\n" +
		"- If eval passed=true, return no updates.\n" +
		"- Do not repeat existing skill guidance.\n" +
		"- Max 2 skills, max 3 bullets per skill.\n"
}

// ProposeSkillUpdates asks the reflection model for skill patches. The raw
// reply is returned for audit logging even when no updates survive gating.
func ProposeSkillUpdates(ctx context.Context, client llm.Client, model, task string,
	metrics, evalResult map[string]any, eventsTail []map[string]any,
	routedSkillRefs, readSkillRefs, skillSnapshots []string) ([]SkillUpdate, float64, string) {

	metricsJSON, _ := json.Marshal(metrics)
	evalJSON, _ := json.Marshal(evalResult)
	eventsJSON, _ := json.Marshal(eventsTail)
	routedJSON, _ := json.Marshal(routedSkillRefs)
	readJSON, _ := json.Marshal(readSkillRefs)
	snapshotsJSON, _ := json.Marshal(skillSnapshots)
	user := fmt.Sprintf(
		"TASK:\n%s\n\nMETRICS:\n%s\n\nEVAL:\n%s\n\nEVENTS_TAIL:\n%s\n\nROUTED_SKILLS:\n%s\n\nREAD_SKILLS:\n%s\n\nSKILL_SNAPSHOTS:\n%s",
		task, metricsJSON, evalJSON, eventsJSON, routedJSON, readJSON, snapshotsJSON)

	resp, err := client.CreateMessage(ctx, llm.Request{
		Model:     model,
		MaxTokens: 900,
		System:    reflectionSystemPrompt(),
		Messages:  []llm.Message{llm.TextMessage("user", user)},
	})
	if err != nil {
		logging.Get(logging.CategoryEval).Warn("skill reflection call failed: %v", err)
		return nil, 0.0, fmt.Sprintf("critic_call_failed:%v", err)
	}

	raw := resp.Text()
	updates, confidence := ParseReflectionResponse(raw)
	return updates, confidence, raw
}

// frontMatterSpan returns the key/value metadata and the byte length of the
// front matter block including both fences, or -1 when there is none.
func frontMatterSpan(text string) (map[string]string, int) {
	lines := strings.SplitAfter(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return nil, -1
	}
	end := -1
	for idx := 1; idx < len(lines); idx++ {
		if strings.TrimSpace(lines[idx]) == "---" {
			end = idx
			break
		}
	}
	if end == -1 {
		return nil, -1
	}
	meta := map[string]string{}
	for _, line := range lines[1:end] {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") || !strings.Contains(stripped, ":") {
			continue
		}
		key, value, _ := strings.Cut(stripped, ":")
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"`)
		value = strings.Trim(value, `'`)
		meta[strings.TrimSpace(key)] = value
	}
	span := 0
	for _, line := range lines[:end+1] {
		span += len(line)
	}
	return meta, span
}

func renderFrontMatter(meta map[string]string) string {
	preferred := []string{"name", "description", "version"}
	var out strings.Builder
	out.WriteString("---\n")
	for _, key := range preferred {
		if value := strings.TrimSpace(meta[key]); value != "" {
			out.WriteString(key + ": " + value + "\n")
		}
	}
	keys := make([]string, 0, len(meta))
	for key := range meta {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		switch key {
		case "name", "description", "version":
			continue
		}
		if value := strings.TrimSpace(meta[key]); value != "" {
			out.WriteString(key + ": " + value + "\n")
		}
	}
	out.WriteString("---\n")
	return out.String()
}

func bumpFrontMatterVersion(text string) string {
	meta, span := frontMatterSpan(text)
	if span == -1 {
		return text
	}
	version := 1
	if raw := strings.TrimSpace(meta["version"]); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}
	if version < 1 {
		version = 1
	}
	meta["version"] = strconv.Itoa(version + 1)
	return renderFrontMatter(meta) + text[span:]
}

// ApplyResult reports what a patch apply (or queue / promote) did.
type ApplyResult struct {
	Attempted        bool     `json:"attempted"`
	Applied          int      `json:"applied"`
	UpdatedSkillRefs []string `json:"updated_skill_refs"`
	Confidence       float64  `json:"confidence"`
	SkippedReason    string   `json:"skipped_reason,omitempty"`
}

// ApplyOptions tune gating for ApplySkillUpdates. Zero values fall back to
// the package defaults; nil digest/ref maps disable those checks.
type ApplyOptions struct {
	MinConfidence        float64
	MaxSkills            int
	RequiredSkillDigests map[string]string
	AllowedSkillRefs     map[string]bool
}

func (o ApplyOptions) withDefaults() ApplyOptions {
	if o.MinConfidence <= 0 {
		o.MinConfidence = MinPatchConfidence
	}
	if o.MaxSkills <= 0 {
		o.MaxSkills = MaxSkillsPerPatch
	}
	return o
}

// ApplySkillUpdates edits skill files in place: replace rules first, then
// deduplicated dated bullets under a Learned Updates section. Changed files
// get a one-time .bak backup and a front matter version bump, and the
// manifest is rebuilt after any apply.
func ApplySkillUpdates(entries []skills.ManifestEntry, updates []SkillUpdate, confidence float64,
	skillsRoot, manifestPath string, opts ApplyOptions) ApplyResult {

	opts = opts.withDefaults()
	result := ApplyResult{
		Attempted:        len(updates) > 0,
		UpdatedSkillRefs: []string{},
		Confidence:       confidence,
	}
	if len(updates) == 0 {
		result.SkippedReason = "no_updates"
		return result
	}
	if confidence < opts.MinConfidence {
		result.SkippedReason = fmt.Sprintf("low_confidence<%v", opts.MinConfidence)
		return result
	}

	byRef := map[string]skills.ManifestEntry{}
	for _, entry := range entries {
		byRef[entry.SkillRef] = entry
	}
	stamp := utcStamp()

	limit := opts.MaxSkills
	if limit > len(updates) {
		limit = len(updates)
	}
	for _, update := range updates[:limit] {
		entry, ok := byRef[update.SkillRef]
		if !ok {
			continue
		}
		if opts.AllowedSkillRefs != nil && !opts.AllowedSkillRefs[update.SkillRef] {
			continue
		}
		if opts.RequiredSkillDigests != nil {
			expected := strings.ToLower(opts.RequiredSkillDigests[update.SkillRef])
			if expected == "" || expected != strings.ToLower(update.SkillDigest) {
				continue
			}
		}

		data, err := os.ReadFile(entry.Path)
		if err != nil {
			continue
		}
		original := string(data)
		if opts.RequiredSkillDigests != nil {
			expected := strings.ToLower(opts.RequiredSkillDigests[update.SkillRef])
			if expected != "" && SkillDigest(original) != expected {
				continue
			}
		}
		text := original
		var existingLines []string
		for _, line := range strings.Split(original, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				existingLines = append(existingLines, trimmed)
			}
		}
		changed := false

		// Replace weak guidance before appending new lines.
		for _, rule := range update.ReplaceRules {
			if strings.Contains(text, rule.Find) && !strings.Contains(text, rule.Replace) {
				text = strings.Replace(text, rule.Find, rule.Replace, 1)
				changed = true
			}
		}

		if !strings.Contains(text, learnedSection) {
			if !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			text += "\n" + learnedSection + "\n"
		}

		evidence := evidenceText(update.EvidenceSteps)
		for _, bullet := range update.AppendBullets {
			duplicate := false
			for _, line := range existingLines {
				if jaccard(bullet, line) >= 0.55 {
					duplicate = true
					break
				}
			}
			if duplicate {
				continue
			}
			line := fmt.Sprintf("- [%s] %s (evidence steps: %s)", stamp, bullet, evidence)
			if strings.Contains(text, line) {
				continue
			}
			if !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			text += line + "\n"
			changed = true
		}

		if changed && text != original {
			text = bumpFrontMatterVersion(text)
			backup := entry.Path + ".bak"
			if _, err := os.Stat(backup); os.IsNotExist(err) {
				if err := os.WriteFile(backup, []byte(original), 0o644); err != nil {
					logging.Get(logging.CategorySkills).Warn("skill backup write failed: %v", err)
					continue
				}
			}
			if err := os.WriteFile(entry.Path, []byte(text), 0o644); err != nil {
				logging.Get(logging.CategorySkills).Warn("skill patch write failed for %s: %v", update.SkillRef, err)
				continue
			}
			result.Applied++
			result.UpdatedSkillRefs = append(result.UpdatedSkillRefs, update.SkillRef)
		}
	}

	if result.Applied <= 0 && result.SkippedReason == "" {
		result.SkippedReason = "no_applicable_changes"
	}
	if result.Applied > 0 {
		if _, err := skills.BuildManifest(skillsRoot, manifestPath, skills.DefaultConfidence); err != nil {
			logging.Get(logging.CategorySkills).Warn("manifest rebuild after patch failed: %v", err)
		}
	}
	return result
}

func evidenceText(steps []int) string {
	sorted := append([]int(nil), steps...)
	sort.Ints(sorted)
	unique := sorted[:0]
	seen := map[int]bool{}
	for _, step := range sorted {
		if !seen[step] {
			seen[step] = true
			unique = append(unique, step)
		}
	}
	if len(unique) > 4 {
		unique = unique[:4]
	}
	parts := make([]string, len(unique))
	for idx, step := range unique {
		parts[idx] = strconv.Itoa(step)
	}
	return strings.Join(parts, ", ")
}

// QueueResult reports what QueueSkillUpdateCandidates did.
type QueueResult struct {
	Attempted       bool     `json:"attempted"`
	Queued          int      `json:"queued"`
	Confidence      float64  `json:"confidence"`
	QueuedSkillRefs []string `json:"queued_skill_refs"`
	QueuePath       string   `json:"queue_path"`
	SkippedReason   string   `json:"skipped_reason,omitempty"`
}

// QueuedCandidate is one queue row awaiting trend-gated promotion.
type QueuedCandidate struct {
	ID         string         `json:"id"`
	CreatedAt  string         `json:"created_at"`
	SessionID  int            `json:"session_id"`
	TaskID     string         `json:"task_id"`
	Confidence float64        `json:"confidence"`
	Evaluation map[string]any `json:"evaluation"`
	Updates    []SkillUpdate  `json:"updates"`
}

func readQueue(queuePath string) []QueuedCandidate {
	data, err := os.ReadFile(queuePath)
	if err != nil {
		return nil
	}
	var queue []QueuedCandidate
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil
	}
	return queue
}

func writeJSONArray(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// QueueSkillUpdateCandidates appends gated updates to the promotion queue
// instead of applying them immediately.
func QueueSkillUpdateCandidates(queuePath string, updates []SkillUpdate, confidence float64,
	sessionID int, taskID string, evaluation map[string]any, opts ApplyOptions) QueueResult {

	opts = opts.withDefaults()
	result := QueueResult{
		Attempted:       len(updates) > 0,
		Confidence:      confidence,
		QueuedSkillRefs: []string{},
		QueuePath:       queuePath,
	}
	if len(updates) == 0 {
		result.SkippedReason = "no_updates"
		return result
	}
	if confidence < opts.MinConfidence {
		result.SkippedReason = fmt.Sprintf("low_confidence<%v", opts.MinConfidence)
		return result
	}

	limit := opts.MaxSkills
	if limit > len(updates) {
		limit = len(updates)
	}
	var payload []SkillUpdate
	for _, update := range updates[:limit] {
		if opts.AllowedSkillRefs != nil && !opts.AllowedSkillRefs[update.SkillRef] {
			continue
		}
		if opts.RequiredSkillDigests != nil {
			expected := strings.ToLower(opts.RequiredSkillDigests[update.SkillRef])
			if expected == "" || expected != strings.ToLower(update.SkillDigest) {
				continue
			}
		}
		if update.RootCause == "" || len(update.EvidenceSteps) == 0 {
			continue
		}
		payload = append(payload, update)
	}
	if len(payload) == 0 {
		result.SkippedReason = "no_updates_after_gates"
		return result
	}

	queue := readQueue(queuePath)
	now := time.Now().UTC()
	if evaluation == nil {
		evaluation = map[string]any{}
	}
	queue = append(queue, QueuedCandidate{
		ID:         fmt.Sprintf("%d-%d", now.Unix(), sessionID),
		CreatedAt:  now.Format(time.RFC3339),
		SessionID:  sessionID,
		TaskID:     taskID,
		Confidence: confidence,
		Evaluation: evaluation,
		Updates:    payload,
	})
	if err := writeJSONArray(queuePath, queue); err != nil {
		logging.Get(logging.CategorySkills).Warn("queue write failed: %v", err)
		result.SkippedReason = "queue_write_failed"
		return result
	}
	result.Queued = len(payload)
	for _, update := range payload {
		result.QueuedSkillRefs = append(result.QueuedSkillRefs, update.SkillRef)
	}
	return result
}

// ScoreRow is one per-session eval score used by the promotion trend gate.
type ScoreRow struct {
	SessionID int     `json:"session_id"`
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
}

func collectRecentScores(sessionsRoot, taskID string, maxSessions int) []ScoreRow {
	dirEntries, err := os.ReadDir(sessionsRoot)
	if err != nil {
		return nil
	}
	type sessionDir struct {
		name string
		num  int
	}
	var dirs []sessionDir
	for _, entry := range dirEntries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "session-") {
			continue
		}
		suffix := entry.Name()[strings.LastIndex(entry.Name(), "-")+1:]
		num, err := strconv.Atoi(suffix)
		if err != nil {
			num = 0
		}
		dirs = append(dirs, sessionDir{entry.Name(), num})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].num < dirs[j].num })

	var rows []ScoreRow
	for _, dir := range dirs {
		data, err := os.ReadFile(filepath.Join(sessionsRoot, dir.name, "metrics.json"))
		if err != nil {
			continue
		}
		var metrics map[string]any
		if err := json.Unmarshal(data, &metrics); err != nil {
			continue
		}
		if strings.TrimSpace(fmt.Sprint(metrics["task_id"])) != taskID {
			continue
		}
		score, _ := metrics["eval_score"].(float64)
		sessionNum := 0
		if value, ok := metrics["session_id"].(float64); ok {
			sessionNum = int(value)
		}
		passed, _ := metrics["eval_passed"].(bool)
		rows = append(rows, ScoreRow{SessionID: sessionNum, Score: score, Passed: passed})
	}
	if len(rows) > maxSessions {
		rows = rows[len(rows)-maxSessions:]
	}
	return rows
}

func scoresImproving(rows []ScoreRow, minRuns int, minDelta float64) bool {
	if len(rows) < minRuns {
		return false
	}
	recent := rows[len(rows)-minRuns:]
	for idx := 0; idx < len(recent)-1; idx++ {
		if recent[idx].Score > recent[idx+1].Score {
			return false
		}
	}
	return recent[len(recent)-1].Score-recent[0].Score >= minDelta
}

// PromoteResult reports what AutoPromoteQueuedCandidates did.
type PromoteResult struct {
	Attempted  bool        `json:"attempted"`
	Applied    int         `json:"applied"`
	PromotedID string      `json:"promoted_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	GateScores []ScoreRow  `json:"gate_scores"`
	ApplyInfo  ApplyResult `json:"apply_result"`
}

type promotedRow struct {
	ID          string          `json:"id"`
	PromotedAt  string          `json:"promoted_at"`
	Candidate   QueuedCandidate `json:"candidate"`
	GateScores  []ScoreRow      `json:"gate_scores"`
	ApplyResult ApplyResult     `json:"apply_result"`
}

// AutoPromoteQueuedCandidates applies the best queued candidate for a task,
// but only once the task's recent eval scores are monotonically improving.
// Promoted candidates leave the queue and land in the promoted ledger.
func AutoPromoteQueuedCandidates(entries []skills.ManifestEntry, queuePath, promotedPath,
	sessionsRoot, taskID, skillsRoot, manifestPath string) PromoteResult {

	result := PromoteResult{Attempted: true, GateScores: []ScoreRow{}}
	if _, err := os.Stat(queuePath); err != nil {
		result.Reason = "no_queue"
		return result
	}
	queue := readQueue(queuePath)
	if len(queue) == 0 {
		result.Reason = "empty_queue"
		return result
	}

	scoreRows := collectRecentScores(sessionsRoot, taskID, PromoteMaxSessions)
	result.GateScores = scoreRows
	if len(scoreRows) < PromoteMinRuns {
		result.Reason = "insufficient_runs_for_promotion"
		return result
	}
	if !scoresImproving(scoreRows, PromoteMinRuns, PromoteMinDelta) {
		result.Reason = "score_not_improving"
		return result
	}

	var candidates []QueuedCandidate
	for _, candidate := range queue {
		if strings.TrimSpace(candidate.TaskID) == taskID {
			candidates = append(candidates, candidate)
		}
	}
	if len(candidates) == 0 {
		result.Reason = "no_task_candidates"
		return result
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].SessionID > candidates[j].SessionID
	})
	candidate := candidates[0]
	if len(candidate.Updates) == 0 {
		result.Reason = "candidate_has_no_updates"
		return result
	}

	requiredDigests := map[string]string{}
	allowedRefs := map[string]bool{}
	for _, update := range candidate.Updates {
		requiredDigests[update.SkillRef] = update.SkillDigest
		allowedRefs[update.SkillRef] = true
	}
	applyResult := ApplySkillUpdates(entries, candidate.Updates, candidate.Confidence,
		skillsRoot, manifestPath, ApplyOptions{
			RequiredSkillDigests: requiredDigests,
			AllowedSkillRefs:     allowedRefs,
		})
	result.Applied = applyResult.Applied
	result.Reason = applyResult.SkippedReason
	result.ApplyInfo = applyResult
	if applyResult.Applied <= 0 {
		return result
	}

	result.PromotedID = candidate.ID
	var remaining []QueuedCandidate
	for _, item := range queue {
		if item.ID != candidate.ID {
			remaining = append(remaining, item)
		}
	}
	if remaining == nil {
		remaining = []QueuedCandidate{}
	}
	if err := writeJSONArray(queuePath, remaining); err != nil {
		logging.Get(logging.CategorySkills).Warn("queue rewrite failed: %v", err)
	}

	var promoted []promotedRow
	if data, err := os.ReadFile(promotedPath); err == nil {
		_ = json.Unmarshal(data, &promoted)
	}
	promoted = append(promoted, promotedRow{
		ID:          candidate.ID,
		PromotedAt:  time.Now().UTC().Format(time.RFC3339),
		Candidate:   candidate,
		GateScores:  scoreRows,
		ApplyResult: applyResult,
	})
	if err := writeJSONArray(promotedPath, promoted); err != nil {
		logging.Get(logging.CategorySkills).Warn("promoted ledger write failed: %v", err)
	}
	return result
}
