// Package lesson persists durable lessons mined from agent runs.
//
// Records live in a JSONL store keyed by semantic identity
// (normalized rule text + trigger fingerprints), so re-learning the same rule
// from a different session merges instead of duplicating.
package lesson

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Lesson statuses. Only candidate and promoted are retrievable.
const (
	StatusCandidate  = "candidate"
	StatusPromoted   = "promoted"
	StatusSuppressed = "suppressed"
	StatusArchived   = "archived"
)

// Statuses lists the legal lesson statuses.
var Statuses = []string{StatusCandidate, StatusPromoted, StatusSuppressed, StatusArchived}

// Schema markers written on every V2 row. Rows without SchemaName are parsed
// through the legacy adapter.
const (
	SchemaName    = "lesson_store_v2"
	SchemaVersion = 1
)

// MaxRuleTextLen caps stored rule text.
const MaxRuleTextLen = 420

var (
	textTokenRe = regexp.MustCompile(`[^a-z0-9\s]+`)
	textWSRe    = regexp.MustCompile(`\s+`)
)

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NormalizeRuleText lowers and tokenizes lesson text for dedup and identity.
func NormalizeRuleText(text string) string {
	lowered := textTokenRe.ReplaceAllString(strings.ToLower(text), " ")
	return strings.TrimSpace(textWSRe.ReplaceAllString(lowered, " "))
}

// StableLessonID derives identity from semantics, not run-local metadata.
func StableLessonID(normalizedRule string, triggerFingerprints []string) string {
	key := normalizedRule + "|" + strings.Join(sortedUnique(triggerFingerprints), ",")
	sum := sha256.Sum256([]byte(key))
	return "lsn_" + hex.EncodeToString(sum[:])[:20]
}

// tagBucket pairs a heuristic tag with the substrings that trigger it.
var tagBuckets = []struct {
	Tag    string
	Tokens []string
}{
	{"syntax_structure", []string{"syntax", "parse", "expected", "unknown command", "invalid"}},
	{"unknown_symbol", []string{"missing", "not found", "unknown", "undefined"}},
	{"path_quote", []string{"quote", "quoted", `"`, "'"}},
	{"operator_mismatch", []string{"operator", "eq", "neq", "gt", "lt", "gte", "lte"}},
	{"arity_mismatch", []string{"arity", "arguments", "expects", "wrong number"}},
	{"column_reference", []string{"column", "field", "alias"}},
	{"function_case", []string{"lowercase", "uppercase", "case-sensitive"}},
	{"sort_direction", []string{"asc", "desc", "sort", "rank"}},
	{"no_progress", []string{"no progress", "stuck", "stall"}},
	{"constraint_failed", []string{"constraint", "invariant", "violation"}},
	{"unsafe_action", []string{"unsafe", "forbidden", "blocked"}},
	{"goal_distance_increase", []string{"distance increase", "farther", "regression"}},
}

// ExtractTagsFromText buckets lesson text into coarse tags; falls back to
// "generic" so every lesson lands in exactly one-or-more buckets.
func ExtractTagsFromText(text string) []string {
	lower := strings.ToLower(text)
	set := map[string]bool{}
	for _, bucket := range tagBuckets {
		for _, token := range bucket.Tokens {
			if strings.Contains(lower, token) {
				set[bucket.Tag] = true
				break
			}
		}
	}
	if len(set) == 0 {
		return []string{"generic"}
	}
	return setToSorted(set)
}

// Record is the canonical memory unit. Treat values as immutable; updates
// build a new Record (the store rewrites the whole file anyway).
type Record struct {
	LessonID            string
	Status              string
	RuleText            string
	NormalizedRule      string
	TriggerFingerprints []string
	Tags                []string
	TaskID              string
	Task                string
	Domain              string
	SourceSessionIDs    []int
	Reliability         float64
	RetrievalCount      int
	HelpfulCount        int
	HarmfulCount        int
	UtilityHistory      []float64
	MajorRegressions    int
	ContradictionLosses int
	ConflictLessonIDs   []string
	ArchivedReason      string
	CreatedAt           string
	UpdatedAt           string
}

// CandidateParams feeds NewCandidate.
type CandidateParams struct {
	SessionID           int
	TaskID              string
	Task                string
	Domain              string
	RuleText            string
	TriggerFingerprints []string
	Tags                []string
	Status              string
}

// NewCandidate builds a fresh lesson with computed identity. Tags are
// extracted from the rule text when the caller omits them.
func NewCandidate(p CandidateParams) (Record, error) {
	status := p.Status
	if status == "" {
		status = StatusCandidate
	}
	if !validStatus(status) {
		return Record{}, fmt.Errorf("unknown lesson status: %q", status)
	}
	normalized := NormalizeRuleText(p.RuleText)
	fingerprints := sortedUnique(p.TriggerFingerprints)
	tags := sortedUnique(p.Tags)
	if len(tags) == 0 {
		tags = ExtractTagsFromText(p.RuleText)
	}
	var sourceIDs []int
	if p.SessionID > 0 {
		sourceIDs = []int{p.SessionID}
	}
	now := utcNow()
	return Record{
		LessonID:            StableLessonID(normalized, fingerprints),
		Status:              status,
		RuleText:            clipRuleText(p.RuleText),
		NormalizedRule:      normalized,
		TriggerFingerprints: fingerprints,
		Tags:                tags,
		TaskID:              strings.TrimSpace(p.TaskID),
		Task:                strings.TrimSpace(p.Task),
		Domain:              strings.TrimSpace(p.Domain),
		SourceSessionIDs:    sourceIDs,
		Reliability:         0.5,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

func clipRuleText(text string) string {
	joined := strings.Join(strings.Fields(text), " ")
	if len(joined) > MaxRuleTextLen {
		return joined[:MaxRuleTextLen]
	}
	return joined
}

func validStatus(status string) bool {
	for _, s := range Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// identityKey is the dedup key for upserts.
func (r Record) identityKey() string {
	return r.NormalizedRule + "|" + strings.Join(r.TriggerFingerprints, ",")
}

// Retrievable reports whether the record may surface in retrieval results.
func (r Record) Retrievable() bool {
	return r.Status == StatusCandidate || r.Status == StatusPromoted
}

// LastSourceSessionID returns the most recent contributing session, 0 if none.
func (r Record) LastSourceSessionID() int {
	if len(r.SourceSessionIDs) == 0 {
		return 0
	}
	return r.SourceSessionIDs[len(r.SourceSessionIDs)-1]
}

// ToRow writes the V2 row with legacy compatibility fields, so pre-V2 readers
// of lessons.jsonl keep working during rollout.
func (r Record) ToRow() map[string]any {
	var archived any
	if r.ArchivedReason != "" {
		archived = r.ArchivedReason
	}
	history := make([]float64, len(r.UtilityHistory))
	for i, v := range r.UtilityHistory {
		history[i] = round6(v)
	}
	return map[string]any{
		// Legacy-compatible fields.
		"session_id":      r.LastSourceSessionID(),
		"task_id":         r.TaskID,
		"task":            r.Task,
		"category":        "insight",
		"lesson":          r.RuleText,
		"evidence_steps":  []int{},
		"eval_passed":     r.Status == StatusPromoted,
		"eval_score":      round4(r.Reliability),
		"skill_refs_used": []string{},
		"timestamp":       r.UpdatedAt,
		// V2 fields.
		"memory_schema":         SchemaName,
		"memory_schema_version": SchemaVersion,
		"lesson_id":             r.LessonID,
		"status":                r.Status,
		"rule_text":             r.RuleText,
		"normalized_rule":       r.NormalizedRule,
		"trigger_fingerprints":  emptyIfNil(r.TriggerFingerprints),
		"tags":                  emptyIfNil(r.Tags),
		"domain":                r.Domain,
		"source_session_ids":    emptyIntsIfNil(r.SourceSessionIDs),
		"reliability":           round4(r.Reliability),
		"retrieval_count":       r.RetrievalCount,
		"helpful_count":         r.HelpfulCount,
		"harmful_count":         r.HarmfulCount,
		"utility_history":       history,
		"major_regressions":     r.MajorRegressions,
		"contradiction_losses":  r.ContradictionLosses,
		"conflict_lesson_ids":   emptyIfNil(r.ConflictLessonIDs),
		"archived_reason":       archived,
		"created_at":            r.CreatedAt,
		"updated_at":            r.UpdatedAt,
	}
}

// RecordFromRow parses either a V2 row or a legacy lessons.jsonl row.
// Returns false when the row carries no usable lesson.
func RecordFromRow(row map[string]any) (Record, bool) {
	if row == nil {
		return Record{}, false
	}
	if asString(row["memory_schema"]) == SchemaName {
		return v2FromRow(row), true
	}
	return legacyFromRow(row)
}

func v2FromRow(row map[string]any) Record {
	status := strings.ToLower(strings.TrimSpace(asString(row["status"])))
	if !validStatus(status) {
		status = StatusCandidate
	}
	ruleText := asString(row["rule_text"])
	if ruleText == "" {
		ruleText = asString(row["lesson"])
	}
	ruleText = clipRuleText(ruleText)
	normalized := asString(row["normalized_rule"])
	if normalized == "" {
		normalized = ruleText
	}
	normalized = NormalizeRuleText(normalized)
	fingerprints := sortedUnique(asStringSlice(row["trigger_fingerprints"]))
	tags := sortedUnique(asStringSlice(row["tags"]))
	if len(tags) == 0 {
		tags = ExtractTagsFromText(ruleText)
	}
	lessonID := strings.TrimSpace(asString(row["lesson_id"]))
	if lessonID == "" {
		lessonID = StableLessonID(normalized, fingerprints)
	}
	createdAt := strings.TrimSpace(asString(row["created_at"]))
	if createdAt == "" {
		createdAt = utcNow()
	}
	updatedAt := strings.TrimSpace(asString(row["updated_at"]))
	if updatedAt == "" {
		updatedAt = utcNow()
	}
	reliability := asFloat(row["reliability"])
	if reliability == 0 {
		reliability = 0.5
	}
	return Record{
		LessonID:            lessonID,
		Status:              status,
		RuleText:            ruleText,
		NormalizedRule:      normalized,
		TriggerFingerprints: fingerprints,
		Tags:                tags,
		TaskID:              strings.TrimSpace(asString(row["task_id"])),
		Task:                strings.TrimSpace(asString(row["task"])),
		Domain:              strings.TrimSpace(asString(row["domain"])),
		SourceSessionIDs:    sortedUniqueInts(asIntSlice(row["source_session_ids"])),
		Reliability:         clamp(reliability, 0, 1),
		RetrievalCount:      maxInt(0, asInt(row["retrieval_count"])),
		HelpfulCount:        maxInt(0, asInt(row["helpful_count"])),
		HarmfulCount:        maxInt(0, asInt(row["harmful_count"])),
		UtilityHistory:      asFloatSlice(row["utility_history"]),
		MajorRegressions:    maxInt(0, asInt(row["major_regressions"])),
		ContradictionLosses: maxInt(0, asInt(row["contradiction_losses"])),
		ConflictLessonIDs:   sortedUnique(asStringSlice(row["conflict_lesson_ids"])),
		ArchivedReason:      strings.TrimSpace(asString(row["archived_reason"])),
		CreatedAt:           createdAt,
		UpdatedAt:           updatedAt,
	}
}

func legacyFromRow(row map[string]any) (Record, bool) {
	lessonText := clipRuleText(asString(row["lesson"]))
	if lessonText == "" {
		return Record{}, false
	}
	sessionID := asInt(row["session_id"])
	evalScore := asFloat(row["eval_score"])
	// Heuristic reliability for rows that never went through promotion.
	reliability := clamp(0.35+0.55*evalScore, 0.05, 0.95)
	fingerprints := sortedUnique(asStringSlice(row["trigger_fingerprints"]))
	normalized := NormalizeRuleText(lessonText)
	timestamp := strings.TrimSpace(asString(row["timestamp"]))
	if timestamp == "" {
		timestamp = utcNow()
	}
	var sourceIDs []int
	if sessionID > 0 {
		sourceIDs = []int{sessionID}
	}
	return Record{
		LessonID:            StableLessonID(normalized, fingerprints),
		Status:              StatusPromoted,
		RuleText:            lessonText,
		NormalizedRule:      normalized,
		TriggerFingerprints: fingerprints,
		Tags:                ExtractTagsFromText(lessonText),
		TaskID:              strings.TrimSpace(asString(row["task_id"])),
		Task:                strings.TrimSpace(asString(row["task"])),
		Domain:              strings.TrimSpace(asString(row["domain"])),
		SourceSessionIDs:    sourceIDs,
		Reliability:         reliability,
		CreatedAt:           timestamp,
		UpdatedAt:           timestamp,
	}, true
}

// Loose-typed row readers; JSONL rows arrive as map[string]any.

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func asStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s := strings.TrimSpace(asString(item)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asIntSlice(v any) []int {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []int
	for _, item := range items {
		if n := asInt(item); n > 0 {
			out = append(out, n)
		}
	}
	return out
}

func asFloatSlice(v any) []float64 {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []float64
	for _, item := range items {
		switch t := item.(type) {
		case float64:
			out = append(out, t)
		case int:
			out = append(out, float64(t))
		}
	}
	return out
}

func sortedUnique(values []string) []string {
	set := map[string]bool{}
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			set[s] = true
		}
	}
	return setToSorted(set)
}

func sortedUniqueInts(values []int) []int {
	set := map[int]bool{}
	for _, v := range values {
		if v > 0 {
			set[v] = true
		}
	}
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func setToSorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func emptyIntsIfNil(values []int) []int {
	if values == nil {
		return []int{}
	}
	return values
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func round4(v float64) float64 {
	return roundTo(v, 1e4)
}

func round6(v float64) float64 {
	return roundTo(v, 1e6)
}

func roundTo(v, scale float64) float64 {
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return -float64(int64(-v*scale+0.5)) / scale
}
