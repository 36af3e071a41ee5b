// Package retrieval ranks stored lessons for a query and enforces selection
// guards. Two entry points: pre-run (task/domain scoped, no transfer lane)
// and on-error (strict domain scope plus an optional down-weighted
// cross-domain transfer lane).
package retrieval

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"cortex/internal/lesson"
	"cortex/internal/logging"
)

// Lanes a match can arrive through.
const (
	LaneStrict   = "strict"
	LaneTransfer = "transfer"
)

// Config bounds one selection pass.
type Config struct {
	MaxResults          int
	MaxPerSourceSession int
	MaxPerTagBucket     int
}

// DefaultConfig returns the standard guard quotas.
func DefaultConfig(maxResults int) Config {
	if maxResults <= 0 {
		maxResults = 8
	}
	return Config{
		MaxResults:          maxResults,
		MaxPerSourceSession: 2,
		MaxPerTagBucket:     3,
	}
}

// TransferOptions controls the cross-domain lane of on-error retrieval.
type TransferOptions struct {
	Enable      bool
	MaxResults  int
	ScoreWeight float64
}

// DefaultTransferScoreWeight down-weights cross-domain lessons so they only
// backfill when the strict lane is weak.
const DefaultTransferScoreWeight = 0.35

// Score is the decomposed ranking score for one lesson/query pair.
type Score struct {
	LessonID         string  `json:"lesson_id"`
	Total            float64 `json:"score"`
	FingerprintMatch float64 `json:"fingerprint_match"`
	TagOverlap       float64 `json:"tag_overlap"`
	TextSimilarity   float64 `json:"text_similarity"`
	Reliability      float64 `json:"reliability"`
	Recency          float64 `json:"recency"`
}

// Match couples a lesson with its score and the lane it entered through.
type Match struct {
	Lesson lesson.Record
	Score  Score
	Lane   string
}

func tokenize(text string) map[string]bool {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	tokens := map[string]bool{}
	for _, tok := range strings.Fields(b.String()) {
		tokens[tok] = true
	}
	return tokens
}

func jaccard(a, b string) float64 {
	return setJaccard(tokenize(a), tokenize(b))
}

func setJaccard(ta, tb map[string]bool) float64 {
	if len(ta) == 0 || len(tb) == 0 {
		return 0
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

func fingerprintMatch(queryFingerprint string, rec lesson.Record) float64 {
	if queryFingerprint == "" {
		return 0
	}
	for _, fp := range rec.TriggerFingerprints {
		if fp == queryFingerprint {
			return 1.0
		}
	}
	// Prefix-level similarity still helps when hash truncation differs.
	prefix := queryFingerprint
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	if prefix != "" {
		for _, fp := range rec.TriggerFingerprints {
			if strings.HasPrefix(fp, prefix) {
				return 0.7
			}
		}
	}
	return 0
}

func tagOverlap(queryTags []string, lessonTags []string) float64 {
	if len(queryTags) == 0 || len(lessonTags) == 0 {
		return 0
	}
	qs := map[string]bool{}
	for _, t := range queryTags {
		if s := strings.TrimSpace(t); s != "" {
			qs[s] = true
		}
	}
	ls := map[string]bool{}
	for _, t := range lessonTags {
		ls[t] = true
	}
	return setJaccard(qs, ls)
}

func recencyScore(isoTS string, now time.Time) float64 {
	ts, err := parseTimestamp(isoTS)
	if err != nil {
		return 0
	}
	ageDays := now.Sub(ts).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	// 14-day half-life keeps fresh lessons relevant without discarding history.
	return clamp(1.0/(1.0+ageDays/14.0), 0, 1)
}

func parseTimestamp(isoTS string) (time.Time, error) {
	s := strings.TrimSpace(isoTS)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999-07:00", s)
}

func buildScore(rec lesson.Record, queryFingerprint string, queryTags []string, queryText string, now time.Time) Score {
	fingerprint := fingerprintMatch(queryFingerprint, rec)
	tags := tagOverlap(queryTags, rec.Tags)
	similarity := jaccard(queryText, rec.RuleText)
	reliability := clamp(rec.Reliability, 0, 1)
	recency := recencyScore(rec.UpdatedAt, now)
	total := 0.40*fingerprint + 0.25*tags + 0.20*similarity + 0.10*reliability + 0.05*recency
	return Score{
		LessonID:         rec.LessonID,
		Total:            total,
		FingerprintMatch: fingerprint,
		TagOverlap:       tags,
		TextSimilarity:   similarity,
		Reliability:      reliability,
		Recency:          recency,
	}
}

func rankRecords(records []lesson.Record, queryText, queryFingerprint string, queryTags []string, lane string, scoreWeight float64) []Match {
	now := time.Now().UTC()
	var ranked []Match
	for _, rec := range records {
		if !rec.Retrievable() {
			continue
		}
		score := buildScore(rec, queryFingerprint, queryTags, queryText, now)
		if scoreWeight != 1.0 {
			score.Total *= scoreWeight
		}
		if score.Total <= 0 {
			continue
		}
		ranked = append(ranked, Match{Lesson: rec, Score: score, Lane: lane})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score.Total != ranked[j].Score.Total {
			return ranked[i].Score.Total > ranked[j].Score.Total
		}
		if ranked[i].Lesson.Reliability != ranked[j].Lesson.Reliability {
			return ranked[i].Lesson.Reliability > ranked[j].Lesson.Reliability
		}
		return ranked[i].Lesson.UpdatedAt > ranked[j].Lesson.UpdatedAt
	})
	return ranked
}

// selector applies the guard quotas across one or more ranked passes. The
// per-session and per-bucket counters persist between passes so the transfer
// lane shares quotas with strict winners.
type selector struct {
	config       Config
	selected     []Match
	losers       []string
	perSession   map[int]int
	perTagBucket map[string]int
	frozen       int // entries below this index are never displaced
}

func newSelector(config Config) *selector {
	return &selector{
		config:       config,
		perSession:   map[int]int{},
		perTagBucket: map[string]int{},
	}
}

// conflictLoser reports whether challenger loses against kept. Winner
// selection is deterministic: higher reliability first, then fresher
// evidence, then the computed retrieval score.
func conflictLoser(kept, challenger Match) bool {
	if challenger.Lesson.Reliability != kept.Lesson.Reliability {
		return challenger.Lesson.Reliability < kept.Lesson.Reliability
	}
	if challenger.Lesson.UpdatedAt != kept.Lesson.UpdatedAt {
		return challenger.Lesson.UpdatedAt < kept.Lesson.UpdatedAt
	}
	return challenger.Score.Total <= kept.Score.Total
}

func conflictsWith(a, b lesson.Record) bool {
	for _, id := range a.ConflictLessonIDs {
		if id == b.LessonID {
			return true
		}
	}
	for _, id := range b.ConflictLessonIDs {
		if id == a.LessonID {
			return true
		}
	}
	return false
}

// take runs one guarded pass over ranked matches, stopping at limit selected
// entries for this pass.
func (s *selector) take(ranked []Match, limit int) {
	taken := 0
	for _, match := range ranked {
		if limit > 0 && taken >= limit {
			break
		}
		if s.config.MaxResults > 0 && len(s.selected) >= s.config.MaxResults {
			break
		}
		rec := match.Lesson
		sourceSession := rec.LastSourceSessionID()
		if sourceSession > 0 && s.perSession[sourceSession] >= s.config.MaxPerSourceSession {
			continue
		}
		bucket := "generic"
		if len(rec.Tags) > 0 {
			bucket = rec.Tags[0]
		}
		if s.perTagBucket[bucket] >= s.config.MaxPerTagBucket {
			continue
		}

		conflictIdx := -1
		for idx, chosen := range s.selected {
			if conflictsWith(rec, chosen.Lesson) {
				conflictIdx = idx
				break
			}
		}
		if conflictIdx >= 0 {
			chosen := s.selected[conflictIdx]
			// Frozen entries (earlier-lane winners) are never displaced.
			if conflictIdx < s.frozen || conflictLoser(chosen, match) {
				s.losers = append(s.losers, rec.LessonID)
				continue
			}
			s.losers = append(s.losers, chosen.Lesson.LessonID)
			s.selected[conflictIdx] = match
			continue
		}

		s.selected = append(s.selected, match)
		taken++
		if sourceSession > 0 {
			s.perSession[sourceSession]++
		}
		s.perTagBucket[bucket]++
	}
}

// freeze marks everything selected so far as non-displaceable.
func (s *selector) freeze() {
	s.frozen = len(s.selected)
}

// Engine retrieves lessons from a store.
type Engine struct {
	store *lesson.Store
}

// NewEngine wraps a lesson store.
func NewEngine(store *lesson.Store) *Engine {
	return &Engine{store: store}
}

// PreRunQuery feeds RetrievePreRun.
type PreRunQuery struct {
	TaskID             string
	Domain             string
	TaskText           string
	RecentFingerprints []string
	QueryTags          []string
	MaxResults         int
}

// RetrievePreRun scopes to records whose task id matches (or is unset) or
// whose domain matches. No transfer lane.
func (e *Engine) RetrievePreRun(q PreRunQuery) ([]Match, []string) {
	if e == nil || e.store == nil {
		return nil, nil
	}
	records := e.store.Load()
	var scoped []lesson.Record
	for _, rec := range records {
		if (rec.TaskID == "" || rec.TaskID == q.TaskID) || (rec.Domain != "" && rec.Domain == q.Domain) {
			scoped = append(scoped, rec)
		}
	}
	primaryFingerprint := ""
	if len(q.RecentFingerprints) > 0 {
		primaryFingerprint = q.RecentFingerprints[0]
	}
	ranked := rankRecords(scoped, q.TaskText, primaryFingerprint, q.QueryTags, LaneStrict, 1.0)
	sel := newSelector(DefaultConfig(q.MaxResults))
	sel.take(ranked, 0)
	logging.Get(logging.CategoryRetrieval).Debug("pre-run: scoped=%d selected=%d losers=%d",
		len(scoped), len(sel.selected), len(sel.losers))
	return sel.selected, sel.losers
}

// OnErrorQuery feeds RetrieveOnError.
type OnErrorQuery struct {
	ErrorText         string
	Fingerprint       string
	Domain            string
	TaskID            string
	QueryTags         []string
	MaxResults        int
	IncludeDomainless bool
	Transfer          TransferOptions
}

// RetrieveOnError ranks strict same-domain lessons first, then optionally
// appends down-weighted cross-domain lessons without displacing strict
// winners.
func (e *Engine) RetrieveOnError(q OnErrorQuery) ([]Match, []string) {
	if e == nil || e.store == nil {
		return nil, nil
	}
	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = 3
	}
	records := e.store.Load()

	var strict, transfer []lesson.Record
	for _, rec := range records {
		inDomain := rec.Domain != "" && rec.Domain == q.Domain
		domainless := rec.Domain == ""
		if inDomain || (q.IncludeDomainless && domainless) {
			if q.TaskID != "" && rec.TaskID != "" && rec.TaskID != q.TaskID {
				continue
			}
			strict = append(strict, rec)
		} else if !domainless {
			transfer = append(transfer, rec)
		}
	}

	config := DefaultConfig(maxResults)
	sel := newSelector(config)
	sel.take(rankRecords(strict, q.ErrorText, q.Fingerprint, q.QueryTags, LaneStrict, 1.0), 0)
	sel.freeze()

	if q.Transfer.Enable && q.Transfer.MaxResults > 0 && len(sel.selected) < config.MaxResults {
		weight := q.Transfer.ScoreWeight
		if weight <= 0 {
			weight = DefaultTransferScoreWeight
		}
		ranked := rankRecords(transfer, q.ErrorText, q.Fingerprint, q.QueryTags, LaneTransfer, weight)
		sel.take(ranked, q.Transfer.MaxResults)
	}
	logging.Get(logging.CategoryRetrieval).Debug("on-error: strict=%d transfer=%d selected=%d",
		len(strict), len(transfer), len(sel.selected))
	return sel.selected, sel.losers
}

// RetrieveFromRecords ranks an explicit record set; used by tests and by
// callers that already hold records in memory.
func RetrieveFromRecords(records []lesson.Record, queryText, queryFingerprint string, queryTags []string, config Config) ([]Match, []string) {
	ranked := rankRecords(records, queryText, queryFingerprint, queryTags, LaneStrict, 1.0)
	sel := newSelector(config)
	sel.take(ranked, 0)
	return sel.selected, sel.losers
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
