package critic

import (
	"sort"

	"cortex/internal/lesson"
)

// TriggerFingerprints picks the fingerprints candidate lessons claim to
// address: every fingerprint seen at least twice in the session, or — when no
// failure recurred — the three most common ones.
func TriggerFingerprints(sessionFingerprints []string) []string {
	counts := map[string]int{}
	for _, fp := range sessionFingerprints {
		if fp != "" {
			counts[fp]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	type row struct {
		fp    string
		count int
	}
	rows := make([]row, 0, len(counts))
	for fp, count := range counts {
		rows = append(rows, row{fp, count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].fp < rows[j].fp
	})

	var recurring []string
	for _, r := range rows {
		if r.count >= 2 {
			recurring = append(recurring, r.fp)
		}
	}
	if len(recurring) > 0 {
		sort.Strings(recurring)
		return recurring
	}
	limit := 3
	if limit > len(rows) {
		limit = len(rows)
	}
	top := make([]string, 0, limit)
	for _, r := range rows[:limit] {
		top = append(top, r.fp)
	}
	sort.Strings(top)
	return top
}

// BuildCandidateRecords wraps filtered lessons as candidate records sharing
// the session's trigger fingerprints.
func BuildCandidateRecords(sessionID int, taskID, task, domainName string,
	lessons []GeneratedLesson, sessionFingerprints []string) ([]lesson.Record, error) {

	fingerprints := TriggerFingerprints(sessionFingerprints)
	records := make([]lesson.Record, 0, len(lessons))
	for _, generated := range lessons {
		record, err := lesson.NewCandidate(lesson.CandidateParams{
			SessionID:           sessionID,
			TaskID:              taskID,
			Task:                task,
			Domain:              domainName,
			RuleText:            generated.Lesson,
			TriggerFingerprints: fingerprints,
		})
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
