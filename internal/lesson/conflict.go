package lesson

import "strings"

// conflictToggles are opposing token pairs checked over normalized rule text.
// Two lessons sharing a trigger fingerprint whose texts sit on opposite sides
// of any toggle are linked as conflicting.
var conflictToggles = [][2]string{
	{"must", "must not"},
	{"requires", "does not require"},
	{"use", "do not use"},
	{"lowercase", "uppercase"},
	{"quoted", "unquoted"},
}

// IsConflictText reports whether two rule texts contradict each other.
func IsConflictText(a, b string) bool {
	aNorm := NormalizeRuleText(a)
	bNorm := NormalizeRuleText(b)
	for _, toggle := range conflictToggles {
		positive, negative := toggle[0], toggle[1]
		if strings.Contains(aNorm, positive) && strings.Contains(bNorm, negative) {
			return true
		}
		if strings.Contains(bNorm, positive) && strings.Contains(aNorm, negative) {
			return true
		}
	}
	return false
}

// mergeRecords folds a duplicate-identity incoming record into the existing
// one, preserving the stronger reliability evidence.
func mergeRecords(existing, incoming Record) Record {
	status := existing.Status
	if (existing.Status == StatusCandidate || existing.Status == StatusSuppressed) && incoming.Status == StatusPromoted {
		status = StatusPromoted
	}
	if existing.Status == StatusArchived {
		status = StatusArchived
	}
	ruleText := existing.RuleText
	if len(incoming.RuleText) > len(existing.RuleText) {
		ruleText = incoming.RuleText
	}
	history := existing.UtilityHistory
	if len(incoming.UtilityHistory) > len(existing.UtilityHistory) {
		history = incoming.UtilityHistory
	}
	archivedReason := existing.ArchivedReason
	if archivedReason == "" {
		archivedReason = incoming.ArchivedReason
	}
	return Record{
		LessonID:            existing.LessonID,
		Status:              status,
		RuleText:            ruleText,
		NormalizedRule:      existing.NormalizedRule,
		TriggerFingerprints: sortedUnique(append(append([]string{}, existing.TriggerFingerprints...), incoming.TriggerFingerprints...)),
		Tags:                sortedUnique(append(append([]string{}, existing.Tags...), incoming.Tags...)),
		TaskID:              firstNonEmpty(existing.TaskID, incoming.TaskID),
		Task:                firstNonEmpty(existing.Task, incoming.Task),
		Domain:              firstNonEmpty(existing.Domain, incoming.Domain),
		SourceSessionIDs:    sortedUniqueInts(append(append([]int{}, existing.SourceSessionIDs...), incoming.SourceSessionIDs...)),
		Reliability:         clamp(maxFloat(existing.Reliability, incoming.Reliability), 0, 1),
		RetrievalCount:      maxInt(existing.RetrievalCount, incoming.RetrievalCount),
		HelpfulCount:        maxInt(existing.HelpfulCount, incoming.HelpfulCount),
		HarmfulCount:        maxInt(existing.HarmfulCount, incoming.HarmfulCount),
		UtilityHistory:      history,
		MajorRegressions:    maxInt(existing.MajorRegressions, incoming.MajorRegressions),
		ContradictionLosses: maxInt(existing.ContradictionLosses, incoming.ContradictionLosses),
		ConflictLessonIDs:   sortedUnique(append(append([]string{}, existing.ConflictLessonIDs...), incoming.ConflictLessonIDs...)),
		ArchivedReason:      archivedReason,
		CreatedAt:           existing.CreatedAt,
		UpdatedAt:           utcNow(),
	}
}

// linkConflicts recomputes pairwise conflict links over the full record set.
// Idempotent: re-linking already-linked records adds no new links count only
// for fresh pairs.
func linkConflicts(records []Record) ([]Record, int) {
	updated := make([]Record, len(records))
	copy(updated, records)
	links := 0
	for i := range updated {
		for j := i + 1; j < len(updated); j++ {
			if !shareFingerprint(updated[i].TriggerFingerprints, updated[j].TriggerFingerprints) {
				continue
			}
			if !IsConflictText(updated[i].RuleText, updated[j].RuleText) {
				continue
			}
			updated[i].ConflictLessonIDs = sortedUnique(append(updated[i].ConflictLessonIDs, updated[j].LessonID))
			updated[j].ConflictLessonIDs = sortedUnique(append(updated[j].ConflictLessonIDs, updated[i].LessonID))
			links++
		}
	}
	return updated, links
}

func shareFingerprint(a, b []string) bool {
	set := map[string]bool{}
	for _, fp := range a {
		set[fp] = true
	}
	for _, fp := range b {
		if set[fp] {
			return true
		}
	}
	return false
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
