package skills

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// DefaultTopK is how many skills a task routes to by default.
const DefaultTopK = 2

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, token := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		set[token] = struct{}{}
	}
	return set
}

// RouteManifestEntries scores every entry by task-token overlap against its
// title, description, and ref, plus a small confidence nudge, and returns the
// top-k. Ties break on skill_ref so routing is deterministic.
func RouteManifestEntries(task string, entries []ManifestEntry, topK int) []ManifestEntry {
	if len(entries) == 0 || topK <= 0 {
		return nil
	}
	taskTokens := tokenSet(task)

	type scored struct {
		score float64
		entry ManifestEntry
	}
	rows := make([]scored, 0, len(entries))
	for _, entry := range entries {
		haystack := tokenSet(entry.Title + " " + entry.Description + " " + entry.SkillRef)
		overlap := 0
		for token := range taskTokens {
			if _, ok := haystack[token]; ok {
				overlap++
			}
		}
		rows = append(rows, scored{
			score: float64(overlap) + 0.1*entry.Confidence,
			entry: entry,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		return rows[i].entry.SkillRef < rows[j].entry.SkillRef
	})
	if topK > len(rows) {
		topK = len(rows)
	}
	selected := make([]ManifestEntry, 0, topK)
	for _, row := range rows[:topK] {
		selected = append(selected, row.entry)
	}
	return selected
}

// ResolveSkillContent looks up skill_ref in the manifest and reads the skill
// file. The second return is a tool-facing error string; empty means success.
func ResolveSkillContent(entries []ManifestEntry, skillRef string) (string, string) {
	target := strings.TrimSpace(skillRef)
	if target == "" {
		return "", "Missing required field: skill_ref"
	}
	var match *ManifestEntry
	for i := range entries {
		if entries[i].SkillRef == target {
			match = &entries[i]
			break
		}
	}
	if match == nil {
		return "", fmt.Sprintf("Unknown skill_ref: '%s'", target)
	}
	data, err := os.ReadFile(match.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Sprintf("Skill file missing on disk: %s", match.Path)
		}
		return "", fmt.Sprintf("Failed to read skill file: %v", err)
	}
	return string(data), ""
}
