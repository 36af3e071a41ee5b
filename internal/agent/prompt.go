package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"cortex/internal/retrieval"
)

const defaultClipChars = 4000

const skillDocClipChars = 6000

func clipText(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars-3] + "..."
}

// pyList renders strings the way the tool protocol formats ref lists:
// ['a', 'b'].
func pyList(items []string) string {
	quoted := make([]string, 0, len(items))
	for _, item := range items {
		quoted = append(quoted, "'"+item+"'")
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func buildSystemPrompt(taskID, skillsText, lessonsText, domainFragment string) string {
	return domainFragment +
		"- Active task_id: " + taskID + "\n\n" +
		"Skills metadata:\n" + skillsText + "\n\n" +
		"Prior lessons:\n" + lessonsText + "\n"
}

// formatLessonBlock renders pre-run retrieved lessons for the system prompt
// and returns the injected lesson ids.
func formatLessonBlock(matches []retrieval.Match) (string, []string) {
	if len(matches) == 0 {
		return "", nil
	}
	lines := []string{"Memory V2 lessons (high-signal):"}
	var ids []string
	for _, match := range matches {
		if match.Lesson.LessonID != "" {
			ids = append(ids, match.Lesson.LessonID)
		}
		lines = append(lines, fmt.Sprintf("- (%.2f) %s", match.Score.Total, match.Lesson.RuleText))
	}
	return strings.Join(lines, "\n"), ids
}

// buildReflectionPrompt creates a deterministic reflection request for
// stuck or error-heavy runs: diagnosis plus smallest correction, then
// continue with tool use in the same turn.
func buildReflectionPrompt(errorText, fingerprint, reason string, includeDependencyFallback bool) string {
	reasonLine := "Trigger: error escalation."
	if reason != "" {
		reasonLine = "Trigger: " + reason + "."
	}
	prompt := "Reflection required before the next tool call.\n" +
		reasonLine + "\n" +
		"Last error: " + strings.TrimSpace(errorText) + "\n" +
		"Fingerprint: " + fingerprint + "\n" +
		"Explain why the failure happened and the smallest corrective change. " +
		"Then proceed with the next tool call."
	if !includeDependencyFallback {
		return prompt
	}
	return prompt + "\n" +
		"Deterministic fallback check:\n" +
		"- Treat this fingerprint as a repeated dependency/setup failure.\n" +
		"- Do not repeat the same failing setup path.\n" +
		"- Choose the smallest local alternative that avoids the missing dependency."
}

const dependencySetupRepeatThreshold = 2

var dependencySetupTags = map[string]bool{
	"command_not_found": true,
	"network":           true,
	"not_found":         true,
	"permission":        true,
	"resource":          true,
}

var dependencySetupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmodule\s+not\s+found\b`),
	regexp.MustCompile(`(?i)\bno\s+module\s+named\b`),
	regexp.MustCompile(`(?i)\bimporterror\b`),
	regexp.MustCompile(`(?i)\bmissing\s+dependency\b`),
	regexp.MustCompile(`(?i)\bdependency\s+missing\b`),
}

func isDependencyOrSetupFailure(errorText string, errorTags []string) bool {
	for _, tag := range errorTags {
		if dependencySetupTags[strings.ToLower(strings.TrimSpace(tag))] {
			return true
		}
	}
	lowered := strings.ToLower(strings.TrimSpace(errorText))
	for _, pattern := range dependencySetupPatterns {
		if pattern.MatchString(lowered) {
			return true
		}
	}
	return false
}

var (
	bootstrapTaskLineRe  = regexp.MustCompile(`- Read the .*?skill document.*?\n`)
	bootstrapReadSkillRe = regexp.MustCompile(`,?\s*read_skill,?`)
	bootstrapFragmentRe  = regexp.MustCompile(`(?s)- Before starting.*?do not guess or invent skill_ref names\.\n`)
)

// stripBootstrapTaskText removes read_skill references from the runtime task
// prompt. The task file on disk is untouched.
func stripBootstrapTaskText(taskText string) string {
	taskText = bootstrapTaskLineRe.ReplaceAllString(taskText, "")
	return bootstrapReadSkillRe.ReplaceAllString(taskText, "")
}

func stripBootstrapFragment(fragment string) string {
	return bootstrapFragmentRe.ReplaceAllString(fragment, "")
}

const bootstrapSkillsText = "(bootstrap mode — no skill docs available, ignore any task instructions " +
	"about reading skills. Learn from trial, error messages, and prior lessons below.)"

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
