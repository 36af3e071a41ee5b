package critic

import (
	"regexp"
	"strings"

	"cortex/internal/logging"
)

// DefaultMinQuality is the keep threshold for generated lessons.
const DefaultMinQuality = 0.15

// genericAdviceRes reject lessons that would apply to any run of any task.
var genericAdviceRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\balways be careful\b`),
	regexp.MustCompile(`(?i)\bbe careful\b`),
	regexp.MustCompile(`(?i)\bremember to\b`),
	regexp.MustCompile(`(?i)\bmake sure to\b`),
	regexp.MustCompile(`(?i)\bdouble[- ]check\b`),
	regexp.MustCompile(`(?i)\bpay (close )?attention\b`),
	regexp.MustCompile(`(?i)\bbest practice\b`),
	regexp.MustCompile(`(?i)\bin the future\b`),
	regexp.MustCompile(`(?i)\bgoing forward\b`),
	regexp.MustCompile(`(?i)\bit is important to\b`),
	regexp.MustCompile(`(?i)\bit's important to\b`),
}

var (
	stepRefRe    = regexp.MustCompile(`(?i)\bsteps?\s*#?\d+\b`)
	errorTokenRe = regexp.MustCompile(`(?i)(error|failed|failure|exception|exited with code|not found|syntax|forbidden|timed? ?out)`)
)

// IsGenericAdvice reports whether the lesson text matches a reject pattern.
func IsGenericAdvice(text string) bool {
	for _, re := range genericAdviceRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// QualityScore rates a lesson: domain-keyword hits (0.15 each, capped 0.45),
// 0.2 for a concrete step reference, 0.2 for an error token, 0.15 for any
// evidence steps; capped at 1.0.
func QualityScore(text string, evidenceSteps []int, domainKeywords *regexp.Regexp) float64 {
	score := 0.0
	if domainKeywords != nil {
		hits := map[string]bool{}
		for _, match := range domainKeywords.FindAllString(strings.ToLower(text), -1) {
			hits[match] = true
		}
		keyword := 0.15 * float64(len(hits))
		if keyword > 0.45 {
			keyword = 0.45
		}
		score += keyword
	}
	if stepRefRe.MatchString(text) {
		score += 0.2
	}
	if errorTokenRe.MatchString(text) {
		score += 0.2
	}
	if len(evidenceSteps) > 0 {
		score += 0.15
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// FilterLessons applies the reject patterns and the quality threshold.
func FilterLessons(lessons []GeneratedLesson, domainKeywords *regexp.Regexp, minQuality float64) []GeneratedLesson {
	if minQuality <= 0 {
		minQuality = DefaultMinQuality
	}
	var kept []GeneratedLesson
	for _, candidate := range lessons {
		if IsGenericAdvice(candidate.Lesson) {
			logging.Get(logging.CategoryEval).Debug("quality filter rejected generic lesson: %q", candidate.Lesson)
			continue
		}
		if QualityScore(candidate.Lesson, candidate.EvidenceSteps, domainKeywords) < minQuality {
			continue
		}
		kept = append(kept, candidate)
	}
	return kept
}
