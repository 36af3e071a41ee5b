// Package memory captures structured failure signals from agent runs.
//
// Every failed tool call is reduced to a stable fingerprint plus a small tag
// set so that equivalent failures across sessions map to the same memory key
// regardless of run-local ids, paths, and counters.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Error channels form a closed set; unknown channels are rejected at
// construction so downstream consumers can switch exhaustively.
const (
	ChannelHardFailure       = "hard_failure"
	ChannelConstraintFailure = "constraint_failure"
	ChannelProgressSignal    = "progress_signal"
	ChannelEfficiencySignal  = "efficiency_signal"
)

// ErrorChannels lists the allowed channels in canonical order.
var ErrorChannels = []string{
	ChannelHardFailure,
	ChannelConstraintFailure,
	ChannelProgressSignal,
	ChannelEfficiencySignal,
}

// These placeholders intentionally collapse volatile values (ids, counters,
// paths) into stable markers so equivalent failures map to one fingerprint.
var (
	uuidRe     = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}\b`)
	hexRe      = regexp.MustCompile(`\b0x[0-9a-f]+\b`)
	numberRe   = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	pathRe     = regexp.MustCompile(`[a-zA-Z]:\\[^\s]+|(?:~|/)[^\s]+`)
	quotedRe   = regexp.MustCompile(`'[^'\n]*'|"[^"\n]*"`)
	nonTokenRe = regexp.MustCompile(`[^a-z0-9_<>\s]+`)
	wsRe       = regexp.MustCompile(`\s+`)
)

var fingerprintStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "at": true, "by": true,
	"for": true, "from": true, "in": true, "into": true, "of": true,
	"on": true, "the": true, "to": true, "with": true,
}

// tagPattern pairs a tag with the regex that triggers it. The table is ordered
// and never mutated after init; tests enumerate it.
type tagPattern struct {
	Tag string
	Re  *regexp.Regexp
}

// TagPatterns is the primary tag extraction table, applied to the lowercased
// concatenation of error/state/action/extra text. Tags are intentionally
// broad: they support CLI traces today and non-CLI transports (HTTP/API)
// without a second schema.
var TagPatterns = []tagPattern{
	{"surface_cli", regexp.MustCompile(`\b(?:cli|usage:|exit code|stderr|stdout|--?[a-z0-9][a-z0-9_-]*)\b`)},
	{"surface_http", regexp.MustCompile(`\b(?:http\s*\d{3}|status\s*\d{3}|https?://|api|request)\b`)},
	{"surface_python", regexp.MustCompile(`\b(?:traceback|exception|stack trace|python)\b`)},
	{"constraint", regexp.MustCompile(`\b(?:constraint|violation|duplicate key|not null|foreign key|unique)\b`)},
	{"syntax_error", regexp.MustCompile(`\bsyntax error\b|\bparse error\b|\binvalid syntax\b|\bunexpected token\b|\busage:\b|\bunknown command\b`)},
	{"timeout", regexp.MustCompile(`\b(?:timeout|timed out|deadline exceeded|lock wait timeout)\b`)},
	{"permission", regexp.MustCompile(`\b(?:permission denied|access denied|operation not permitted)\b`)},
	{"not_found", regexp.MustCompile(`\b(?:not found|no such file|does not exist|missing)\b`)},
	{"auth", regexp.MustCompile(`\b(?:unauthorized|forbidden|authentication|invalid token|expired token)\b`)},
	{"rate_limited", regexp.MustCompile(`\b(?:rate limit|too many requests|quota exceeded|http 429|status 429)\b`)},
	{"network", regexp.MustCompile(`\b(?:connection reset|connection refused|host unreachable|dns|socket)\b`)},
	{"resource", regexp.MustCompile(`\b(?:out of memory|oom|resource exhausted|disk full|no space left)\b`)},
	{"retryable", regexp.MustCompile(`\b(?:retry|try again|temporarily unavailable|deadlock)\b`)},
	{"progress", regexp.MustCompile(`\b(?:passed|satisfied|completed|improved|resolved|success)\b`)},
	{"efficiency", regexp.MustCompile(`\b(?:latency|slow|faster|optimized|token budget|step budget|cost)\b`)},
}

var (
	nonzeroExitRe = regexp.MustCompile(`\bexit code\s*[1-9][0-9]*\b`)
	serverErrRe   = regexp.MustCompile(`\bhttp\s*5\d\d\b|\bstatus\s*5\d\d\b`)
	clientErrRe   = regexp.MustCompile(`\bhttp\s*4\d\d\b|\bstatus\s*4\d\d\b`)
)

// CoerceText converts any structure to deterministic text suitable for
// normalization. Maps and slices serialize as sorted-key JSON.
func CoerceText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	// encoding/json sorts map keys, which keeps the blob deterministic.
	if data, err := json.Marshal(value); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", value)
}

func stripVariableLiterals(text string) string {
	lowered := strings.ToLower(text)
	lowered = uuidRe.ReplaceAllString(lowered, "<uuid>")
	lowered = hexRe.ReplaceAllString(lowered, "<hex>")
	lowered = quotedRe.ReplaceAllString(lowered, "<str>")
	lowered = pathRe.ReplaceAllString(lowered, "<path>")
	lowered = numberRe.ReplaceAllString(lowered, "<num>")
	return lowered
}

// NormalizeComponent reduces a component to stable tokens: volatile literals
// become placeholders, punctuation is stripped, stop-words dropped, and
// adjacent duplicate tokens collapse to one.
func NormalizeComponent(value any) string {
	text := stripVariableLiterals(CoerceText(value))
	text = nonTokenRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(wsRe.ReplaceAllString(text, " "))
	if text == "" {
		return ""
	}

	var collapsed []string
	for _, tok := range strings.Split(text, " ") {
		if tok == "" || fingerprintStopwords[tok] {
			continue
		}
		// Only adjacent repeats collapse: a bag-of-words would lose order
		// signal, but repeated noise tokens still get suppressed.
		if len(collapsed) == 0 || collapsed[len(collapsed)-1] != tok {
			collapsed = append(collapsed, tok)
		}
	}
	return strings.Join(collapsed, " ")
}

// FingerprintOf builds a deterministic fingerprint from normalized
// error/state/action components.
func FingerprintOf(errText, state, action any) string {
	// Section names are prefixed so future schema expansion cannot collide
	// with fingerprints that relied on positional concatenation.
	blob := fmt.Sprintf("error=%s|state=%s|action=%s",
		NormalizeComponent(errText),
		NormalizeComponent(state),
		NormalizeComponent(action))
	sum := sha256.Sum256([]byte(blob))
	return "ef_" + hex.EncodeToString(sum[:])[:20]
}

// TagsOf extracts sorted, deduplicated tags from mixed failure context.
// Returns ["uncategorized"] when nothing matches.
func TagsOf(errText, state, action, extraText any) []string {
	merged := strings.TrimSpace(strings.Join([]string{
		CoerceText(errText),
		CoerceText(state),
		CoerceText(action),
		CoerceText(extraText),
	}, " "))
	haystack := strings.ToLower(merged)

	seen := map[string]bool{}
	for _, tp := range TagPatterns {
		if tp.Re.MatchString(haystack) {
			seen[tp.Tag] = true
		}
	}
	if strings.Contains(haystack, "unknown command") || strings.Contains(haystack, "command not found") {
		seen["command_not_found"] = true
	}
	if nonzeroExitRe.MatchString(haystack) {
		seen["nonzero_exit"] = true
	}
	if serverErrRe.MatchString(haystack) {
		seen["server_error"] = true
	}
	if clientErrRe.MatchString(haystack) {
		seen["client_error"] = true
	}

	if len(seen) == 0 {
		return []string{"uncategorized"}
	}
	return sortedKeys(seen)
}
