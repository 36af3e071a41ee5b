package gridtool

import "regexp"

// ErrorMode selects how much help failure messages carry. The harder modes
// exist so sessions have something real to learn from.
type ErrorMode string

const (
	ErrorModeHelpful     ErrorMode = "helpful"
	ErrorModeSemiHelpful ErrorMode = "semi_helpful"
	ErrorModeCryptic     ErrorMode = "cryptic"
)

type errorOverride struct {
	pattern     *regexp.Regexp
	replacement string
}

// Order matters: first match wins, mirroring how the messages were layered.
var crypticOverrides = []errorOverride{
	{regexp.MustCompile(`TALLY syntax:.*`), "TALLY: syntax error."},
	{regexp.MustCompile(`TALLY: unexpected text.*`), "TALLY: syntax error."},
	{regexp.MustCompile(`RANK direction must be.*`), "RANK: invalid direction."},
	{regexp.MustCompile(`RANK syntax:.*`), "RANK: syntax error."},
	{regexp.MustCompile(`KEEP syntax:.*`), "KEEP: syntax error."},
	{regexp.MustCompile(`KEEP requires word operator.*`), "KEEP: invalid operator."},
	{regexp.MustCompile(`KEEP unknown operator.*`), "KEEP: invalid operator."},
	{regexp.MustCompile(`TOSS syntax:.*`), "TOSS: syntax error."},
	{regexp.MustCompile(`TOSS requires word operator.*`), "TOSS: invalid operator."},
	{regexp.MustCompile(`TOSS unknown operator.*`), "TOSS: invalid operator."},
	{regexp.MustCompile(`DERIVE syntax:.*`), "DERIVE: syntax error."},
	{regexp.MustCompile(`MERGE syntax:.*`), "MERGE: syntax error."},
	{regexp.MustCompile(`Unknown function '(\w+)'.*`), "Unknown function '${1}'."},
	{regexp.MustCompile(`Column '(\w+)' not found\..*`), "Column '${1}' not found."},
	{regexp.MustCompile(`Unknown command '(\w+)'\..*`), "Unknown command '${1}'."},
	{regexp.MustCompile(`LOAD path must be quoted\..*`), "LOAD: invalid argument."},
	{regexp.MustCompile(`MERGE path must be quoted\..*`), "MERGE: invalid argument."},
	{regexp.MustCompile(`SHOW takes an optional.*`), "SHOW: invalid argument."},
	{regexp.MustCompile(`File not found:.*`), "File not found."},
}

var semiHelpfulOverrides = []errorOverride{
	{regexp.MustCompile(`TALLY syntax:.*`), "TALLY: expected arrow operator '->' after group column."},
	{regexp.MustCompile(`TALLY: unexpected text.*`), "TALLY: separate multiple aggregations with commas."},
	{regexp.MustCompile(`RANK direction must be.*`), "RANK: direction must be a word — 'asc' or 'desc'."},
	{regexp.MustCompile(`RANK syntax:.*`), "RANK: requires a column name and direction."},
	{regexp.MustCompile(`KEEP syntax:.*`), "KEEP: requires column, operator, and value."},
	{regexp.MustCompile(`KEEP requires word operator.*`), "KEEP: operators must be words (like 'eq'), not symbols."},
	{regexp.MustCompile(`KEEP unknown operator.*`), "KEEP: unknown operator. Use word-based comparison operators."},
	{regexp.MustCompile(`TOSS syntax:.*`), "TOSS: requires column, operator, and value."},
	{regexp.MustCompile(`TOSS requires word operator.*`), "TOSS: operators must be words (like 'eq'), not symbols."},
	{regexp.MustCompile(`TOSS unknown operator.*`), "TOSS: unknown operator. Use word-based comparison operators."},
	{regexp.MustCompile(`DERIVE syntax:.*`), "DERIVE: expected 'new_col = expression' format."},
	{regexp.MustCompile(`MERGE syntax:.*`), "MERGE: requires a quoted path and ON keyword."},
	{regexp.MustCompile(`MERGE path must be quoted\..*`), "MERGE: file path must be in double quotes."},
	{regexp.MustCompile(`LOAD path must be quoted\..*`), "LOAD: file path must be in double quotes."},
	{regexp.MustCompile(`Unknown function '(\w+)'.*`), "Unknown function '${1}'. Functions are case-sensitive — use lowercase."},
	{regexp.MustCompile(`Column '(\w+)' not found\..*`), "Column '${1}' not found in current data."},
	{regexp.MustCompile(`Unknown command '(\w+)'\. Did you mean '(\w+)'\?`), "Unknown command '${1}'. This is not SQL — gridtool has its own command names."},
	{regexp.MustCompile(`Unknown command '(\w+)'\..*`), "Unknown command '${1}'. This is not SQL — gridtool has its own command names."},
	{regexp.MustCompile(`SHOW takes an optional.*`), "SHOW: optional argument must be a number (row limit)."},
	{regexp.MustCompile(`File not found: "([^"]+)" \(resolved.*`), `File not found: "${1}".`},
}

func applyOverrides(msg string, overrides []errorOverride) string {
	for _, o := range overrides {
		if o.pattern.MatchString(msg) {
			return o.pattern.ReplaceAllString(msg, o.replacement)
		}
	}
	return msg
}

// rewriteError adjusts a failure message for the configured mode.
func rewriteError(msg string, mode ErrorMode) string {
	switch mode {
	case ErrorModeCryptic:
		return applyOverrides(msg, crypticOverrides)
	case ErrorModeSemiHelpful:
		return applyOverrides(msg, semiHelpfulOverrides)
	default:
		return msg
	}
}
