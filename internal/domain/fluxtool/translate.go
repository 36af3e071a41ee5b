// Package fluxtool is the holdout DSL: gridtool with every command and
// operator renamed. Scripts compile to gridtool commands, run there, and the
// output/error vocabulary is mapped back, so transfer experiments measure
// syntax generalization rather than memorized names.
package fluxtool

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"cortex/internal/domain/gridtool"
)

var commandToGrid = map[string]string{
	"IMPORT":  "LOAD",
	"FILTER":  "KEEP",
	"EXCLUDE": "TOSS",
	"GROUP":   "TALLY",
	"SORT":    "RANK",
	"COLUMNS": "PICK",
	"COMPUTE": "DERIVE",
	"ATTACH":  "MERGE",
	"DISPLAY": "SHOW",
}

var opToGrid = map[string]string{
	"is":      "eq",
	"isnt":    "neq",
	"above":   "gt",
	"below":   "lt",
	"atleast": "gte",
	"atmost":  "lte",
}

var (
	gridToCommand = invert(commandToGrid)
	gridToOp      = invert(opToGrid)
)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	groupArrowRe  = regexp.MustCompile(`^(\S+)\s*=>\s*(.*)$`)
	computeRe     = regexp.MustCompile(`^(\w+)\s*:=\s*(.*)$`)
	attachRe      = regexp.MustCompile(`(?i)^(".*?")\s+BY\s+(\w+)$`)
	wordBoundRegs = buildMapBackRegexps()
)

type mapBackRule struct {
	pattern     *regexp.Regexp
	replacement string
}

func buildMapBackRegexps() []mapBackRule {
	var rules []mapBackRule
	for _, grid := range sortedKeys(gridToCommand) {
		rules = append(rules, mapBackRule{
			pattern:     regexp.MustCompile(`\b` + regexp.QuoteMeta(grid) + `\b`),
			replacement: gridToCommand[grid],
		})
	}
	for _, grid := range sortedKeys(gridToOp) {
		rules = append(rules, mapBackRule{
			pattern:     regexp.MustCompile(`\b` + regexp.QuoteMeta(grid) + `\b`),
			replacement: gridToOp[grid],
		})
	}
	return rules
}

func translateFilter(cmd, args string, lineno int) (string, error) {
	parts := strings.Fields(args)
	if len(parts) < 3 {
		return "", fmt.Errorf("ERROR at line %d: %s syntax: %s column op value", lineno, cmd, cmd)
	}
	col, opRaw := parts[0], parts[1]
	value := strings.Join(parts[2:], " ")
	op, ok := opToGrid[strings.ToLower(opRaw)]
	if !ok {
		return "", fmt.Errorf("ERROR at line %d: %s unknown operator '%s'. Valid: %s",
			lineno, cmd, opRaw, strings.Join(sortedKeys(opToGrid), ", "))
	}
	return fmt.Sprintf("%s %s %s %s", commandToGrid[cmd], col, op, value), nil
}

func translateLine(line string, lineno int) (string, error) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(strings.TrimSpace(parts[0]))
	args := ""
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	if _, known := commandToGrid[cmd]; !known {
		return "", fmt.Errorf("ERROR at line %d: Unknown command '%s'. Valid commands: %s",
			lineno, cmd, strings.Join(sortedKeys(commandToGrid), ", "))
	}

	switch cmd {
	case "IMPORT":
		return "LOAD " + args, nil
	case "FILTER", "EXCLUDE":
		return translateFilter(cmd, args, lineno)
	case "GROUP":
		// Holdout syntax remaps the arrow token while keeping aggregation
		// semantics identical to TALLY.
		m := groupArrowRe.FindStringSubmatch(args)
		if m == nil {
			return "", fmt.Errorf("ERROR at line %d: GROUP syntax: GROUP group_col => alias=func(col)", lineno)
		}
		return fmt.Sprintf("TALLY %s -> %s", m[1], strings.TrimSpace(m[2])), nil
	case "SORT":
		sortParts := strings.SplitN(strings.TrimSpace(args), " ", 2)
		if len(sortParts) < 2 {
			return "", fmt.Errorf("ERROR at line %d: SORT syntax: SORT column up|down", lineno)
		}
		direction := strings.ToLower(strings.TrimSpace(sortParts[1]))
		var mapped string
		switch direction {
		case "up":
			mapped = "asc"
		case "down":
			mapped = "desc"
		default:
			return "", fmt.Errorf("ERROR at line %d: SORT direction must be 'up' or 'down', got '%s'",
				lineno, strings.TrimSpace(sortParts[1]))
		}
		return fmt.Sprintf("RANK %s %s", sortParts[0], mapped), nil
	case "COLUMNS":
		return "PICK " + args, nil
	case "COMPUTE":
		m := computeRe.FindStringSubmatch(args)
		if m == nil {
			return "", fmt.Errorf("ERROR at line %d: COMPUTE syntax: COMPUTE new_col := expression", lineno)
		}
		return fmt.Sprintf("DERIVE %s = %s", m[1], strings.TrimSpace(m[2])), nil
	case "ATTACH":
		m := attachRe.FindStringSubmatch(args)
		if m == nil {
			return "", fmt.Errorf(`ERROR at line %d: ATTACH syntax: ATTACH "file.csv" BY column`, lineno)
		}
		return fmt.Sprintf("MERGE %s ON %s", m[1], m[2]), nil
	case "DISPLAY":
		return strings.TrimSpace("SHOW " + args), nil
	}
	return line, nil
}

// TranslateScript compiles a fluxtool script to gridtool commands. Line
// numbers in translation errors refer to the original script.
func TranslateScript(text string) (string, error) {
	var translated []string
	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		grid, err := translateLine(line, i+1)
		if err != nil {
			return "", err
		}
		translated = append(translated, grid)
	}
	return strings.Join(translated, "\n"), nil
}

// MapBackTerms rewrites gridtool vocabulary in output or error text into
// fluxtool terms so the underlying engine never leaks through.
func MapBackTerms(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, rule := range wordBoundRegs {
		out = rule.pattern.ReplaceAllString(out, rule.replacement)
	}
	out = strings.ReplaceAll(out, "->", "=>")
	out = strings.ReplaceAll(out, "asc", "up")
	out = strings.ReplaceAll(out, "desc", "down")
	return out
}

// ConvertErrorModeMap rewrites a fluxtool-keyed error mode map into the
// gridtool command keys the engine understands. Unknown commands are dropped.
func ConvertErrorModeMap(modeMap map[string]string) map[string]gridtool.ErrorMode {
	if len(modeMap) == 0 {
		return nil
	}
	out := map[string]gridtool.ErrorMode{}
	for cmd, mode := range modeMap {
		grid, ok := commandToGrid[strings.ToUpper(strings.TrimSpace(cmd))]
		if !ok {
			continue
		}
		out[grid] = gridtool.ParseErrorMode(mode)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Run translates and executes a fluxtool script, mapping all result text back
// into fluxtool vocabulary.
func Run(script, workdir string, mode gridtool.ErrorMode, modeMap map[string]string) (string, string) {
	translated, err := TranslateScript(script)
	if err != nil {
		return "", err.Error()
	}
	out, errText := gridtool.RunWithModes(translated, workdir, mode, ConvertErrorModeMap(modeMap))
	if errText != "" {
		return "", MapBackTerms(errText)
	}
	return MapBackTerms(out), ""
}
