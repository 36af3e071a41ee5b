// Package gridtool is a pipeline-style CSV processor with deliberately
// non-SQL syntax. Scripts run line by line against an in-memory table;
// errors are specific by default and can be degraded per session.
package gridtool

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var sqlMistakes = map[string]string{
	"SELECT":    "PICK",
	"ORDER":     "RANK",
	"SORT":      "RANK",
	"GROUP":     "TALLY",
	"OUTPUT":    "SHOW",
	"PRINT":     "SHOW",
	"FILTER":    "KEEP",
	"WHERE":     "KEEP",
	"JOIN":      "MERGE",
	"DROP":      "TOSS",
	"EXCLUDE":   "TOSS",
	"COMPUTE":   "DERIVE",
	"CALCULATE": "DERIVE",
	"IMPORT":    "LOAD",
	"READ":      "LOAD",
	"OPEN":      "LOAD",
}

var validOps = map[string]bool{"eq": true, "neq": true, "gt": true, "lt": true, "gte": true, "lte": true}

var symbolOps = map[string]bool{"=": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true, "==": true, "<>": true}

var aggFuncs = map[string]bool{"sum": true, "count": true, "avg": true, "min": true, "max": true}

var commands = []string{"DERIVE", "KEEP", "LOAD", "MERGE", "PICK", "RANK", "SHOW", "TALLY", "TOSS"}

// table is the pipeline state: ordered columns plus uniform rows.
type table struct {
	cols []string
	rows []map[string]string
}

func (t table) empty() bool { return len(t.rows) == 0 }

type scriptError struct {
	lineno int
	msg    string
}

func (e *scriptError) Error() string {
	return fmt.Sprintf("ERROR at line %d: %s", e.lineno, e.msg)
}

func failAt(lineno int, format string, args ...any) *scriptError {
	return &scriptError{lineno: lineno, msg: fmt.Sprintf(format, args...)}
}

func tryFloat(val string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	return f, err == nil
}

// pyFloat renders a float the way dynamic languages print it: integral
// values keep a trailing ".0" so "sum=15.0" stays distinguishable from a
// plain integer count.
func pyFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") && !strings.Contains(s, "Inf") && !strings.Contains(s, "NaN") {
		s += ".0"
	}
	return s
}

func compare(rowVal, op, target string) bool {
	leftNum, leftOK := tryFloat(rowVal)
	rightNum, rightOK := tryFloat(target)
	if leftOK && rightOK {
		switch op {
		case "eq":
			return leftNum == rightNum
		case "neq":
			return leftNum != rightNum
		case "gt":
			return leftNum > rightNum
		case "lt":
			return leftNum < rightNum
		case "gte":
			return leftNum >= rightNum
		case "lte":
			return leftNum <= rightNum
		}
		return false
	}
	left := rowVal
	if leftOK {
		left = pyFloat(leftNum)
	}
	right := target
	if rightOK {
		right = pyFloat(rightNum)
	}
	switch op {
	case "eq":
		return left == right
	case "neq":
		return left != right
	case "gt":
		return left > right
	case "lt":
		return left < right
	case "gte":
		return left >= right
	case "lte":
		return left <= right
	}
	return false
}

var quotedRe = regexp.MustCompile(`^"([^"]*)"(.*)$`)

func parseQuoted(text string) (string, string, bool) {
	m := quotedRe.FindStringSubmatch(text)
	if m == nil {
		return "", text, false
	}
	return m[1], strings.TrimSpace(m[2]), true
}

func (t table) checkCol(col string, lineno int) *scriptError {
	for _, c := range t.cols {
		if c == col {
			return nil
		}
	}
	colsStr := "(no data loaded)"
	if len(t.cols) > 0 {
		colsStr = strings.Join(t.cols, ", ")
	}
	return failAt(lineno, "Column '%s' not found. Available: %s", col, colsStr)
}

func loadCSV(path string) (table, error) {
	file, err := os.Open(path)
	if err != nil {
		return table{}, err
	}
	defer file.Close()
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return table{}, err
	}
	if len(records) == 0 {
		return table{}, nil
	}
	cols := records[0]
	var rows []map[string]string
	for _, record := range records[1:] {
		row := make(map[string]string, len(cols))
		for i, col := range cols {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return table{cols: cols, rows: rows}, nil
}

func cmdLoad(args string, workdir string, lineno int) (table, *scriptError) {
	path, _, ok := parseQuoted(args)
	if !ok {
		return table{}, failAt(lineno, `LOAD path must be quoted. Use: LOAD "filename.csv"`)
	}
	full := filepath.Join(workdir, path)
	if info, err := os.Stat(full); err != nil || info.IsDir() {
		return table{}, failAt(lineno, `File not found: "%s" (resolved to %s)`, path, full)
	}
	loaded, err := loadCSV(full)
	if err != nil {
		return table{}, failAt(lineno, "Failed reading \"%s\": %v", path, err)
	}
	return loaded, nil
}

func tokenizeFilter(args string) []string {
	args = strings.TrimSpace(args)
	m := regexp.MustCompile(`^(\S+)\s+(\S+)\s+"([^"]*)"`).FindStringSubmatch(args)
	if m != nil {
		return []string{m[1], m[2], m[3]}
	}
	return strings.SplitN(strings.Join(strings.Fields(args), " "), " ", 3)
}

func validateFilter(t table, col, op, cmdName string, lineno int) *scriptError {
	if err := t.checkCol(col, lineno); err != nil {
		return err
	}
	if symbolOps[op] {
		return failAt(lineno, "%s requires word operator (eq/neq/gt/lt/gte/lte), got '%s'", cmdName, op)
	}
	if !validOps[op] {
		return failAt(lineno, "%s unknown operator '%s'. Valid: eq, neq, gt, lt, gte, lte", cmdName, op)
	}
	return nil
}

func cmdFilter(args string, t table, lineno int, cmdName string, keep bool) (table, *scriptError) {
	if t.empty() {
		return t, failAt(lineno, "%s requires data. Use LOAD first.", cmdName)
	}
	parts := tokenizeFilter(args)
	if len(parts) < 3 {
		return t, failAt(lineno, "%s syntax: %s column op value", cmdName, cmdName)
	}
	col, op, value := parts[0], parts[1], parts[2]
	if err := validateFilter(t, col, op, cmdName, lineno); err != nil {
		return t, err
	}
	var rows []map[string]string
	for _, row := range t.rows {
		if compare(row[col], op, value) == keep {
			rows = append(rows, row)
		}
	}
	return table{cols: t.cols, rows: rows}, nil
}

var tallyArrowRe = regexp.MustCompile(`^(\S+)\s*->\s*(.*)$`)
var tallySpecRe = regexp.MustCompile(`^(\w+)\s*=\s*(\w+)\((\w+)\)`)

func cmdTally(args string, t table, lineno int) (table, *scriptError) {
	if t.empty() {
		return t, failAt(lineno, "TALLY requires data. Use LOAD first.")
	}
	m := tallyArrowRe.FindStringSubmatch(strings.TrimSpace(args))
	if m == nil {
		return t, failAt(lineno, "TALLY syntax: TALLY group_col -> alias=func(agg_col). Got invalid format.")
	}
	groupCol := m[1]
	aggStr := strings.TrimSpace(m[2])
	if err := t.checkCol(groupCol, lineno); err != nil {
		return t, err
	}

	type aggSpec struct{ alias, fn, col string }
	var specs []aggSpec
	for _, part := range strings.Split(aggStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		am := tallySpecRe.FindStringSubmatch(part)
		if am == nil {
			return t, failAt(lineno, "TALLY syntax: TALLY group_col -> alias=func(agg_col). Got invalid format.")
		}
		remainder := strings.TrimSpace(part[len(am[0]):])
		if remainder != "" {
			return t, failAt(lineno, "TALLY: unexpected text after '%s': '%s'. Separate multiple aggregations with commas, e.g.: TALLY %s -> a=sum(x), b=count(y)",
				am[0], remainder, groupCol)
		}
		alias, fn, aggCol := am[1], am[2], am[3]
		if fn != strings.ToLower(fn) {
			return t, failAt(lineno, "Unknown function '%s'. Use lowercase: %s", fn, strings.ToLower(fn))
		}
		if !aggFuncs[fn] {
			return t, failAt(lineno, "Unknown function '%s'. Available: sum, count, avg, min, max", fn)
		}
		if err := t.checkCol(aggCol, lineno); err != nil {
			return t, err
		}
		specs = append(specs, aggSpec{alias, fn, aggCol})
	}

	var keyOrder []string
	groups := map[string][]map[string]string{}
	for _, row := range t.rows {
		key := row[groupCol]
		if _, seen := groups[key]; !seen {
			keyOrder = append(keyOrder, key)
		}
		groups[key] = append(groups[key], row)
	}

	cols := []string{groupCol}
	for _, spec := range specs {
		cols = append(cols, spec.alias)
	}
	var rows []map[string]string
	for _, key := range keyOrder {
		groupRows := groups[key]
		out := map[string]string{groupCol: key}
		for _, spec := range specs {
			var numeric []float64
			for _, row := range groupRows {
				if v, ok := tryFloat(row[spec.col]); ok {
					numeric = append(numeric, v)
				}
			}
			switch spec.fn {
			case "count":
				out[spec.alias] = strconv.Itoa(len(groupRows))
			case "sum":
				total := 0.0
				for _, v := range numeric {
					total += v
				}
				out[spec.alias] = pyFloat(total)
			case "avg":
				if len(numeric) == 0 {
					out[spec.alias] = "0"
				} else {
					total := 0.0
					for _, v := range numeric {
						total += v
					}
					out[spec.alias] = pyFloat(total / float64(len(numeric)))
				}
			case "min":
				if len(numeric) == 0 {
					out[spec.alias] = ""
				} else {
					best := numeric[0]
					for _, v := range numeric[1:] {
						if v < best {
							best = v
						}
					}
					out[spec.alias] = pyFloat(best)
				}
			case "max":
				if len(numeric) == 0 {
					out[spec.alias] = ""
				} else {
					best := numeric[0]
					for _, v := range numeric[1:] {
						if v > best {
							best = v
						}
					}
					out[spec.alias] = pyFloat(best)
				}
			}
		}
		rows = append(rows, out)
	}
	return table{cols: cols, rows: rows}, nil
}

func cmdRank(args string, t table, lineno int) (table, *scriptError) {
	if t.empty() {
		return t, failAt(lineno, "RANK requires data. Use LOAD first.")
	}
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return t, failAt(lineno, "RANK syntax: RANK column asc|desc")
	}
	col, direction := parts[0], strings.ToLower(parts[1])
	if err := t.checkCol(col, lineno); err != nil {
		return t, err
	}
	if direction != "asc" && direction != "desc" {
		return t, failAt(lineno, "RANK direction must be 'asc' or 'desc', got '%s'", parts[1])
	}
	rows := make([]map[string]string, len(t.rows))
	copy(rows, t.rows)
	less := func(a, b map[string]string) bool {
		av, aNum := tryFloat(a[col])
		bv, bNum := tryFloat(b[col])
		switch {
		case aNum && bNum:
			return av < bv
		case aNum != bNum:
			// Numbers sort ahead of strings.
			return aNum
		default:
			return a[col] < b[col]
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if direction == "desc" {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})
	return table{cols: t.cols, rows: rows}, nil
}

func cmdPick(args string, t table, lineno int) (table, *scriptError) {
	if t.empty() {
		return t, failAt(lineno, "PICK requires data. Use LOAD first.")
	}
	var cols []string
	for _, c := range strings.Split(args, ",") {
		cols = append(cols, strings.TrimSpace(c))
	}
	for _, c := range cols {
		if err := t.checkCol(c, lineno); err != nil {
			return t, err
		}
	}
	var rows []map[string]string
	for _, row := range t.rows {
		out := make(map[string]string, len(cols))
		for _, c := range cols {
			out[c] = row[c]
		}
		rows = append(rows, out)
	}
	return table{cols: cols, rows: rows}, nil
}

var deriveRe = regexp.MustCompile(`^(\w+)\s*=\s*(.*)$`)
var deriveTokenRe = regexp.MustCompile(`[\w.]+|[+\-*/]`)

func cmdDerive(args string, t table, lineno int) (table, *scriptError) {
	if t.empty() {
		return t, failAt(lineno, "DERIVE requires data. Use LOAD first.")
	}
	m := deriveRe.FindStringSubmatch(strings.TrimSpace(args))
	if m == nil {
		return t, failAt(lineno, "DERIVE syntax: DERIVE new_col = expression")
	}
	newCol := m[1]
	tokens := deriveTokenRe.FindAllString(strings.TrimSpace(m[2]), -1)
	if len(tokens) == 0 {
		return t, failAt(lineno, "DERIVE expression is empty.")
	}

	cols := t.cols
	colSet := map[string]bool{}
	for _, c := range cols {
		colSet[c] = true
	}

	var rows []map[string]string
	for _, row := range t.rows {
		var terms []exprTerm
		for _, tok := range tokens {
			if tok == "+" || tok == "-" || tok == "*" || tok == "/" {
				terms = append(terms, exprTerm{op: tok})
				continue
			}
			if colSet[tok] {
				v, ok := tryFloat(row[tok])
				if !ok {
					return t, failAt(lineno, "DERIVE evaluation error: name '%s' is not defined", row[tok])
				}
				terms = append(terms, exprTerm{value: v, isFloat: true})
				continue
			}
			if v, ok := tryFloat(tok); ok {
				terms = append(terms, exprTerm{value: v, isFloat: strings.Contains(tok, ".")})
				continue
			}
			return t, failAt(lineno, "Column '%s' not found. Available: %s", tok, strings.Join(cols, ", "))
		}
		val, evalErr := evalExpr(terms)
		if evalErr != nil {
			return t, failAt(lineno, "DERIVE evaluation error: %v", evalErr)
		}
		newRow := make(map[string]string, len(row)+1)
		for k, v := range row {
			newRow[k] = v
		}
		newRow[newCol] = val
		rows = append(rows, newRow)
	}
	if !colSet[newCol] {
		cols = append(append([]string{}, t.cols...), newCol)
	}
	return table{cols: cols, rows: rows}, nil
}

type exprTerm struct {
	op      string
	value   float64
	isFloat bool
}

// evalExpr evaluates a flat +-*/ expression with standard precedence.
// Division always yields a float; division by zero yields "0".
func evalExpr(terms []exprTerm) (string, error) {
	if len(terms) == 0 || terms[0].op != "" || len(terms)%2 == 0 {
		return "", fmt.Errorf("invalid expression")
	}
	for i, term := range terms {
		if (i%2 == 0) == (term.op != "") {
			return "", fmt.Errorf("invalid expression")
		}
	}

	values := []exprTerm{terms[0]}
	var ops []string
	for i := 1; i < len(terms); i += 2 {
		ops = append(ops, terms[i].op)
		values = append(values, terms[i+1])
	}

	apply := func(stage map[string]bool) error {
		for i := 0; i < len(ops); {
			if !stage[ops[i]] {
				i++
				continue
			}
			left, right := values[i], values[i+1]
			out := exprTerm{isFloat: left.isFloat || right.isFloat}
			switch ops[i] {
			case "*":
				out.value = left.value * right.value
			case "/":
				if right.value == 0 {
					return errDivZero
				}
				out.value = left.value / right.value
				out.isFloat = true
			case "+":
				out.value = left.value + right.value
			case "-":
				out.value = left.value - right.value
			}
			values[i] = out
			values = append(values[:i+1], values[i+2:]...)
			ops = append(ops[:i], ops[i+1:]...)
		}
		return nil
	}
	if err := apply(map[string]bool{"*": true, "/": true}); err != nil {
		if err == errDivZero {
			return "0", nil
		}
		return "", err
	}
	if err := apply(map[string]bool{"+": true, "-": true}); err != nil {
		if err == errDivZero {
			return "0", nil
		}
		return "", err
	}
	result := values[0]
	if result.isFloat {
		return pyFloat(result.value), nil
	}
	return strconv.FormatInt(int64(result.value), 10), nil
}

var errDivZero = fmt.Errorf("division by zero")

var mergeOnRe = regexp.MustCompile(`(?i)^\s*ON\s+(\w+)`)

func cmdMerge(args string, t table, workdir string, lineno int) (table, *scriptError) {
	if t.empty() {
		return t, failAt(lineno, "MERGE requires data. Use LOAD first.")
	}
	path, rest, ok := parseQuoted(strings.TrimSpace(args))
	if !ok {
		return t, failAt(lineno, `MERGE path must be quoted. Use: MERGE "file.csv" ON column`)
	}
	m := mergeOnRe.FindStringSubmatch(rest)
	if m == nil {
		return t, failAt(lineno, `MERGE syntax: MERGE "file.csv" ON column`)
	}
	joinCol := m[1]
	if err := t.checkCol(joinCol, lineno); err != nil {
		return t, err
	}

	full := filepath.Join(workdir, path)
	if info, err := os.Stat(full); err != nil || info.IsDir() {
		return t, failAt(lineno, `File not found: "%s" (resolved to %s)`, path, full)
	}
	right, err := loadCSV(full)
	if err != nil {
		return t, failAt(lineno, "Failed reading \"%s\": %v", path, err)
	}
	if right.empty() {
		return t, nil
	}
	rightHasJoin := false
	for _, c := range right.cols {
		if c == joinCol {
			rightHasJoin = true
			break
		}
	}
	if !rightHasJoin {
		return t, failAt(lineno, "Column '%s' not found in '%s'. Available: %s", joinCol, path, strings.Join(right.cols, ", "))
	}

	rightIndex := map[string][]map[string]string{}
	for _, rr := range right.rows {
		rightIndex[rr[joinCol]] = append(rightIndex[rr[joinCol]], rr)
	}

	leftColSet := map[string]bool{}
	for _, c := range t.cols {
		leftColSet[c] = true
	}
	cols := append([]string{}, t.cols...)
	for _, c := range right.cols {
		if c != joinCol && !leftColSet[c] {
			cols = append(cols, c)
		}
	}

	var rows []map[string]string
	for _, lr := range t.rows {
		for _, rr := range rightIndex[lr[joinCol]] {
			merged := make(map[string]string, len(cols))
			for k, v := range lr {
				merged[k] = v
			}
			for _, k := range right.cols {
				if k != joinCol {
					merged[k] = rr[k]
				}
			}
			rows = append(rows, merged)
		}
	}
	return table{cols: cols, rows: rows}, nil
}

func cmdShow(args string, t table, out *strings.Builder, lineno int) *scriptError {
	if t.empty() {
		out.WriteString("(empty)\n")
		return nil
	}
	limit := 0
	args = strings.TrimSpace(args)
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil {
			return failAt(lineno, "SHOW takes an optional integer (row count), got '%s'", args)
		}
		limit = n
	}
	display := t.rows
	if limit > 0 && limit < len(display) {
		display = display[:limit]
	}
	writer := csv.NewWriter(out)
	writer.Write(t.cols)
	for _, row := range display {
		record := make([]string, len(t.cols))
		for i, c := range t.cols {
			record[i] = row[c]
		}
		writer.Write(record)
	}
	writer.Flush()
	return nil
}

// Run executes a script against workdir-resolved CSV files. On failure the
// returned error text is already adjusted for the error mode; stdout produced
// before the failure is discarded, matching a process that died mid-script.
func Run(script, workdir string, mode ErrorMode) (string, string) {
	return RunWithModes(script, workdir, mode, nil)
}

// RunWithModes additionally takes a per-command error mode map keyed by
// command name, so a session can mix helpful and degraded errors.
func RunWithModes(script, workdir string, mode ErrorMode, perCommand map[string]ErrorMode) (string, string) {
	current := table{}
	var out strings.Builder

	for i, rawLine := range strings.Split(script, "\n") {
		lineno := i + 1
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		cmd := strings.ToUpper(strings.TrimSpace(parts[0]))
		args := ""
		if len(parts) > 1 {
			args = strings.TrimSpace(parts[1])
		}

		var err *scriptError
		switch cmd {
		case "LOAD":
			current, err = cmdLoad(args, workdir, lineno)
		case "KEEP":
			current, err = cmdFilter(args, current, lineno, "KEEP", true)
		case "TOSS":
			current, err = cmdFilter(args, current, lineno, "TOSS", false)
		case "TALLY":
			current, err = cmdTally(args, current, lineno)
		case "RANK":
			current, err = cmdRank(args, current, lineno)
		case "PICK":
			current, err = cmdPick(args, current, lineno)
		case "DERIVE":
			current, err = cmdDerive(args, current, lineno)
		case "MERGE":
			current, err = cmdMerge(args, current, workdir, lineno)
		case "SHOW":
			err = cmdShow(args, current, &out, lineno)
		default:
			if suggestion, ok := sqlMistakes[cmd]; ok {
				err = failAt(lineno, "Unknown command '%s'. Did you mean '%s'?", cmd, suggestion)
			} else {
				err = failAt(lineno, "Unknown command '%s'. Valid commands: %s", cmd, strings.Join(commands, ", "))
			}
		}
		if err != nil {
			effective := mode
			if m, ok := perCommand[cmd]; ok {
				effective = m
			}
			return "", fmt.Sprintf("ERROR at line %d: %s", err.lineno, rewriteError(err.msg, effective))
		}
	}
	return strings.TrimRight(out.String(), "\n"), ""
}

// ParseErrorMode normalizes mode strings from config and mode maps.
func ParseErrorMode(raw string) ErrorMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cryptic":
		return ErrorModeCryptic
	case "semi", "semi_helpful", "semi-helpful":
		return ErrorModeSemiHelpful
	default:
		return ErrorModeHelpful
	}
}
