// Package contract is the deterministic evaluator: a per-task CONTRACT.json
// names required/forbidden SQL patterns, verification queries against the
// session database, and an error budget. It never consults a model.
package contract

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"cortex/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// RequiredQuery is one verification query with its expected result rows.
type RequiredQuery struct {
	ID           string     `json:"id"`
	SQL          string     `json:"sql"`
	ExpectedRows [][]string `json:"expected_rows"`
}

// TaskMatch gates contract applicability on task-text terms.
type TaskMatch struct {
	All []string `json:"all"`
	Any []string `json:"any"`
}

// Setup names the fixture surface a contract assumes.
type Setup struct {
	BootstrapSQLPath string   `json:"bootstrap_sql_path"`
	FixturePaths     []string `json:"fixture_paths"`
}

// Signals are the deterministic checks.
type Signals struct {
	RequiredSQLPatterns  []string        `json:"required_sql_patterns"`
	ForbiddenSQLPatterns []string        `json:"forbidden_sql_patterns"`
	RequiredQueries      []RequiredQuery `json:"required_queries"`
	MaxErrorCount        int             `json:"max_error_count"`
}

// Contract is a full evaluation contract.
type Contract struct {
	ID          string    `json:"id"`
	TaskMatch   TaskMatch `json:"task_match"`
	Setup       Setup     `json:"setup"`
	Signals     Signals   `json:"signals"`
	PassRule    string    `json:"pass_rule"`
	ReasonCodes []string  `json:"reason_codes"`
}

// Evaluation is the evaluator verdict.
type Evaluation struct {
	Applicable   bool           `json:"applicable"`
	Passed       bool           `json:"passed"`
	Score        float64        `json:"score"`
	Reasons      []string       `json:"reasons"`
	Evidence     map[string]any `json:"evidence"`
	ContractPath string         `json:"contract_path"`
}

// DefaultContract covers the built-in csv-import-and-aggregate task when a
// task directory ships no CONTRACT.json of its own.
func DefaultContract() Contract {
	return Contract{
		ID: "cli-sqlite-import-aggregate-v1",
		TaskMatch: TaskMatch{
			All: []string{"sqlite"},
			Any: []string{"import", "aggregate", "group"},
		},
		Setup: Setup{
			BootstrapSQLPath: "bootstrap.sql",
			FixturePaths:     []string{"fixture.csv"},
		},
		Signals: Signals{
			RequiredSQLPatterns: []string{
				`(?is)create\s+table\s+sales`,
				`(?is)insert\s+into\s+sales`,
				`(?is)group\s+by\s+category`,
				`(?is)order\s+by\s+category`,
			},
			ForbiddenSQLPatterns: []string{`(?is)drop\s+table\s+sales`},
			RequiredQueries: []RequiredQuery{
				{
					ID:  "aggregate_rows",
					SQL: "SELECT category, SUM(amount) AS total FROM sales GROUP BY category ORDER BY category;",
					ExpectedRows: [][]string{
						{"bass", "9"}, {"drums", "13"}, {"lead", "8"},
					},
				},
			},
			MaxErrorCount: 1,
		},
		PassRule: "all_required && no_forbidden && required_queries_match && errors_within_budget",
		ReasonCodes: []string{
			"missing_required_pattern",
			"matched_forbidden_pattern",
			"required_query_mismatch",
			"too_many_errors",
		},
	}
}

// LoadContract reads tasksRoot/taskID/CONTRACT.json, falling back to the
// default contract when the file is absent or malformed.
func LoadContract(tasksRoot, taskID string) (Contract, string) {
	path := filepath.Join(tasksRoot, taskID, "CONTRACT.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultContract(), path
	}
	var contract Contract
	if err := json.Unmarshal(data, &contract); err != nil {
		logging.Get(logging.CategoryEval).Warn("malformed contract %s: %v (using default)", path, err)
		return DefaultContract(), path
	}
	return contract, path
}

func taskMatches(task string, contract Contract) bool {
	lowered := strings.ToLower(task)
	var allTerms, anyTerms []string
	for _, term := range contract.TaskMatch.All {
		if strings.TrimSpace(term) != "" {
			allTerms = append(allTerms, strings.ToLower(term))
		}
	}
	for _, term := range contract.TaskMatch.Any {
		if strings.TrimSpace(term) != "" {
			anyTerms = append(anyTerms, strings.ToLower(term))
		}
	}
	for _, term := range allTerms {
		if !strings.Contains(lowered, term) {
			return false
		}
	}
	if len(anyTerms) > 0 {
		found := false
		for _, term := range anyTerms {
			if strings.Contains(lowered, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func collectSQLEvents(events []map[string]any) ([]string, int) {
	var sqlRuns []string
	errorCount := 0
	for _, event := range events {
		if tool, _ := event["tool"].(string); tool != "run_sqlite" {
			continue
		}
		if toolInput, ok := event["tool_input"].(map[string]any); ok {
			if sqlText, ok := toolInput["sql"].(string); ok {
				sqlRuns = append(sqlRuns, sqlText)
			}
		}
		if ok, _ := event["ok"].(bool); !ok {
			errorCount++
		}
	}
	return sqlRuns, errorCount
}

func columnText(value any) string {
	switch v := value.(type) {
	case nil:
		return "None"
	case []byte:
		return string(v)
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		text := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(text, ".eE") {
			text += ".0"
		}
		return text
	default:
		return fmt.Sprintf("%v", v)
	}
}

func queryRows(dbPath, sqlText string) ([][]string, string) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err.Error()
	}
	defer db.Close()

	rows, err := db.Query(sqlText)
	if err != nil {
		return nil, err.Error()
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err.Error()
	}
	normalized := [][]string{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err.Error()
		}
		row := make([]string, len(cols))
		for i, value := range values {
			row[i] = columnText(value)
		}
		normalized = append(normalized, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err.Error()
	}
	return normalized, ""
}

func rowsEqual(a, b [][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

// Evaluate runs the contract checks over a finished session: SQL patterns
// against the merged run_sqlite inputs, verification queries against the
// session database, and the tool-error budget.
func Evaluate(task, taskID string, events []map[string]any, dbPath, tasksRoot string) Evaluation {
	contract, contractPath := LoadContract(tasksRoot, taskID)
	if !taskMatches(task, contract) {
		return Evaluation{
			Applicable:   false,
			Passed:       false,
			Score:        0.0,
			Reasons:      []string{},
			Evidence:     map[string]any{"note": "task did not match contract task_match"},
			ContractPath: contractPath,
		}
	}

	sqlRuns, errorCount := collectSQLEvents(events)
	mergedSQL := strings.Join(sqlRuns, "\n\n")

	matchedRequired := []string{}
	missingRequired := []string{}
	badPatterns := []string{}
	for _, pattern := range contract.Signals.RequiredSQLPatterns {
		if strings.TrimSpace(pattern) == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			badPatterns = append(badPatterns, fmt.Sprintf("required pattern %q: %v", pattern, err))
			continue
		}
		if !re.MatchString(mergedSQL) {
			missingRequired = append(missingRequired, pattern)
			continue
		}
		matchedRequired = append(matchedRequired, pattern)
	}

	forbiddenTotal := 0
	matchedForbidden := []string{}
	for _, pattern := range contract.Signals.ForbiddenSQLPatterns {
		if strings.TrimSpace(pattern) == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			badPatterns = append(badPatterns, fmt.Sprintf("forbidden pattern %q: %v", pattern, err))
			continue
		}
		forbiddenTotal++
		if re.MatchString(mergedSQL) {
			matchedForbidden = append(matchedForbidden, pattern)
		}
	}

	queryResults := []map[string]any{}
	queryFailures := 0
	for _, spec := range contract.Signals.RequiredQueries {
		queryID := spec.ID
		if queryID == "" {
			queryID = "required_query"
		}
		querySQL := strings.TrimSpace(spec.SQL)
		expected := spec.ExpectedRows
		if expected == nil {
			expected = [][]string{}
		}
		actual, queryErr := queryRows(dbPath, querySQL)
		matched := queryErr == "" && rowsEqual(actual, expected)
		if !matched {
			queryFailures++
		}
		var errField any
		if queryErr != "" {
			errField = queryErr
		}
		queryResults = append(queryResults, map[string]any{
			"id":            queryID,
			"sql":           querySQL,
			"matched":       matched,
			"error":         errField,
			"expected_rows": expected,
			"actual_rows":   actual,
		})
	}

	maxErrors := contract.Signals.MaxErrorCount
	checksTotal := len(matchedRequired) + len(missingRequired) + len(badPatterns) +
		forbiddenTotal + len(queryResults) + 1
	checksPassed := len(matchedRequired) + (forbiddenTotal - len(matchedForbidden)) + (len(queryResults) - queryFailures)
	if errorCount <= maxErrors {
		checksPassed++
	}
	score := 0.0
	if checksTotal > 0 {
		score = math.Round(math.Max(0.0, float64(checksPassed)/float64(checksTotal))*1000) / 1000
	}

	reasonSet := map[string]struct{}{}
	// An unparseable pattern is a broken contract, not a failed check; the
	// run still completes but can never pass under it.
	if len(badPatterns) > 0 {
		reasonSet["contract_error"] = struct{}{}
	}
	if len(missingRequired) > 0 {
		reasonSet["missing_required_pattern"] = struct{}{}
	}
	if len(matchedForbidden) > 0 {
		reasonSet["matched_forbidden_pattern"] = struct{}{}
	}
	if queryFailures > 0 {
		reasonSet["required_query_mismatch"] = struct{}{}
	}
	if errorCount > maxErrors {
		reasonSet["too_many_errors"] = struct{}{}
	}
	reasons := make([]string, 0, len(reasonSet))
	for reason := range reasonSet {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	passed := len(reasons) == 0
	if passed {
		score = 1.0
	}

	evidence := map[string]any{
		"sql_event_count": len(sqlRuns),
		"error_count":     errorCount,
		"max_error_count": maxErrors,
		"required_patterns": map[string]any{
			"matched": matchedRequired,
			"missing": missingRequired,
		},
		"forbidden_patterns": map[string]any{"matched": matchedForbidden},
		"contract_errors":    badPatterns,
		"required_queries":   queryResults,
	}
	return Evaluation{
		Applicable:   true,
		Passed:       passed,
		Score:        score,
		Reasons:      reasons,
		Evidence:     evidence,
		ContractPath: contractPath,
	}
}
