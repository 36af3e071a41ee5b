// Package sqlitedom runs agent SQL against a task-local sqlite database.
// Execution is in-process through the sqlite3 driver; the dot-command surface
// of the sqlite shell is reduced to a safe, allowlisted .read.
package sqlitedom

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	dotCommandRe  = regexp.MustCompile(`(?m)^\s*(\.[a-zA-Z]+)\b(.*)$`)
	shellEscapeRe = regexp.MustCompile(`(?m)^\s*![^\n]*$`)
)

var forbiddenDotCommands = map[string]bool{
	".shell":  true,
	".system": true,
}

// ExecResult is the outcome of one SQL execution.
type ExecResult struct {
	OK       bool
	Output   string
	Error    string
	ElapsedS float64
}

func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func isAllowedReadPath(rawPath, workdir string, allowlist map[string]bool) bool {
	candidate := strings.Trim(strings.TrimSpace(rawPath), `"'`)
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workdir, candidate)
	}
	return allowlist[normalizePath(candidate)]
}

// ValidateSQLSafety returns a rejection reason, or "" when the script is safe
// to run. Only .read against allowlisted files survives; every other
// dot-command is a shell feature the sandbox does not support.
func ValidateSQLSafety(sqlText, workdir string, allowedReadPaths map[string]bool) string {
	text := strings.TrimSpace(sqlText)
	if text == "" {
		return "SQL is empty."
	}
	if shellEscapeRe.MatchString(text) {
		return "Shell escapes are forbidden in run_sqlite."
	}
	for _, match := range dotCommandRe.FindAllStringSubmatch(text, -1) {
		cmd := strings.ToLower(strings.TrimSpace(match[1]))
		rest := strings.TrimSpace(match[2])
		if forbiddenDotCommands[cmd] {
			return fmt.Sprintf("Forbidden sqlite dot-command: %s", cmd)
		}
		if cmd == ".read" {
			if rest == "" {
				return ".read requires a path argument."
			}
			if !isAllowedReadPath(rest, workdir, allowedReadPaths) {
				return fmt.Sprintf(".read path is not allowlisted: '%s'", rest)
			}
			continue
		}
		return fmt.Sprintf("Unsupported sqlite dot-command: %s", cmd)
	}
	return ""
}

// inlineReads replaces each allowlisted .read line with the referenced file's
// contents, matching how the sqlite shell would process the script.
func inlineReads(sqlText, workdir string) (string, error) {
	var out []string
	for _, line := range strings.Split(sqlText, "\n") {
		match := dotCommandRe.FindStringSubmatch(line)
		if match == nil || strings.ToLower(strings.TrimSpace(match[1])) != ".read" {
			out = append(out, line)
			continue
		}
		raw := strings.Trim(strings.TrimSpace(match[2]), `"'`)
		if !filepath.IsAbs(raw) {
			raw = filepath.Join(workdir, raw)
		}
		data, err := os.ReadFile(raw)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", raw, err)
		}
		out = append(out, string(data))
	}
	return strings.Join(out, "\n"), nil
}

// splitStatements breaks a script at semicolons outside string literals.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inSingle, inDouble := false, false
	for i := 0; i < len(script); i++ {
		ch := script[i]
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case ch == ';' && !inSingle && !inDouble:
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}
		current.WriteByte(ch)
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

func returnsRows(stmt string) bool {
	head := strings.ToUpper(stmt)
	for _, prefix := range []string{"SELECT", "WITH", "VALUES", "PRAGMA", "EXPLAIN"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

func writeRowsCSV(w *csv.Writer, rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	values := make([]any, len(cols))
	scanners := make([]any, len(cols))
	for i := range values {
		scanners[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanners...); err != nil {
			return err
		}
		record := make([]string, len(cols))
		for i, v := range values {
			switch typed := v.(type) {
			case nil:
				record[i] = ""
			case []byte:
				record[i] = string(typed)
			case time.Time:
				record[i] = typed.Format("2006-01-02 15:04:05")
			case float64:
				record[i] = strconv.FormatFloat(typed, 'g', -1, 64)
			default:
				record[i] = fmt.Sprintf("%v", typed)
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RunSQL executes a script against dbPath and returns headerless CSV output
// for row-returning statements, matching the sqlite3 -batch -noheader -csv
// contract the rest of the system expects.
func RunSQL(dbPath, sqlText string, timeout time.Duration, allowedReadPaths map[string]bool) ExecResult {
	started := time.Now()
	workdir := normalizePath(filepath.Dir(dbPath))
	allowlist := map[string]bool{}
	for path := range allowedReadPaths {
		allowlist[normalizePath(path)] = true
	}
	fail := func(msg string) ExecResult {
		return ExecResult{Error: msg, ElapsedS: roundElapsed(time.Since(started))}
	}

	if reason := ValidateSQLSafety(sqlText, workdir, allowlist); reason != "" {
		return fail(reason)
	}
	script, err := inlineReads(sqlText, workdir)
	if err != nil {
		return fail(fmt.Sprintf("sqlite execution failed: %v", err))
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fail(fmt.Sprintf("sqlite open failed: %v", err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var out strings.Builder
	writer := csv.NewWriter(&out)
	for _, stmt := range splitStatements(script) {
		if returnsRows(stmt) {
			rows, err := db.QueryContext(ctx, stmt)
			if err != nil {
				return fail(execError(ctx, timeout, err))
			}
			err = writeRowsCSV(writer, rows)
			rows.Close()
			if err != nil {
				return fail(execError(ctx, timeout, err))
			}
			writer.Flush()
		} else {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fail(execError(ctx, timeout, err))
			}
		}
	}
	writer.Flush()
	return ExecResult{
		OK:       true,
		Output:   strings.TrimSpace(out.String()),
		ElapsedS: roundElapsed(time.Since(started)),
	}
}

func execError(ctx context.Context, timeout time.Duration, err error) string {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("sqlite timed out after %.1fs", timeout.Seconds())
	}
	return fmt.Sprintf("sqlite error: %v", err)
}

func roundElapsed(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000.0
}
