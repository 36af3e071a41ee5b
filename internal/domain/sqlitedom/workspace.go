package sqlitedom

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PrepareTaskWorkspace builds a fresh database for one task run: bootstrap
// schema first, then the fixture CSV loaded into fixture_seed so the model
// can import from SQL instead of shell redirects.
func PrepareTaskWorkspace(taskDir, dbPath string) (map[string]string, error) {
	if _, err := os.Stat(taskDir); err != nil {
		return nil, fmt.Errorf("unknown task dir %q: %w", taskDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	os.Remove(dbPath)

	fixturePaths := map[string]string{
		"fixture.csv":   filepath.Join(taskDir, "fixture.csv"),
		"bootstrap.sql": filepath.Join(taskDir, "bootstrap.sql"),
	}

	if err := executeBootstrapSQL(dbPath, fixturePaths["bootstrap.sql"]); err != nil {
		return nil, err
	}
	if err := loadFixtureSeed(dbPath, fixturePaths["fixture.csv"]); err != nil {
		return nil, err
	}
	return fixturePaths, nil
}

func executeBootstrapSQL(dbPath, bootstrapPath string) error {
	data, err := os.ReadFile(bootstrapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read bootstrap sql: %w", err)
	}
	result := RunSQL(dbPath, string(data), 5*time.Second, map[string]bool{bootstrapPath: true})
	if !result.OK {
		return fmt.Errorf("failed to execute bootstrap SQL: %s", result.Error)
	}
	return nil
}

func loadFixtureSeed(dbPath, fixtureCSVPath string) error {
	file, err := os.Open(fixtureCSVPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open fixture csv: %w", err)
	}
	defer file.Close()

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("open task db: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS fixture_seed (
		category TEXT NOT NULL,
		amount INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create fixture_seed: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM fixture_seed`); err != nil {
		return fmt.Errorf("reset fixture_seed: %w", err)
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("read fixture header: %w", err)
	}
	categoryIdx, amountIdx := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case "category":
			categoryIdx = i
		case "amount":
			amountIdx = i
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin fixture load: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO fixture_seed(category, amount) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare fixture insert: %w", err)
	}
	defer stmt.Close()

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("read fixture row: %w", err)
		}
		category := ""
		if categoryIdx >= 0 && categoryIdx < len(record) {
			category = strings.TrimSpace(record[categoryIdx])
		}
		if category == "" {
			continue
		}
		amountRaw := "0"
		if amountIdx >= 0 && amountIdx < len(record) {
			amountRaw = strings.TrimSpace(record[amountIdx])
		}
		amount, err := strconv.Atoi(amountRaw)
		if err != nil {
			continue
		}
		if _, err := stmt.Exec(category, amount); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert fixture row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fixture load: %w", err)
	}
	return nil
}

// DumpDatabase renders schema plus data as SQL, bounded to the last maxLines
// lines so the judge sees final state without unbounded payloads.
func DumpDatabase(dbPath string, maxLines int) string {
	if _, err := os.Stat(dbPath); err != nil {
		return "(no database file)"
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Sprintf("(dump failed: %v)", err)
	}
	defer db.Close()

	var lines []string
	rows, err := db.Query(`SELECT name, sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return fmt.Sprintf("(dump failed: %v)", err)
	}
	type table struct{ name, ddl string }
	var tables []table
	for rows.Next() {
		var t table
		if err := rows.Scan(&t.name, &t.ddl); err != nil {
			rows.Close()
			return fmt.Sprintf("(dump failed: %v)", err)
		}
		tables = append(tables, t)
	}
	rows.Close()

	for _, t := range tables {
		lines = append(lines, t.ddl+";")
		dataRows, err := db.Query(fmt.Sprintf(`SELECT * FROM "%s"`, t.name))
		if err != nil {
			return fmt.Sprintf("(dump failed: %v)", err)
		}
		cols, _ := dataRows.Columns()
		values := make([]any, len(cols))
		scanners := make([]any, len(cols))
		for i := range values {
			scanners[i] = &values[i]
		}
		for dataRows.Next() {
			if err := dataRows.Scan(scanners...); err != nil {
				dataRows.Close()
				return fmt.Sprintf("(dump failed: %v)", err)
			}
			rendered := make([]string, len(cols))
			for i, v := range values {
				rendered[i] = sqlLiteral(v)
			}
			lines = append(lines, fmt.Sprintf("INSERT INTO %s VALUES(%s);", t.name, strings.Join(rendered, ",")))
		}
		dataRows.Close()
	}

	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

func sqlLiteral(v any) string {
	switch typed := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return "'" + strings.ReplaceAll(string(typed), "'", "''") + "'"
	case string:
		return "'" + strings.ReplaceAll(typed, "'", "''") + "'"
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		return strconv.FormatFloat(typed, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
