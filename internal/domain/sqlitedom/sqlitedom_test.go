package sqlitedom

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cortex/internal/domain"
)

func writeTask(t *testing.T) string {
	t.Helper()
	taskDir := filepath.Join(t.TempDir(), "tasks", "cli-sqlite-import-aggregate-v1")
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		t.Fatalf("mkdir task: %v", err)
	}
	bootstrap := `CREATE TABLE ledger (category TEXT NOT NULL, total INTEGER NOT NULL);`
	fixture := "category,amount\nfood,10\nfood,5\ntools,7\n,99\nbad,notanumber\n"
	if err := os.WriteFile(filepath.Join(taskDir, "bootstrap.sql"), []byte(bootstrap), 0644); err != nil {
		t.Fatalf("write bootstrap: %v", err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "fixture.csv"), []byte(fixture), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return taskDir
}

func preparedWorkspace(t *testing.T) (*Adapter, domain.Workspace) {
	t.Helper()
	adapter := NewAdapter("")
	workspace, err := adapter.PrepareWorkspace(writeTask(t), t.TempDir())
	if err != nil {
		t.Fatalf("PrepareWorkspace error = %v", err)
	}
	return adapter, workspace
}

func TestValidateSQLSafety(t *testing.T) {
	cases := []struct {
		name string
		sql  string
		want string
	}{
		{"empty", "   ", "SQL is empty."},
		{"shell escape", "!ls", "Shell escapes are forbidden in run_sqlite."},
		{"forbidden dot", ".shell rm -rf /", "Forbidden sqlite dot-command: .shell"},
		{"system dot", ".system cat /etc/passwd", "Forbidden sqlite dot-command: .system"},
		{"unsupported dot", ".tables", "Unsupported sqlite dot-command: .tables"},
		{"read without arg", ".read", ".read requires a path argument."},
		{"read outside allowlist", ".read /etc/passwd", ".read path is not allowlisted: '/etc/passwd'"},
		{"plain select", "SELECT 1;", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ValidateSQLSafety(tc.sql, "/tmp", nil)
			if got != tc.want {
				t.Fatalf("ValidateSQLSafety(%q) = %q, want %q", tc.sql, got, tc.want)
			}
		})
	}
}

func TestPrepareWorkspaceSeedsFixture(t *testing.T) {
	adapter, workspace := preparedWorkspace(t)

	result := adapter.Execute(RunSqliteToolName, map[string]any{
		"sql": "SELECT category, amount FROM fixture_seed ORDER BY category, amount;",
	}, workspace)
	if result.IsError() {
		t.Fatalf("Execute error = %q", result.Error)
	}
	want := "food,5\nfood,10\ntools,7"
	if result.Output != want {
		t.Fatalf("fixture_seed rows = %q, want %q (blank category and bad amount skipped)", result.Output, want)
	}
}

func TestExecuteReturnsOkForSilentStatements(t *testing.T) {
	adapter, workspace := preparedWorkspace(t)
	result := adapter.Execute(RunSqliteToolName, map[string]any{
		"sql": "INSERT INTO ledger (category, total) VALUES ('food', 15);",
	}, workspace)
	if result.IsError() {
		t.Fatalf("Execute error = %q", result.Error)
	}
	if result.Output != "(ok)" {
		t.Fatalf("output = %q, want (ok)", result.Output)
	}
}

func TestExecuteAggregateFromSeed(t *testing.T) {
	adapter, workspace := preparedWorkspace(t)
	result := adapter.Execute(RunSqliteToolName, map[string]any{
		"sql": "INSERT INTO ledger (category, total) " +
			"SELECT category, SUM(amount) FROM fixture_seed GROUP BY category; " +
			"SELECT category, total FROM ledger ORDER BY category;",
	}, workspace)
	if result.IsError() {
		t.Fatalf("Execute error = %q", result.Error)
	}
	if result.Output != "food,15\ntools,7" {
		t.Fatalf("ledger = %q", result.Output)
	}
}

func TestExecuteSurfacesSQLErrors(t *testing.T) {
	adapter, workspace := preparedWorkspace(t)
	result := adapter.Execute(RunSqliteToolName, map[string]any{
		"sql": "SELECT * FROM missing_table;",
	}, workspace)
	if !result.IsError() {
		t.Fatalf("expected error for missing table, got output %q", result.Output)
	}
	if !strings.Contains(result.Error, "missing_table") {
		t.Fatalf("error = %q, want mention of missing_table", result.Error)
	}
}

func TestExecuteRejectsNonStringSQL(t *testing.T) {
	adapter, workspace := preparedWorkspace(t)
	result := adapter.Execute(RunSqliteToolName, map[string]any{"sql": 42}, workspace)
	if !strings.HasPrefix(result.Error, "run_sqlite requires string sql") {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestReadAllowlistedBootstrap(t *testing.T) {
	adapter, workspace := preparedWorkspace(t)
	result := adapter.Execute(RunSqliteToolName, map[string]any{
		"sql": ".read " + workspace.FixturePaths["bootstrap.sql"],
	}, workspace)
	if result.IsError() && !strings.Contains(result.Error, "already exists") {
		t.Fatalf("allowlisted .read failed: %q", result.Error)
	}
}

func TestRunSQLStringLiteralSemicolon(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	result := RunSQL(dbPath, "CREATE TABLE t (v TEXT); INSERT INTO t VALUES ('a;b'); SELECT v FROM t;", 5*time.Second, nil)
	if !result.OK {
		t.Fatalf("RunSQL error = %q", result.Error)
	}
	if result.Output != "a;b" {
		t.Fatalf("output = %q, want a;b", result.Output)
	}
}

func TestCaptureFinalState(t *testing.T) {
	adapter, workspace := preparedWorkspace(t)
	adapter.Execute(RunSqliteToolName, map[string]any{
		"sql": "INSERT INTO ledger (category, total) VALUES ('food', 15);",
	}, workspace)
	dump := adapter.CaptureFinalState(workspace)
	if !strings.Contains(dump, "CREATE TABLE ledger") {
		t.Fatalf("dump missing schema: %q", dump)
	}
	if !strings.Contains(dump, "INSERT INTO ledger VALUES('food',15);") {
		t.Fatalf("dump missing data: %q", dump)
	}
}

func TestCaptureFinalStateNoDatabase(t *testing.T) {
	adapter := NewAdapter("")
	dump := adapter.CaptureFinalState(domain.Workspace{WorkDir: t.TempDir()})
	if dump != "(no database file)" {
		t.Fatalf("dump = %q", dump)
	}
}

func TestAliasMapModes(t *testing.T) {
	adapter := NewAdapter("")
	canonical := adapter.BuildAliasMap(false)
	if canonical["run_sqlite"] != "run_sqlite" {
		t.Fatalf("canonical alias map = %v", canonical)
	}
	opaque := adapter.BuildAliasMap(true)
	if opaque["dispatch"] != "run_sqlite" || opaque["probe"] != "read_skill" || opaque["catalog"] != "show_fixture" {
		t.Fatalf("opaque alias map = %v", opaque)
	}
}

func TestToolDefsOpaqueNamesAndRefs(t *testing.T) {
	adapter := NewAdapter("")
	defs := adapter.ToolDefs([]string{"bootstrap.sql", "fixture.csv"}, true)
	if len(defs) != 3 {
		t.Fatalf("tool defs = %d, want 3", len(defs))
	}
	if defs[0].Name != "dispatch" || defs[1].Name != "probe" || defs[2].Name != "catalog" {
		t.Fatalf("opaque names = %s/%s/%s", defs[0].Name, defs[1].Name, defs[2].Name)
	}
	if !strings.Contains(defs[2].Description, "bootstrap.sql, fixture.csv") {
		t.Fatalf("fixture tool description = %q", defs[2].Description)
	}
	for _, def := range defs {
		if !def.InputSchema.AdditionalPropertiesFalse() {
			t.Fatalf("%s schema should reject unknown keys", def.Name)
		}
	}
}
