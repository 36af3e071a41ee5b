package sqlitedom

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"cortex/internal/domain"
)

// RunSqliteToolName is the canonical executor tool for this domain.
const RunSqliteToolName = "run_sqlite"

const execTimeout = 5 * time.Second

var sqlKeywords = regexp.MustCompile(
	`(?i)\b(` +
		`SELECT|INSERT|UPDATE|DELETE|CREATE|DROP|ALTER|BEGIN|COMMIT|ROLLBACK|` +
		`ON CONFLICT|GROUP BY|ORDER BY|WHERE|JOIN|PRIMARY KEY|FOREIGN KEY|` +
		`INTEGER|TEXT|REAL|BLOB|NULL|NOT NULL|UNIQUE|INDEX|TRANSACTION|` +
		`SUM|COUNT|AVG|MAX|MIN|HAVING|DISTINCT|UNION|EXCEPT|INTERSECT|` +
		`VALUES|INTO|FROM|TABLE|VIEW|TRIGGER|` +
		`fixture_seed|ledger|rejects|checkpoint_log|sales|error_log|inventory` +
		`)\b`)

func executorAlias() domain.ToolAlias {
	return domain.ToolAlias{
		CanonicalName:        RunSqliteToolName,
		OpaqueName:           domain.OpaqueExecutorName,
		CanonicalDescription: "Execute SQL against task-local sqlite database. No shell escapes. Dot-commands are restricted.",
		OpaqueDescription:    "Execute a command against the workspace. Consult skill docs for parameter semantics.",
	}
}

// Adapter satisfies domain.Adapter for sqlite CLI tasks.
type Adapter struct {
	docsRoot string
}

// NewAdapter returns the sqlite adapter. docsRoot points at the local docs
// directory exposed to the strict-mode knowledge provider; empty disables it.
func NewAdapter(docsRoot string) *Adapter {
	return &Adapter{docsRoot: docsRoot}
}

func (a *Adapter) Name() string             { return "sqlite" }
func (a *Adapter) ExecutorToolName() string { return RunSqliteToolName }

func (a *Adapter) ToolDefs(fixtureRefs []string, opaque bool) []domain.ToolSpec {
	alias := executorAlias()
	return []domain.ToolSpec{
		{
			Name:        alias.APIName(opaque),
			Description: alias.Description(opaque),
			InputSchema: domain.ObjectSchema([]string{"sql"}, map[string]domain.PropertySpec{
				"sql": {Type: "string", Description: "SQL (or safe .read) to execute against the task database."},
			}),
		},
		domain.SkillToolSpec(opaque),
		domain.FixtureToolSpec(fixtureRefs, opaque),
	}
}

func (a *Adapter) BuildAliasMap(opaque bool) map[string]string {
	return domain.AliasMap([]domain.ToolAlias{
		executorAlias(), domain.SkillAlias(), domain.FixtureAlias(),
	}, opaque)
}

func (a *Adapter) PrepareWorkspace(taskDir, workDir string) (domain.Workspace, error) {
	dbPath := filepath.Join(workDir, "task.db")
	fixturePaths, err := PrepareTaskWorkspace(taskDir, dbPath)
	if err != nil {
		return domain.Workspace{}, err
	}
	return domain.Workspace{
		TaskID:       filepath.Base(taskDir),
		TaskDir:      taskDir,
		WorkDir:      workDir,
		FixturePaths: fixturePaths,
	}, nil
}

func (a *Adapter) Execute(toolName string, toolInput map[string]any, workspace domain.Workspace) domain.ToolResult {
	sqlText, ok := toolInput["sql"].(string)
	if !ok {
		return domain.ToolResult{Error: fmt.Sprintf("run_sqlite requires string sql, got %v", toolInput["sql"])}
	}
	allowed := map[string]bool{}
	for _, path := range workspace.FixturePaths {
		allowed[path] = true
	}
	result := RunSQL(filepath.Join(workspace.WorkDir, "task.db"), sqlText, execTimeout, allowed)
	if result.OK {
		payload := result.Output
		if payload == "" {
			payload = "(ok)"
		}
		return domain.ToolResult{Output: payload}
	}
	return domain.ToolResult{Error: result.Error}
}

func (a *Adapter) CaptureFinalState(workspace domain.Workspace) string {
	return DumpDatabase(filepath.Join(workspace.WorkDir, "task.db"), 50)
}

func (a *Adapter) SystemPromptFragment() string {
	return "You are controlling a deterministic sqlite3 CLI environment.\n" +
		"Rules:\n" +
		"- Use run_sqlite for SQL execution.\n" +
		"- You must read at least one routed skill with read_skill before run_sqlite.\n" +
		"- Use read_skill whenever routed skill summaries are insufficient for exact execution.\n" +
		"- Use show_fixture to inspect fixture/bootstrap files.\n" +
		"- Keep SQL concise, deterministic, and verifiable.\n" +
		"- Do not use unsupported sqlite shell actions.\n"
}

func (a *Adapter) QualityKeywords() *regexp.Regexp {
	return sqlKeywords
}

func (a *Adapter) DocsManifest() []domain.Doc {
	if a.docsRoot == "" {
		return nil
	}
	return []domain.Doc{
		{
			DocID: "sqlite-core-syntax",
			Path:  filepath.Join(a.docsRoot, "sqlite", "core_syntax.md"),
			Title: "SQLite Core Syntax",
			Tags:  []string{"sqlite", "sql", "select", "insert", "aggregate"},
		},
		{
			DocID: "sqlite-import-patterns",
			Path:  filepath.Join(a.docsRoot, "sqlite", "import_patterns.md"),
			Title: "SQLite Import Patterns",
			Tags:  []string{"sqlite", "import", "fixture", "csv"},
		},
	}
}
