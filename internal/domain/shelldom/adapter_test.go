package shelldom

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cortex/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func prepared(t *testing.T) (*Adapter, domain.Workspace) {
	t.Helper()
	taskDir := t.TempDir()
	writeFile(t, taskDir, "task.md", "# Task\nproduce report.csv")
	writeFile(t, taskDir, "input.csv", "a,b\n1,2\n")
	writeFile(t, taskDir, "CONTRACT.json", `{"required_files":["report.csv"]}`)

	adapter := NewAdapter()
	workspace, err := adapter.PrepareWorkspace(taskDir, t.TempDir())
	if err != nil {
		t.Fatalf("PrepareWorkspace error = %v", err)
	}
	return adapter, workspace
}

func TestPrepareWorkspaceCopiesFixtures(t *testing.T) {
	_, workspace := prepared(t)

	if _, err := os.Stat(filepath.Join(workspace.WorkDir, "input.csv")); err != nil {
		t.Fatalf("input.csv not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workspace.WorkDir, "task.md")); !os.IsNotExist(err) {
		t.Fatalf("task.md should stay fixture-only")
	}
	if _, ok := workspace.FixturePaths["CONTRACT.json"]; ok {
		t.Fatalf("CONTRACT.json must not be exposed as a fixture")
	}
	if _, ok := workspace.FixturePaths["task.md"]; !ok {
		t.Fatalf("task.md missing from fixtures: %v", workspace.FixturePaths)
	}
}

func TestExecuteSuccessPayload(t *testing.T) {
	adapter, workspace := prepared(t)
	result := adapter.Execute(RunBashToolName, map[string]any{"command": "echo hello"}, workspace)
	if result.IsError() {
		t.Fatalf("Execute error = %q", result.Error)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Output), &payload); err != nil {
		t.Fatalf("output not JSON: %v (%q)", err, result.Output)
	}
	if payload["returncode"].(float64) != 0 || payload["stdout"] != "hello" || payload["stderr"] != "" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestExecuteRunsInWorkDir(t *testing.T) {
	adapter, workspace := prepared(t)
	result := adapter.Execute(RunBashToolName, map[string]any{"command": "cat input.csv | wc -l"}, workspace)
	if result.IsError() {
		t.Fatalf("Execute error = %q", result.Error)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Output), &payload); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if strings.TrimSpace(payload["stdout"].(string)) != "2" {
		t.Fatalf("stdout = %q, want 2 lines", payload["stdout"])
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	adapter, workspace := prepared(t)
	result := adapter.Execute(RunBashToolName, map[string]any{"command": "echo boom >&2; exit 3"}, workspace)
	if !result.IsError() {
		t.Fatalf("expected error, got output %q", result.Output)
	}
	if !strings.HasPrefix(result.Error, "run_bash exited with code 3: boom") {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestExecuteRejectsBlankCommand(t *testing.T) {
	adapter, workspace := prepared(t)
	result := adapter.Execute(RunBashToolName, map[string]any{"command": "   "}, workspace)
	if !strings.HasPrefix(result.Error, "run_bash requires non-empty string command") {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestClipText(t *testing.T) {
	long := strings.Repeat("word ", 1000)
	clipped := clipText(long, 100)
	if len(clipped) != 100 || !strings.HasSuffix(clipped, "...") {
		t.Fatalf("clipped length = %d, suffix = %q", len(clipped), clipped[len(clipped)-3:])
	}
	if clipText("short  text", 100) != "short text" {
		t.Fatalf("whitespace not compacted")
	}
}

func TestCaptureFinalStateListsFiles(t *testing.T) {
	adapter, workspace := prepared(t)
	adapter.Execute(RunBashToolName, map[string]any{"command": "printf 'x,y\\n1,2\\n' > report.csv"}, workspace)

	state := adapter.CaptureFinalState(workspace)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(state), &parsed); err != nil {
		t.Fatalf("state not JSON: %v", err)
	}
	files := parsed["files"].([]any)
	var names []string
	for _, f := range files {
		names = append(names, f.(map[string]any)["path"].(string))
	}
	joined := strings.Join(names, " ")
	if !strings.Contains(joined, "report.csv") || !strings.Contains(joined, "input.csv") {
		t.Fatalf("files = %v", names)
	}
}
