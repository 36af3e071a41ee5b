// Package shelldom executes agent shell commands in a task-local working
// directory. It is the loosest domain: no DSL, just bash plus whatever the
// task fixtures provide.
package shelldom

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"cortex/internal/domain"
)

// RunBashToolName is the canonical executor tool for this domain.
const RunBashToolName = "run_bash"

const commandTimeout = 45 * time.Second

var shellKeywords = regexp.MustCompile(
	`(?i)\b(` +
		`bash|python|python3|pip|module|traceback|stderr|exit code|` +
		`xlsx|excel|worksheet|workbook|openpyxl|xlsxwriter|pandas|csv|json|` +
		`chmod|ls|cat|cp|mv|mkdir|rm|sed|awk|grep|rg|curl` +
		`)\b`)

func executorAlias() domain.ToolAlias {
	return domain.ToolAlias{
		CanonicalName:        RunBashToolName,
		OpaqueName:           domain.OpaqueExecutorName,
		CanonicalDescription: "Execute shell command(s) in a task-local working directory.",
		OpaqueDescription:    "Execute a command against the workspace. Consult skill docs for parameter semantics.",
	}
}

func clipText(text string, maxChars int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if len(compact) <= maxChars {
		return compact
	}
	return compact[:maxChars-3] + "..."
}

// Adapter satisfies domain.Adapter for shell-command tasks.
type Adapter struct{}

// NewAdapter returns the shell adapter.
func NewAdapter() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string             { return "shell" }
func (a *Adapter) ExecutorToolName() string { return RunBashToolName }

func (a *Adapter) ToolDefs(fixtureRefs []string, opaque bool) []domain.ToolSpec {
	alias := executorAlias()
	return []domain.ToolSpec{
		{
			Name:        alias.APIName(opaque),
			Description: alias.Description(opaque),
			InputSchema: domain.ObjectSchema([]string{"command"}, map[string]domain.PropertySpec{
				"command": {Type: "string", Description: "Shell command(s) to execute in the task workspace."},
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

// PrepareWorkspace copies every task file except CONTRACT.json into the
// working directory. task.md stays fixture-only so the agent reads it through
// show_fixture rather than finding it on disk.
func (a *Adapter) PrepareWorkspace(taskDir, workDir string) (domain.Workspace, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return domain.Workspace{}, fmt.Errorf("create work dir: %w", err)
	}
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("read task dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	fixturePaths := map[string]string{}
	for _, name := range names {
		if name == "CONTRACT.json" {
			continue
		}
		src := filepath.Join(taskDir, name)
		fixturePaths[name] = src
		if name == "task.md" {
			continue
		}
		if err := copyFile(src, filepath.Join(workDir, name)); err != nil {
			return domain.Workspace{}, fmt.Errorf("copy fixture %s: %w", name, err)
		}
	}
	return domain.Workspace{
		TaskID:       filepath.Base(taskDir),
		TaskDir:      taskDir,
		WorkDir:      workDir,
		FixturePaths: fixturePaths,
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (a *Adapter) Execute(toolName string, toolInput map[string]any, workspace domain.Workspace) domain.ToolResult {
	command, ok := toolInput["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return domain.ToolResult{Error: fmt.Sprintf("run_bash requires non-empty string command, got %v", toolInput["command"])}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/bash", "-lc", command)
	cmd.Dir = workspace.WorkDir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		outText := clipText(stdout.String(), 1800)
		errText := clipText(stderr.String(), 1800)
		detail := "no output"
		if outText != "" || errText != "" {
			detail = fmt.Sprintf("stdout=%q stderr=%q", outText, errText)
		}
		return domain.ToolResult{Error: fmt.Sprintf("run_bash timed out after %.1fs: %s", commandTimeout.Seconds(), detail)}
	}

	outText := strings.TrimSpace(stdout.String())
	errText := strings.TrimSpace(stderr.String())
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			primary := errText
			if primary == "" {
				primary = outText
			}
			if primary == "" {
				primary = "(no output)"
			}
			return domain.ToolResult{Error: fmt.Sprintf("run_bash exited with code %d: %s", exitErr.ExitCode(), clipText(primary, 1800))}
		}
		return domain.ToolResult{Error: fmt.Sprintf("run_bash failed: %v", err)}
	}

	payload := map[string]any{
		"returncode": 0,
		"stdout":     "",
		"stderr":     "",
	}
	if outText != "" {
		payload["stdout"] = clipText(outText, 2200)
	}
	if errText != "" {
		payload["stderr"] = clipText(errText, 1200)
	}
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return domain.ToolResult{Error: fmt.Sprintf("run_bash failed: %v", marshalErr)}
	}
	return domain.ToolResult{Output: string(data)}
}

// CaptureFinalState reports the workspace file tree, xlsx summaries, and the
// last successful run_bash output as one JSON document.
func (a *Adapter) CaptureFinalState(workspace domain.Workspace) string {
	type fileRow struct {
		Path      string `json:"path"`
		SizeBytes int64  `json:"size_bytes"`
	}
	var fileRows []fileRow
	filepath.WalkDir(workspace.WorkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(workspace.WorkDir, path)
		if err != nil {
			return nil
		}
		fileRows = append(fileRows, fileRow{Path: rel, SizeBytes: info.Size()})
		return nil
	})
	sort.Slice(fileRows, func(i, j int) bool { return fileRows[i].Path < fileRows[j].Path })

	var xlsxInfos []map[string]any
	for _, row := range fileRows {
		if strings.HasSuffix(strings.ToLower(row.Path), ".xlsx") {
			xlsxInfos = append(xlsxInfos, inspectXLSX(filepath.Join(workspace.WorkDir, row.Path)))
		}
	}

	lastOutput := ""
	if file, err := os.Open(filepath.Join(workspace.WorkDir, "events.jsonl")); err == nil {
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var evt map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
				continue
			}
			tool, _ := evt["tool"].(string)
			ok, _ := evt["ok"].(bool)
			output, _ := evt["output"].(string)
			if tool == RunBashToolName && ok && output != "" {
				if len(output) > 2200 {
					output = output[:2200]
				}
				lastOutput = output
			}
		}
		file.Close()
	}

	limited := fileRows
	if len(limited) > 80 {
		limited = limited[:80]
	}
	if xlsxInfos == nil {
		xlsxInfos = []map[string]any{}
	}
	if limited == nil {
		limited = []fileRow{}
	}
	state := map[string]any{
		"workspace":              workspace.WorkDir,
		"files":                  limited,
		"xlsx":                   xlsxInfos,
		"last_successful_output": lastOutput,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Sprintf("(state capture failed: %v)", err)
	}
	return string(data)
}

func (a *Adapter) SystemPromptFragment() string {
	return "You are controlling a shell workspace.\n" +
		"Rules:\n" +
		"- Use run_bash for command execution.\n" +
		"- run_bash runs in a task-local working directory.\n" +
		"- Use show_fixture to inspect task files before writing scripts.\n" +
		"- You may use python3 from run_bash when needed.\n" +
		"- Keep commands deterministic and verify results with explicit checks.\n"
}

func (a *Adapter) QualityKeywords() *regexp.Regexp {
	return shellKeywords
}

func (a *Adapter) DocsManifest() []domain.Doc {
	return nil
}
