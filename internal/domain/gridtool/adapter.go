package gridtool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"cortex/internal/domain"
)

// RunGridtoolToolName is the canonical executor tool for this domain.
const RunGridtoolToolName = "run_gridtool"

var gridtoolKeywords = regexp.MustCompile(
	`(?i)\b(LOAD|KEEP|TOSS|TALLY|RANK|PICK|DERIVE|MERGE|SHOW|` +
		`eq|neq|gt|lt|gte|lte|sum|count|avg|min|max|asc|desc)\b`)

func executorAlias() domain.ToolAlias {
	return domain.ToolAlias{
		CanonicalName:        RunGridtoolToolName,
		OpaqueName:           domain.OpaqueExecutorName,
		CanonicalDescription: "Execute gridtool commands against CSV data. Pass commands as a string.",
		OpaqueDescription:    "Execute a command against the workspace. Consult skill docs for parameter semantics.",
	}
}

// Adapter satisfies domain.Adapter for gridtool tasks.
type Adapter struct {
	mode     ErrorMode
	docsRoot string
}

// NewAdapter builds a gridtool adapter with the given error mode.
func NewAdapter(mode ErrorMode, docsRoot string) *Adapter {
	if mode == "" {
		mode = ErrorModeHelpful
	}
	return &Adapter{mode: mode, docsRoot: docsRoot}
}

func (a *Adapter) Name() string             { return "gridtool" }
func (a *Adapter) ExecutorToolName() string { return RunGridtoolToolName }

func (a *Adapter) ToolDefs(fixtureRefs []string, opaque bool) []domain.ToolSpec {
	alias := executorAlias()
	return []domain.ToolSpec{
		{
			Name:        alias.APIName(opaque),
			Description: alias.Description(opaque),
			InputSchema: domain.ObjectSchema([]string{"commands"}, map[string]domain.PropertySpec{
				"commands": {Type: "string", Description: "gridtool commands to execute (one per line)."},
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

// PrepareWorkspace copies task CSVs into the working directory so LOAD can
// resolve bare filenames; show_fixture still reads the originals.
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
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".csv" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	fixturePaths := map[string]string{}
	for _, name := range names {
		src := filepath.Join(taskDir, name)
		if err := copyFile(src, filepath.Join(workDir, name)); err != nil {
			return domain.Workspace{}, fmt.Errorf("copy fixture %s: %w", name, err)
		}
		fixturePaths[name] = src
	}
	taskMD := filepath.Join(taskDir, "task.md")
	if _, err := os.Stat(taskMD); err == nil {
		fixturePaths["task.md"] = taskMD
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
	commands, ok := toolInput["commands"].(string)
	if !ok {
		return domain.ToolResult{Error: fmt.Sprintf("run_gridtool requires string commands, got %v", toolInput["commands"])}
	}
	output, errText := Run(commands, workspace.WorkDir, a.mode)
	if errText != "" {
		return domain.ToolResult{Error: errText}
	}
	if output == "" {
		output = "(ok)"
	}
	return domain.ToolResult{Output: output}
}

// CaptureFinalState is a hint only: gridtool writes results to stdout, so
// final state lives in the event log, not on disk.
func (a *Adapter) CaptureFinalState(workspace domain.Workspace) string {
	return "See event log for gridtool SHOW outputs."
}

func (a *Adapter) SystemPromptFragment() string {
	return "You are controlling a gridtool CLI environment.\n" +
		"gridtool is a data processing tool with its own syntax.\n" +
		"You MUST read the skill doc before using it — the syntax is NOT SQL.\n" +
		"Rules:\n" +
		"- Use run_gridtool to execute gridtool commands.\n" +
		"- You must read at least one routed skill with read_skill before run_gridtool.\n" +
		"- Use read_skill whenever routed skill summaries are insufficient for exact execution.\n" +
		"- Use show_fixture to inspect fixture files.\n" +
		"- gridtool commands: LOAD, KEEP, TOSS, TALLY, RANK, PICK, DERIVE, MERGE, SHOW.\n" +
		"- Do NOT use SQL syntax — gridtool is completely different.\n"
}

func (a *Adapter) QualityKeywords() *regexp.Regexp {
	return gridtoolKeywords
}

func (a *Adapter) DocsManifest() []domain.Doc {
	if a.docsRoot == "" {
		return nil
	}
	return []domain.Doc{
		{
			DocID: "gridtool-command-reference",
			Path:  filepath.Join(a.docsRoot, "gridtool", "command_reference.md"),
			Title: "gridtool Command Reference",
			Tags:  []string{"gridtool", "tally", "keep", "rank", "derive", "merge"},
		},
	}
}
