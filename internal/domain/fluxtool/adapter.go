package fluxtool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"cortex/internal/domain"
	"cortex/internal/domain/gridtool"
)

// RunFluxtoolToolName is the canonical executor tool for this domain.
const RunFluxtoolToolName = "run_fluxtool"

var fluxtoolKeywords = regexp.MustCompile(
	`(?i)\b(IMPORT|FILTER|EXCLUDE|GROUP|SORT|COLUMNS|COMPUTE|ATTACH|DISPLAY|` +
		`is|isnt|above|below|atleast|atmost|sum|count|avg|min|max|up|down)\b`)

// DefaultMixedErrorModeMap degrades most commands while keeping a few
// semi-helpful, so one session sees both error textures.
var DefaultMixedErrorModeMap = map[string]string{
	"IMPORT":  "semi",
	"EXCLUDE": "semi",
	"DISPLAY": "semi",
	"GROUP":   "cryptic",
	"ATTACH":  "cryptic",
	"COMPUTE": "cryptic",
	"FILTER":  "cryptic",
	"SORT":    "cryptic",
	"COLUMNS": "cryptic",
}

func executorAlias() domain.ToolAlias {
	return domain.ToolAlias{
		CanonicalName:        RunFluxtoolToolName,
		OpaqueName:           domain.OpaqueExecutorName,
		CanonicalDescription: "Execute fluxtool commands against CSV data. Pass commands as a string.",
		OpaqueDescription:    "Execute a command against the workspace. Consult skill docs for parameter semantics.",
	}
}

// Adapter satisfies domain.Adapter for the holdout fluxtool DSL.
type Adapter struct {
	mode     gridtool.ErrorMode
	modeMap  map[string]string
	docsRoot string
}

// Options configures error degradation for a fluxtool adapter.
type Options struct {
	Mode ErrorModeOption
	// ErrorModeMap overrides Mode per command; keys are fluxtool commands.
	ErrorModeMap map[string]string
	DocsRoot     string
}

// ErrorModeOption mirrors gridtool's modes plus a mixed preset.
type ErrorModeOption string

const (
	ModeHelpful     ErrorModeOption = "helpful"
	ModeSemiHelpful ErrorModeOption = "semi_helpful"
	ModeCryptic     ErrorModeOption = "cryptic"
	ModeMixed       ErrorModeOption = "mixed"
)

// NewAdapter builds a fluxtool adapter.
func NewAdapter(opts Options) *Adapter {
	adapter := &Adapter{
		mode:     gridtool.ErrorModeHelpful,
		docsRoot: opts.DocsRoot,
	}
	switch opts.Mode {
	case ModeCryptic:
		adapter.mode = gridtool.ErrorModeCryptic
	case ModeSemiHelpful:
		adapter.mode = gridtool.ErrorModeSemiHelpful
	case ModeMixed:
		adapter.modeMap = DefaultMixedErrorModeMap
	}
	if len(opts.ErrorModeMap) > 0 {
		adapter.modeMap = opts.ErrorModeMap
	}
	return adapter
}

func (a *Adapter) Name() string             { return "fluxtool" }
func (a *Adapter) ExecutorToolName() string { return RunFluxtoolToolName }

func (a *Adapter) ToolDefs(fixtureRefs []string, opaque bool) []domain.ToolSpec {
	alias := executorAlias()
	return []domain.ToolSpec{
		{
			Name:        alias.APIName(opaque),
			Description: alias.Description(opaque),
			InputSchema: domain.ObjectSchema([]string{"commands"}, map[string]domain.PropertySpec{
				"commands": {Type: "string", Description: "fluxtool commands to execute (one per line)."},
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

// PrepareWorkspace mirrors the gridtool layout so transfer comparisons
// isolate syntax remapping rather than environment drift.
func (a *Adapter) PrepareWorkspace(taskDir, workDir string) (domain.Workspace, error) {
	grid := gridtool.NewAdapter(gridtool.ErrorModeHelpful, "")
	workspace, err := grid.PrepareWorkspace(taskDir, workDir)
	if err != nil {
		return domain.Workspace{}, err
	}
	return workspace, nil
}

func (a *Adapter) Execute(toolName string, toolInput map[string]any, workspace domain.Workspace) domain.ToolResult {
	commands, ok := toolInput["commands"].(string)
	if !ok {
		return domain.ToolResult{Error: fmt.Sprintf("run_fluxtool requires string commands, got %v", toolInput["commands"])}
	}
	output, errText := Run(commands, workspace.WorkDir, a.mode, a.modeMap)
	if errText != "" {
		return domain.ToolResult{Error: errText}
	}
	if output == "" {
		output = "(ok)"
	}
	return domain.ToolResult{Output: output}
}

// CaptureFinalState replays the session event log for the last successful
// fluxtool output, since results only exist on stdout.
func (a *Adapter) CaptureFinalState(workspace domain.Workspace) string {
	eventsPath := filepath.Join(workspace.WorkDir, "events.jsonl")
	file, err := os.Open(eventsPath)
	if err != nil {
		return "(no events recorded)"
	}
	defer file.Close()

	lastOutput := ""
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
		if tool == RunFluxtoolToolName && ok && output != "" {
			lastOutput = output
		}
	}
	if lastOutput == "" {
		return "(no successful fluxtool output)"
	}
	if len(lastOutput) > 2000 {
		lastOutput = lastOutput[:2000]
	}
	return "Last successful fluxtool output:\n" + lastOutput
}

func (a *Adapter) SystemPromptFragment() string {
	return "You are controlling a fluxtool CLI environment.\n" +
		"fluxtool is a holdout data-processing DSL with remapped syntax — NOT SQL.\n" +
		"Rules:\n" +
		"- Use run_fluxtool to execute fluxtool commands.\n" +
		"- Use show_fixture to inspect fixture files.\n" +
		"- Before starting, check the Skills metadata section. If a skill's title or\n" +
		"  description seems relevant to your task, read it with read_skill using the\n" +
		"  exact skill_ref listed. Only call read_skill with refs that are listed —\n" +
		"  do not guess or invent skill_ref names.\n" +
		"- fluxtool commands: IMPORT, FILTER, EXCLUDE, GROUP, SORT, COLUMNS, COMPUTE, ATTACH, DISPLAY.\n" +
		"- Do NOT use SQL syntax and do NOT assume gridtool command names.\n"
}

func (a *Adapter) QualityKeywords() *regexp.Regexp {
	return fluxtoolKeywords
}

func (a *Adapter) DocsManifest() []domain.Doc {
	if a.docsRoot == "" {
		return nil
	}
	path := filepath.Join(a.docsRoot, "fluxtool", "fluxtool-reference.md")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return []domain.Doc{
		{
			DocID: "fluxtool/reference",
			Path:  path,
			Title: "Fluxtool Syntax Reference",
			Tags:  []string{"fluxtool", "import", "group", "compute", "attach", "display"},
		},
	}
}
