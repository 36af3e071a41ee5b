// Package artic exposes the public Art Institute of Chicago API as an agent
// domain. Only GET is allowed; responses come back as compact JSON envelopes
// with deterministic clipping so event logs stay bounded.
package artic

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cortex/internal/domain"
)

// RunArticToolName is the canonical executor tool for this domain.
const RunArticToolName = "run_artic"

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.artic.edu/api/v1"

const requestTimeout = 15 * time.Second

const maxOutputChars = 3600

var articKeywords = regexp.MustCompile(`(?i)\b(artic|artworks|search|pagination|query|fields|title|id)\b`)

func executorAlias() domain.ToolAlias {
	return domain.ToolAlias{
		CanonicalName: RunArticToolName,
		OpaqueName:    domain.OpaqueExecutorName,
		CanonicalDescription: "Execute a GET request to the Art Institute of Chicago API. " +
			"Input: method(GET), path(relative), query(object).",
		OpaqueDescription: "Execute a request against the workspace. Consult skill docs for parameter semantics.",
	}
}

// Adapter satisfies domain.Adapter for Artic API tasks.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// NewAdapter builds an artic adapter; baseURL "" uses the production API.
func NewAdapter(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
	}
}

func (a *Adapter) Name() string             { return "artic" }
func (a *Adapter) ExecutorToolName() string { return RunArticToolName }

func (a *Adapter) ToolDefs(fixtureRefs []string, opaque bool) []domain.ToolSpec {
	alias := executorAlias()
	return []domain.ToolSpec{
		{
			Name:        alias.APIName(opaque),
			Description: alias.Description(opaque),
			InputSchema: domain.InputSchema{
				Type: "object",
				Properties: map[string]domain.PropertySpec{
					"method": {Type: "string", Description: "HTTP method (GET only)."},
					"path":   {Type: "string", Description: "Relative API path, e.g. /artworks/search."},
					"query":  {Type: "object", Description: "Query parameters object (e.g. {q:'cat',limit:2,page:1})."},
				},
				Required:             []string{"path"},
				AdditionalProperties: domain.BoolPtr(false),
			},
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

func normalizePath(path string) string {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return ""
	}
	if strings.HasPrefix(cleaned, "http://") || strings.HasPrefix(cleaned, "https://") {
		return cleaned
	}
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

func queryValueText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func buildURL(base, path string, query map[string]any) string {
	full := base + path
	keys := make([]string, 0, len(query))
	for key := range query {
		if strings.TrimSpace(key) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, key := range keys {
		switch v := query[key].(type) {
		case nil:
			continue
		case []any:
			for _, item := range v {
				if item == nil {
					continue
				}
				values.Add(key, queryValueText(item))
			}
		default:
			values.Add(key, queryValueText(v))
		}
	}
	if encoded := values.Encode(); encoded != "" {
		full += "?" + encoded
	}
	return full
}

func compactJSON(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// compactJSONWithClip bounds the payload by replacing the result with an
// excerpt once the full envelope exceeds the budget; the request context and
// status always survive.
func compactJSONWithClip(payload map[string]any) string {
	text := compactJSON(payload)
	if len(text) <= maxOutputChars {
		return text
	}

	okFlag, _ := payload["ok"].(bool)
	budget := maxOutputChars - 240
	if budget < 64 {
		budget = 64
	}
	for budget >= 32 {
		clipped := map[string]any{
			"ok":             okFlag,
			"request":        payload["request"],
			"status":         payload["status"],
			"truncated":      true,
			"result_excerpt": text[:budget] + "...",
		}
		clippedText := compactJSON(clipped)
		if len(clippedText) <= maxOutputChars {
			return clippedText
		}
		budget -= 64
	}
	return compactJSON(map[string]any{
		"ok":             okFlag,
		"request":        payload["request"],
		"status":         payload["status"],
		"truncated":      true,
		"result_excerpt": "(truncated)",
	})
}

func clipCompact(text string, maxChars int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if len(compact) > maxChars {
		compact = compact[:maxChars-3] + "..."
	}
	return compact
}

func (a *Adapter) Execute(toolName string, toolInput map[string]any, workspace domain.Workspace) domain.ToolResult {
	methodRaw := "GET"
	if raw, present := toolInput["method"]; present {
		s, ok := raw.(string)
		if !ok {
			return domain.ToolResult{Error: fmt.Sprintf("run_artic requires string method, got %v", raw)}
		}
		methodRaw = s
	}
	method := strings.ToUpper(strings.TrimSpace(methodRaw))
	if method == "" {
		method = "GET"
	}
	if method != "GET" {
		return domain.ToolResult{Error: fmt.Sprintf("run_artic only supports GET method, got '%s'", methodRaw)}
	}

	pathRaw, ok := toolInput["path"].(string)
	if !ok {
		return domain.ToolResult{Error: fmt.Sprintf("run_artic requires string path, got %v", toolInput["path"])}
	}
	path := normalizePath(pathRaw)
	if path == "" {
		return domain.ToolResult{Error: "run_artic requires non-empty path"}
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return domain.ToolResult{Error: "run_artic path must be relative (example: /artworks/search)"}
	}

	query := map[string]any{}
	if raw, present := toolInput["query"]; present && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return domain.ToolResult{Error: fmt.Sprintf("run_artic requires query object, got %v", raw)}
		}
		query = m
	}

	requestContext := map[string]any{
		"method": method,
		"path":   path,
		"query":  query,
	}
	fullURL := buildURL(a.baseURL, path, query)
	req, err := http.NewRequest(http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.ToolResult{Error: fmt.Sprintf("Artic request failed for GET %s: %v", path, err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "cortex-artic-adapter/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
			return domain.ToolResult{Error: fmt.Sprintf("Artic request failed: timeout for GET %s", path)}
		}
		return domain.ToolResult{Error: fmt.Sprintf("Artic request failed: network error for GET %s: %v", path, err)}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ToolResult{Error: fmt.Sprintf("Artic request failed for GET %s: %v", path, err)}
	}

	if resp.StatusCode >= 400 {
		detail := ""
		if compact := clipCompact(string(body), 220); compact != "" {
			detail = ": " + compact
		}
		return domain.ToolResult{Error: fmt.Sprintf("Artic request failed: HTTP %d for GET %s%s", resp.StatusCode, path, detail)}
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		snippet := clipCompact(string(body), 183)
		return domain.ToolResult{Error: fmt.Sprintf("Artic response parse error for GET %s: expected JSON, received '%s'", path, snippet)}
	}

	payload := map[string]any{
		"ok":      true,
		"request": requestContext,
		"status":  resp.StatusCode,
		"result":  parsed,
	}
	return domain.ToolResult{Output: compactJSONWithClip(payload)}
}

// PrepareWorkspace exposes readable task files as fixtures; nothing is copied
// since run_artic never touches the filesystem.
func (a *Adapter) PrepareWorkspace(taskDir, workDir string) (domain.Workspace, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return domain.Workspace{}, fmt.Errorf("create work dir: %w", err)
	}
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("read task dir: %w", err)
	}
	allowed := map[string]bool{".md": true, ".txt": true, ".csv": true, ".json": true, ".sql": true}
	fixturePaths := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == "CONTRACT.json" {
			continue
		}
		if allowed[strings.ToLower(filepath.Ext(entry.Name()))] {
			fixturePaths[entry.Name()] = filepath.Join(taskDir, entry.Name())
		}
	}
	return domain.Workspace{
		TaskID:       filepath.Base(taskDir),
		TaskDir:      taskDir,
		WorkDir:      workDir,
		FixturePaths: fixturePaths,
	}, nil
}

// CaptureFinalState replays the event log for the last successful run_artic
// output; results never land on disk.
func (a *Adapter) CaptureFinalState(workspace domain.Workspace) string {
	file, err := os.Open(filepath.Join(workspace.WorkDir, "events.jsonl"))
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
		if tool == RunArticToolName && ok && output != "" {
			lastOutput = output
		}
	}
	if lastOutput == "" {
		return "(no successful run_artic output)"
	}
	if len(lastOutput) > 2400 {
		lastOutput = lastOutput[:2400]
	}
	return "Last successful run_artic output:\n" + lastOutput
}

func (a *Adapter) SystemPromptFragment() string {
	return "You are controlling an Art Institute of Chicago API environment.\n" +
		"Rules:\n" +
		"- Use run_artic to execute GET requests against https://api.artic.edu/api/v1.\n" +
		"- run_artic input fields: method (GET only), path (relative), query (object).\n" +
		"- Use show_fixture to inspect task files.\n" +
		"- Before starting, check the Skills metadata section. If a skill's title or\n" +
		"  description seems relevant to your task, read it with read_skill using the\n" +
		"  exact skill_ref listed. Only call read_skill with refs that are listed —\n" +
		"  do not guess or invent skill_ref names.\n" +
		"- Use precise query params for pagination/field extraction when requested.\n"
}

func (a *Adapter) QualityKeywords() *regexp.Regexp {
	return articKeywords
}

func (a *Adapter) DocsManifest() []domain.Doc {
	return nil
}
