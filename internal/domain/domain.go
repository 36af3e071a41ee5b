// Package domain defines the uniform adapter protocol over concrete tool
// domains. The agent loop depends only on this surface; SQL execution, DSL
// interpretation, HTTP fetches, and subprocess spawns stay opaque behind it.
package domain

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Canonical meta-tool names shared by every domain.
const (
	ReadSkillToolName   = "read_skill"
	ShowFixtureToolName = "show_fixture"
)

// Opaque aliases replace tool names when the agent must discover semantics
// from skill docs instead of tool descriptions.
const (
	OpaqueExecutorName = "dispatch"
	OpaqueSkillName    = "probe"
	OpaqueFixtureName  = "catalog"
)

// PropertySpec declares one schema property.
type PropertySpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// InputSchema is the declarative JSON-Schema-ish shape the validator honors.
type InputSchema struct {
	Type                 string                  `json:"type"`
	Properties           map[string]PropertySpec `json:"properties,omitempty"`
	Required             []string                `json:"required,omitempty"`
	AdditionalProperties *bool                   `json:"additionalProperties,omitempty"`
}

// AdditionalPropertiesFalse reports whether unknown keys are rejected.
func (s InputSchema) AdditionalPropertiesFalse() bool {
	return s.AdditionalProperties != nil && !*s.AdditionalProperties
}

// ToolSpec is one tool definition handed to the LLM provider.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// ToolResult is the unified tool result: output XOR error.
type ToolResult struct {
	Output string
	Error  string
}

// IsError reports whether the result carries an error.
func (r ToolResult) IsError() bool {
	return r.Error != ""
}

// Workspace is the domain-agnostic per-run working state.
type Workspace struct {
	TaskID       string
	TaskDir      string
	WorkDir      string
	FixturePaths map[string]string
}

// FixtureRefs returns the sorted fixture keys exposed through show_fixture.
func (w Workspace) FixtureRefs() []string {
	refs := make([]string, 0, len(w.FixturePaths))
	for ref := range w.FixturePaths {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Doc is a local document exposed to the strict-mode knowledge provider.
type Doc struct {
	DocID string
	Path  string
	Title string
	Tags  []string
}

// Adapter is the protocol every domain satisfies.
type Adapter interface {
	// Name is the short domain identifier, e.g. "sqlite", "gridtool".
	Name() string
	// ExecutorToolName is the canonical name the agent calls to act.
	ExecutorToolName() string
	// ToolDefs returns executor + read_skill + show_fixture definitions.
	ToolDefs(fixtureRefs []string, opaque bool) []ToolSpec
	// BuildAliasMap maps api names back to canonical names.
	BuildAliasMap(opaque bool) map[string]string
	// PrepareWorkspace materializes a fresh per-run working directory.
	PrepareWorkspace(taskDir, workDir string) (Workspace, error)
	// Execute runs the executor tool. Failures surface descriptive error
	// text; that text is the raw material for fingerprints and tags.
	Execute(toolName string, toolInput map[string]any, workspace Workspace) ToolResult
	// CaptureFinalState dumps the final observable state for the judge.
	CaptureFinalState(workspace Workspace) string
	// SystemPromptFragment returns domain rules for the system prompt.
	SystemPromptFragment() string
	// QualityKeywords returns tokens counted by lesson quality scoring.
	QualityKeywords() *regexp.Regexp
	// DocsManifest lists local docs for the strict-mode critic.
	DocsManifest() []Doc
}

// ToolAlias pairs canonical and opaque identities of one tool.
type ToolAlias struct {
	CanonicalName        string
	OpaqueName           string
	CanonicalDescription string
	OpaqueDescription    string
}

// APIName resolves the wire-visible name for the chosen mode.
func (a ToolAlias) APIName(opaque bool) string {
	if opaque {
		return a.OpaqueName
	}
	return a.CanonicalName
}

// Description resolves the wire-visible description for the chosen mode.
func (a ToolAlias) Description(opaque bool) string {
	if opaque {
		return a.OpaqueDescription
	}
	return a.CanonicalDescription
}

// AliasMap builds {apiName: canonicalName} over a set of aliases.
func AliasMap(aliases []ToolAlias, opaque bool) map[string]string {
	out := map[string]string{}
	for _, alias := range aliases {
		out[alias.APIName(opaque)] = alias.CanonicalName
	}
	return out
}

// SkillAlias returns the standard read_skill alias pair.
func SkillAlias() ToolAlias {
	return ToolAlias{
		CanonicalName:        ReadSkillToolName,
		OpaqueName:           OpaqueSkillName,
		CanonicalDescription: "Read full contents of a skill document by stable skill_ref.",
		OpaqueDescription:    "Look up a reference document by ref key.",
	}
}

// FixtureAlias returns the standard show_fixture alias pair.
func FixtureAlias() ToolAlias {
	return ToolAlias{
		CanonicalName:        ShowFixtureToolName,
		OpaqueName:           OpaqueFixtureName,
		CanonicalDescription: "Read task fixture/bootstrap file by stable path_ref.",
		OpaqueDescription:    "Retrieve a named data artifact.",
	}
}

// BoolPtr is a helper for schema literals.
func BoolPtr(v bool) *bool {
	return &v
}

// ObjectSchema builds a closed object schema with string properties.
func ObjectSchema(required []string, props map[string]PropertySpec) InputSchema {
	return InputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: BoolPtr(false),
	}
}

// SkillToolSpec builds the read_skill definition for the chosen mode.
func SkillToolSpec(opaque bool) ToolSpec {
	alias := SkillAlias()
	return ToolSpec{
		Name:        alias.APIName(opaque),
		Description: alias.Description(opaque),
		InputSchema: ObjectSchema([]string{"skill_ref"}, map[string]PropertySpec{
			"skill_ref": {Type: "string"},
		}),
	}
}

// FixtureToolSpec builds the show_fixture definition for the chosen mode.
func FixtureToolSpec(fixtureRefs []string, opaque bool) ToolSpec {
	alias := FixtureAlias()
	refsText := "(none)"
	if len(fixtureRefs) > 0 {
		refsText = ""
		for i, ref := range fixtureRefs {
			if i > 0 {
				refsText += ", "
			}
			refsText += ref
		}
	}
	return ToolSpec{
		Name:        alias.APIName(opaque),
		Description: fmt.Sprintf("%s Available refs: %s.", alias.Description(opaque), refsText),
		InputSchema: ObjectSchema([]string{"path_ref"}, map[string]PropertySpec{
			"path_ref": {Type: "string"},
		}),
	}
}

// Registry is the process-wide adapter lookup keyed by domain name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register installs an adapter; later registrations win.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

// Get looks up an adapter by domain name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown domain: %q (registered: %v)", name, r.names())
	}
	return adapter, nil
}

// Names lists registered domains in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
