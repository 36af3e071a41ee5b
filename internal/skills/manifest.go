// Package skills discovers SKILL.md files, builds the routing manifest, and
// resolves skill content for the read_skill tool. Skills are metadata-first:
// the agent sees title/description summaries and must read a skill explicitly
// to get its body.
package skills

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfidence seeds manifest entries that have no promotion history.
const DefaultConfidence = 0.7

// ManifestEntry is one routable skill. Field order matches the sorted-key
// JSON layout of the manifest file.
type ManifestEntry struct {
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
	LastUpdated string  `json:"last_updated"`
	Path        string  `json:"path"`
	SkillRef    string  `json:"skill_ref"`
	Title       string  `json:"title"`
	Version     int     `json:"version"`
}

// DeriveSkillRef maps a skill file path to its manifest ref: the path segments
// under the skills/ directory, with a trailing SKILL.md dropped (or a .md
// extension stemmed).
func DeriveSkillRef(path string) string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	for i, part := range parts {
		if part == "skills" {
			parts = parts[i+1:]
			break
		}
	}
	if len(parts) > 0 {
		last := parts[len(parts)-1]
		if strings.EqualFold(last, "SKILL.md") {
			parts = parts[:len(parts)-1]
		} else if strings.EqualFold(filepath.Ext(last), ".md") {
			parts[len(parts)-1] = strings.TrimSuffix(last, filepath.Ext(last))
		}
	}
	if len(parts) == 0 || (len(parts) == 1 && parts[0] == "") {
		return "unknown-skill"
	}
	return strings.Join(parts, "/")
}

// frontMatter holds the fenced metadata keys a skill file may carry.
type frontMatter struct {
	Name        string
	Title       string
	Description string
	Version     string
}

func parseFrontMatter(text string) frontMatter {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return frontMatter{}
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return frontMatter{}
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &raw); err != nil {
		return frontMatter{}
	}
	var meta frontMatter
	pick := func(key string) string {
		value, ok := raw[key]
		if !ok || value == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(value))
	}
	meta.Name = pick("name")
	meta.Title = pick("title")
	meta.Description = pick("description")
	meta.Version = pick("version")
	return meta
}

func extractTitleAndDescription(text string) (string, string) {
	meta := parseFrontMatter(text)
	title := meta.Title
	if title == "" {
		title = meta.Name
	}
	lines := strings.Split(text, "\n")
	if title == "" {
		for _, line := range lines {
			stripped := strings.TrimSpace(line)
			if strings.HasPrefix(stripped, "#") {
				title = strings.TrimSpace(strings.TrimLeft(stripped, "#"))
				break
			}
		}
	}
	if title == "" {
		title = "Untitled Skill"
	}

	if desc := strings.TrimSpace(meta.Description); desc != "" {
		return title, desc
	}
	var prose []string
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") ||
			strings.HasPrefix(stripped, "- ") || strings.HasPrefix(stripped, "* ") {
			continue
		}
		prose = append(prose, stripped)
		if len(prose) >= 3 {
			break
		}
	}
	description := strings.TrimSpace(strings.Join(prose, " "))
	if description == "" {
		description = "No description provided."
	}
	return title, description
}

func extractVersion(text string) int {
	raw := strings.TrimSpace(parseFrontMatter(text).Version)
	if raw == "" {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// DiscoverSkillFiles returns every SKILL.md under root, sorted by path.
func DiscoverSkillFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == "SKILL.md" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// BuildManifest scans skillsRoot, writes the manifest JSON to manifestPath,
// and returns the entries sorted by skill_ref. A missing root yields an empty
// manifest rather than an error so bootstrap runs work on a clean tree.
func BuildManifest(skillsRoot, manifestPath string, defaultConfidence float64) ([]ManifestEntry, error) {
	if _, err := os.Stat(skillsRoot); err != nil {
		if writeErr := writeManifestFile(manifestPath, nil); writeErr != nil {
			return nil, writeErr
		}
		return nil, nil
	}

	paths, err := DiscoverSkillFiles(skillsRoot)
	if err != nil {
		return nil, fmt.Errorf("scan skills root: %w", err)
	}
	var entries []ManifestEntry
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}
		text := string(data)
		title, description := extractTitleAndDescription(text)
		entries = append(entries, ManifestEntry{
			Confidence:  defaultConfidence,
			Description: description,
			LastUpdated: stat.ModTime().UTC().Format(time.RFC3339),
			Path:        path,
			SkillRef:    DeriveSkillRef(path),
			Title:       title,
			Version:     extractVersion(text),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SkillRef < entries[j].SkillRef })
	if err := writeManifestFile(manifestPath, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeManifestFile(manifestPath string, entries []ManifestEntry) error {
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	if entries == nil {
		entries = []ManifestEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return os.WriteFile(manifestPath, append(data, '\n'), 0644)
}

// LoadManifest reads a previously written manifest file.
func LoadManifest(manifestPath string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", manifestPath, err)
	}
	return entries, nil
}

// SummariesText renders the metadata block injected into the system prompt.
func SummariesText(entries []ManifestEntry) string {
	if len(entries) == 0 {
		return "No skills available."
	}
	lines := []string{"Available skills (summary metadata only):"}
	for _, entry := range entries {
		lines = append(lines,
			"- ref: "+entry.SkillRef,
			"  title: "+entry.Title,
			"  description: "+entry.Description)
	}
	return strings.Join(lines, "\n")
}
