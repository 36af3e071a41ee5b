// Package config loads the harness configuration: a YAML file with defaults
// applied for every missing field, then environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all cortex configuration.
type Config struct {
	Name string `yaml:"name"`

	// Model selection and API access
	Models ModelsConfig `yaml:"models"`

	// Agent loop limits
	Run RunConfig `yaml:"run"`

	// Lesson pipeline and skill patching
	Learning LearningConfig `yaml:"learning"`

	// Filesystem layout
	Paths PathsConfig `yaml:"paths"`
}

// ModelsConfig selects the executor/critic/judge models.
type ModelsConfig struct {
	Executor string `yaml:"executor"`
	Critic   string `yaml:"critic"`
	// Judge empty means one tier above the executor.
	Judge               string `yaml:"judge"`
	APIKey              string `yaml:"api_key"`
	EnablePromptCaching bool   `yaml:"enable_prompt_caching"`
	Timeout             string `yaml:"timeout"`
}

// RunConfig bounds a single agent session.
type RunConfig struct {
	MaxSteps                 int    `yaml:"max_steps"`
	ValidationRetryCap       int    `yaml:"validation_retry_cap"`
	ReflectionErrorThreshold int    `yaml:"reflection_error_threshold"`
	ArchitectureMode         string `yaml:"architecture_mode"` // full, simplified
}

// LearningConfig tunes lesson generation, retrieval, promotion, and the
// legacy skill-patch path.
type LearningConfig struct {
	Mode                string  `yaml:"mode"` // strict, legacy
	MinLessonQuality    float64 `yaml:"min_lesson_quality"`
	RetrievalMaxResults int     `yaml:"retrieval_max_results"`
	PromotionMinUtility float64 `yaml:"promotion_min_utility"`

	AutoEscalateCritic        bool    `yaml:"auto_escalate_critic"`
	EscalationScoreThreshold  float64 `yaml:"escalation_score_threshold"`
	EscalationConsecutiveRuns int     `yaml:"escalation_consecutive_runs"`
}

// PathsConfig is the on-disk layout. Only Root is usually set; the rest are
// derived from it when left empty.
type PathsConfig struct {
	Root                string `yaml:"root"`
	SkillsRoot          string `yaml:"skills_root"`
	ManifestPath        string `yaml:"manifest_path"`
	TasksRoot           string `yaml:"tasks_root"`
	LearningRoot        string `yaml:"learning_root"`
	SessionsRoot        string `yaml:"sessions_root"`
	LessonsV2Path       string `yaml:"lessons_v2_path"`
	MemoryEventsPath    string `yaml:"memory_events_path"`
	QueuePath           string `yaml:"queue_path"`
	PromotedPath        string `yaml:"promoted_path"`
	EscalationStatePath string `yaml:"escalation_state_path"`
}

// Default returns the default configuration rooted at dir.
func Default(dir string) *Config {
	cfg := &Config{
		Name: "cortex",
		Models: ModelsConfig{
			Executor:            "claude-haiku-4-5",
			Critic:              "claude-haiku-4-5",
			EnablePromptCaching: true,
			Timeout:             "120s",
		},
		Run: RunConfig{
			MaxSteps:                 30,
			ValidationRetryCap:       2,
			ReflectionErrorThreshold: 2,
			ArchitectureMode:         "full",
		},
		Learning: LearningConfig{
			Mode:                      "legacy",
			MinLessonQuality:          0.15,
			RetrievalMaxResults:       3,
			PromotionMinUtility:       0.20,
			AutoEscalateCritic:        true,
			EscalationScoreThreshold:  0.75,
			EscalationConsecutiveRuns: 2,
		},
		Paths: PathsConfig{Root: dir},
	}
	cfg.Paths.derive()
	return cfg
}

func (p *PathsConfig) derive() {
	if p.Root == "" {
		p.Root = "."
	}
	learning := p.LearningRoot
	if learning == "" {
		learning = filepath.Join(p.Root, "learning")
		p.LearningRoot = learning
	}
	if p.SkillsRoot == "" {
		p.SkillsRoot = filepath.Join(p.Root, "skills")
	}
	if p.ManifestPath == "" {
		p.ManifestPath = filepath.Join(p.SkillsRoot, "skills_manifest.json")
	}
	if p.TasksRoot == "" {
		p.TasksRoot = filepath.Join(p.Root, "tasks")
	}
	if p.SessionsRoot == "" {
		p.SessionsRoot = filepath.Join(p.Root, "sessions")
	}
	if p.LessonsV2Path == "" {
		p.LessonsV2Path = filepath.Join(learning, "lessons_v2.jsonl")
	}
	if p.MemoryEventsPath == "" {
		p.MemoryEventsPath = filepath.Join(learning, "memory_events.jsonl")
	}
	if p.QueuePath == "" {
		p.QueuePath = filepath.Join(learning, "pending_skill_patches.json")
	}
	if p.PromotedPath == "" {
		p.PromotedPath = filepath.Join(learning, "promoted_skill_patches.json")
	}
	if p.EscalationStatePath == "" {
		p.EscalationStatePath = filepath.Join(learning, "critic_escalation_state.json")
	}
}

// Load reads cfg from a YAML file, applying defaults for missing fields and
// environment overrides on top. A missing file yields pure defaults.
func Load(path, rootDir string) (*Config, error) {
	cfg := Default(rootDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Paths.derive()
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Models.APIKey = key
	}
	if model := os.Getenv("CORTEX_MODEL_EXECUTOR"); model != "" {
		c.Models.Executor = model
	}
	if model := os.Getenv("CORTEX_MODEL_CRITIC"); model != "" {
		c.Models.Critic = model
	}
	if model := os.Getenv("CORTEX_MODEL_JUDGE"); model != "" {
		c.Models.Judge = model
	}
	if raw := os.Getenv("CORTEX_ENABLE_PROMPT_CACHING"); raw != "" {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "0", "false", "no", "off":
			c.Models.EnablePromptCaching = false
		default:
			c.Models.EnablePromptCaching = true
		}
	}
}

// LLMTimeout returns the request timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.Models.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// Validate checks field values; it does not touch the filesystem.
func (c *Config) Validate() error {
	if c.Models.Executor == "" {
		return fmt.Errorf("executor model not configured")
	}
	switch c.Learning.Mode {
	case "strict", "legacy":
	default:
		return fmt.Errorf("invalid learning mode: %s (valid: strict, legacy)", c.Learning.Mode)
	}
	switch c.Run.ArchitectureMode {
	case "full", "simplified":
	default:
		return fmt.Errorf("invalid architecture mode: %s (valid: full, simplified)", c.Run.ArchitectureMode)
	}
	if c.Run.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1, got %d", c.Run.MaxSteps)
	}
	return nil
}
