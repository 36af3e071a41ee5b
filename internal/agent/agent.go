// Package agent runs the executor loop for one task session: tool dispatch
// through a domain adapter, structural input validation with same-step
// retries, a skill gate, error capture into memory channels, on-error lesson
// injection, and deterministic reflection prompts. The post-run pipeline
// (evaluation, lesson mining, promotion, skill patching, escalation) lives in
// posttask.go.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"cortex/internal/config"
	"cortex/internal/contract"
	"cortex/internal/domain"
	"cortex/internal/escalation"
	"cortex/internal/judge"
	"cortex/internal/knowledge"
	"cortex/internal/lesson"
	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/memory"
	"cortex/internal/retrieval"
	"cortex/internal/session"
	"cortex/internal/skills"
	"cortex/internal/validation"
)

const executorMaxTokens = 1800

// Options selects per-run behavior on top of the config defaults.
type Options struct {
	TaskID    string
	Task      string // overrides tasks/<id>/task.md when set
	SessionID int
	Domain    string

	MaxSteps         int    // 0 means config default
	LearningMode     string // "" means config default
	ArchitectureMode string // "" means config default

	Bootstrap        bool
	RequireSkillRead bool
	OpaqueTools      bool

	PosttaskLearn    bool
	PosttaskMode     string // "direct" applies skill patches, "candidate" queues them
	MemoryV2DemoMode bool

	Transfer retrieval.TransferOptions

	OnStep  func(step int, tool string, ok bool, errText string)
	Verbose bool
}

// RunResult bundles the conversation and metrics of a finished run.
type RunResult struct {
	Messages     []llm.Message
	Metrics      map[string]any
	TaskText     string
	SystemPrompt string
	LessonsText  string
	Tools        []domain.ToolSpec
}

// Runner executes agent sessions against one config and adapter registry.
type Runner struct {
	cfg       *config.Config
	client    llm.Client
	registry  *domain.Registry
	knowledge knowledge.Provider
}

// NewRunner wires a runner. The knowledge provider serves strict-mode critic
// context and defaults to local doc retrieval.
func NewRunner(cfg *config.Config, client llm.Client, registry *domain.Registry) *Runner {
	return &Runner{
		cfg:       cfg,
		client:    client,
		registry:  registry,
		knowledge: knowledge.NewLocalDocsProvider(0),
	}
}

// SetKnowledgeProvider overrides the strict-mode retrieval provider.
func (r *Runner) SetKnowledgeProvider(p knowledge.Provider) {
	if p != nil {
		r.knowledge = p
	}
}

// failureCapture is one channel fan-out row for an executor failure.
type failureCapture struct {
	channel  string
	errText  string
	tags     []string
	metadata map[string]any
}

// activationRecord remembers one on-error lesson injection so post-run
// outcome attribution can check whether the fingerprint recurred afterwards.
type activationRecord struct {
	Step        int
	Fingerprint string
	LessonIDs   []string
	Lanes       map[string]string
}

// runState carries everything the loop accumulates into the post-run stage.
type runState struct {
	opts      Options
	adapter   domain.Adapter
	workspace domain.Workspace
	paths     session.Paths

	taskText     string
	systemPrompt string
	lessonsText  string
	tools        []domain.ToolSpec

	manifestEntries []skills.ManifestEntry
	routedRefs      []string
	readSkillRefs   map[string]bool

	store  *lesson.Store
	engine *retrieval.Engine

	messages []llm.Message
	metrics  map[string]any

	maxSteps      int
	executorModel string
	criticModel   string
	judgeModel    string
	hasContract   bool

	runErrorEvents      []memory.ErrorEvent
	activationRecords   []activationRecord
	contradictionLosers map[string]int
	escalationState     escalation.State
}

func (o Options) withDefaults(cfg *config.Config) Options {
	if o.MaxSteps <= 0 {
		o.MaxSteps = cfg.Run.MaxSteps
	}
	if o.LearningMode == "" {
		o.LearningMode = cfg.Learning.Mode
	}
	if o.ArchitectureMode == "" {
		o.ArchitectureMode = cfg.Run.ArchitectureMode
	}
	if o.PosttaskMode == "" {
		o.PosttaskMode = "direct"
	}
	if o.Bootstrap {
		o.RequireSkillRead = false
	}
	return o
}

func loadTaskText(tasksRoot, taskID string) string {
	data, err := os.ReadFile(filepath.Join(tasksRoot, taskID, "task.md"))
	if err != nil {
		return fmt.Sprintf("Task: %s. Complete using available tools.", taskID)
	}
	return strings.TrimSpace(string(data))
}

// prioritizeDomainRouted stable-sorts routed entries so same-domain skills
// come first; routing score order is preserved within each group.
func prioritizeDomainRouted(entries []skills.ManifestEntry, domainName string) []skills.ManifestEntry {
	prefix := domainName + "/"
	out := make([]skills.ManifestEntry, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.SkillRef, prefix) {
			out = append(out, entry)
		}
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.SkillRef, prefix) {
			out = append(out, entry)
		}
	}
	return out
}

func toolResultBlock(toolUseID string, result domain.ToolResult) llm.Block {
	content := result.Output
	if result.Error != "" {
		if content != "" {
			content += "\n"
		}
		content += result.Error
	}
	return llm.Block{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   result.IsError(),
	}
}

func countOf(values []string, target string) int {
	n := 0
	for _, v := range values {
		if v == target {
			n++
		}
	}
	return n
}

// Run executes one full agent session and returns the conversation, metrics,
// and resolved prompts. The session directory is reset before the run.
func (r *Runner) Run(ctx context.Context, opts Options) (RunResult, error) {
	opts = opts.withDefaults(r.cfg)
	log := logging.Get(logging.CategoryAgent)

	adapter, err := r.registry.Get(opts.Domain)
	if err != nil {
		return RunResult{}, err
	}

	taskText := strings.TrimSpace(opts.Task)
	if taskText == "" {
		taskText = loadTaskText(r.cfg.Paths.TasksRoot, opts.TaskID)
	}
	if opts.Bootstrap {
		taskText = stripBootstrapTaskText(taskText)
	}

	paths, err := session.EnsureSession(opts.SessionID, r.cfg.Paths.SessionsRoot, true)
	if err != nil {
		return RunResult{}, err
	}

	taskDir := filepath.Join(r.cfg.Paths.TasksRoot, opts.TaskID)
	if _, err := os.Stat(taskDir); err != nil {
		return RunResult{}, fmt.Errorf("unknown task id %q (missing %s)", opts.TaskID, taskDir)
	}
	workspace, err := adapter.PrepareWorkspace(taskDir, paths.SessionDir)
	if err != nil {
		return RunResult{}, fmt.Errorf("prepare workspace: %w", err)
	}

	// Full manifest is always built: posttask learning needs it even when the
	// run itself is bootstrapped without skill docs.
	manifestEntries, err := skills.BuildManifest(r.cfg.Paths.SkillsRoot, r.cfg.Paths.ManifestPath, skills.DefaultConfidence)
	if err != nil {
		log.Warn("manifest build failed: %v", err)
	}

	var routedEntries []skills.ManifestEntry
	var routedRefs []string
	requiredSkillRefs := map[string]bool{}
	skillsText := bootstrapSkillsText
	if !opts.Bootstrap {
		routedEntries = skills.RouteManifestEntries(taskText, manifestEntries, 2)
		routedEntries = prioritizeDomainRouted(routedEntries, opts.Domain)
		for _, entry := range routedEntries {
			routedRefs = append(routedRefs, entry.SkillRef)
		}
		if opts.RequireSkillRead && len(routedRefs) > 0 {
			requiredSkillRefs[routedRefs[0]] = true
		}
		skillsText = skills.SummariesText(routedEntries)
	}

	store := lesson.NewStore(r.cfg.Paths.LessonsV2Path)
	legacyPath := filepath.Join(r.cfg.Paths.LearningRoot, "lessons.jsonl")
	if _, err := store.MigrateLegacy(legacyPath); err != nil {
		log.Warn("legacy lesson migration failed: %v", err)
	}
	engine := retrieval.NewEngine(store)
	prerunMatches, _ := engine.RetrievePreRun(retrieval.PreRunQuery{
		TaskID:     opts.TaskID,
		Domain:     opts.Domain,
		TaskText:   taskText,
		MaxResults: 8,
	})
	lessonsText, prerunIDs := formatLessonBlock(prerunMatches)
	if lessonsText == "" {
		lessonsText = "(no prior lessons)"
	}

	fragment := adapter.SystemPromptFragment()
	if opts.Bootstrap {
		fragment = stripBootstrapFragment(fragment)
	}
	systemPrompt := buildSystemPrompt(opts.TaskID, skillsText, lessonsText, fragment)
	if len(requiredSkillRefs) > 0 {
		systemPrompt += "\nSkill gate requirement:\n" +
			fmt.Sprintf("- Before first %s call, read at least one of: %s\n",
				adapter.ExecutorToolName(), pyList(sortedSet(requiredSkillRefs)))
	}
	if opts.OpaqueTools {
		systemPrompt += "\nTool names are opaque. Read your routed skills for usage semantics.\n"
	}

	aliasMap := adapter.BuildAliasMap(opts.OpaqueTools)
	tools := adapter.ToolDefs(workspace.FixtureRefs(), opts.OpaqueTools)
	if opts.Bootstrap {
		readSkillAPIName := domain.ReadSkillToolName
		if opts.OpaqueTools {
			readSkillAPIName = domain.OpaqueSkillName
		}
		kept := tools[:0]
		for _, tool := range tools {
			if tool.Name != readSkillAPIName {
				kept = append(kept, tool)
			}
		}
		tools = kept
	}
	schemaMap := validation.BuildToolSchemaMap(tools)

	escalationState := escalation.LoadState(r.cfg.Paths.EscalationStatePath, r.cfg.Models.Critic)
	criticModel, escalationState := escalation.ResolveModelForRun(
		r.cfg.Models.Critic, r.cfg.Learning.AutoEscalateCritic, escalationState)

	contractPath := filepath.Join(r.cfg.Paths.TasksRoot, opts.TaskID, "CONTRACT.json")
	_, statErr := os.Stat(contractPath)
	hasContract := statErr == nil

	executorModel := r.cfg.Models.Executor
	judgeModel := r.cfg.Models.Judge
	if opts.ArchitectureMode == "simplified" {
		judgeModel = executorModel
	} else if judgeModel == "" {
		judgeModel = judge.DefaultJudgeModel(executorModel)
	}

	metrics := map[string]any{
		"run_id":                             uuid.NewString(),
		"session_id":                         opts.SessionID,
		"task_id":                            opts.TaskID,
		"task":                               taskText,
		"domain":                             opts.Domain,
		"learning_mode":                      opts.LearningMode,
		"architecture_mode":                  opts.ArchitectureMode,
		"bootstrap":                          opts.Bootstrap,
		"steps":                              0,
		"tool_actions":                       0,
		"tool_errors":                        0,
		"tool_validation_errors":             0,
		"tool_validation_retry_attempts":     0,
		"tool_validation_retry_capped_events": 0,
		"skill_gate_blocks":                  0,
		"skill_reads":                        0,
		"required_skill_refs":                sortedSet(requiredSkillRefs),
		"require_skill_read":                 opts.RequireSkillRead,
		"forced_continue_count":              0,
		"v2_lessons_loaded":                  len(prerunIDs),
		"v2_prerun_lesson_ids":               prerunIDs,
		"lesson_activations":                 0,
		"v2_lesson_activations":              0,
		"v2_error_events":                    0,
		"v2_retrieval_help_ratio":            0.0,
		"v2_transfer_retrieval_enabled":      opts.Transfer.Enable,
		"v2_transfer_retrieval_max_results":  opts.Transfer.MaxResults,
		"v2_transfer_retrieval_score_weight": opts.Transfer.ScoreWeight,
		"v2_transfer_lane_activations":       0,
		"v2_reflection_prompts":              0,
		"v2_reflection_reasons":              []map[string]any{},
		"v2_dependency_fallback_checks":      0,
		"v2_promoted":                        0,
		"v2_suppressed":                      0,
		"v2_fingerprint_recurrence_before":   0,
		"v2_fingerprint_recurrence_after":    0,
		"lessons_generated":                  0,
		"v2_lessons_generated":               0,
		"posttask_patch_attempted":           false,
		"posttask_skill_patching_skipped_by_mode": false,
		"posttask_skill_patching_skip_reason":     nil,
		"posttask_candidates_queued":              0,
		"posttask_patch_applied":                  0,
		"auto_promotion_applied":                  0,
		"auto_promotion_reason":                   nil,
		"memory_v2_demo_mode":                     opts.MemoryV2DemoMode,
		"executor_model":                          executorModel,
		"critic_model":                            criticModel,
		"judge_model":                             judgeModel,
		"eval_score":                              0.0,
		"eval_reasons":                            []string{},
		"eval_passed":                             false,
		"judge_score":                             nil,
		"judge_passed":                            nil,
		"judge_reasons":                           []string{},
		"judge_critique":                          "",
		"critic_no_updates_streak":                escalationState.CriticNoUpdatesStreak,
		"low_score_streak":                        escalationState.LowScoreStreak,
		"verdict":                                 "uncertain",
		"usage":                                   []map[string]any{},
		"time_start":                              float64(time.Now().UnixNano()) / 1e9,
	}

	st := &runState{
		opts:                opts,
		adapter:             adapter,
		workspace:           workspace,
		paths:               paths,
		taskText:            taskText,
		systemPrompt:        systemPrompt,
		lessonsText:         lessonsText,
		tools:               tools,
		manifestEntries:     manifestEntries,
		routedRefs:          routedRefs,
		readSkillRefs:       map[string]bool{},
		store:               store,
		engine:              engine,
		messages:            []llm.Message{llm.TextMessage("user", taskText)},
		metrics:             metrics,
		maxSteps:            opts.MaxSteps,
		executorModel:       executorModel,
		criticModel:         criticModel,
		judgeModel:          judgeModel,
		hasContract:         hasContract,
		contradictionLosers: map[string]int{},
		escalationState:     escalationState,
	}

	if err := r.runLoop(ctx, st, aliasMap, schemaMap, requiredSkillRefs); err != nil {
		r.abortRun(st, err)
		return RunResult{}, err
	}
	if err := r.finishRun(ctx, st); err != nil {
		r.abortRun(st, err)
		return RunResult{}, err
	}

	return RunResult{
		Messages:     st.messages,
		Metrics:      st.metrics,
		TaskText:     st.taskText,
		SystemPrompt: st.systemPrompt,
		LessonsText:  st.lessonsText,
		Tools:        st.tools,
	}, nil
}

// abortRun flushes the metrics accumulated so far when the loop or posttask
// phase dies mid-run. Callers that read metrics.json can tell an aborted
// session apart from a failed one by the orchestrator_error key.
func (r *Runner) abortRun(st *runState, cause error) {
	st.metrics["orchestrator_error"] = cause.Error()
	st.metrics["verdict"] = "uncertain"
	timeStart, _ := st.metrics["time_start"].(float64)
	st.metrics["elapsed_s"] = round(float64(time.Now().UnixNano())/1e9-timeStart, 3)
	if err := session.WriteMetrics(st.paths.MetricsPath, st.metrics); err != nil {
		logging.Get(logging.CategoryAgent).Warn("partial metrics flush failed: %v", err)
	}
}

func (r *Runner) runLoop(ctx context.Context, st *runState,
	aliasMap map[string]string, schemaMap map[string]domain.InputSchema,
	requiredSkillRefs map[string]bool) error {

	log := logging.Get(logging.CategoryAgent)
	opts := st.opts
	executorToolName := st.adapter.ExecutorToolName()

	var (
		reflectionPending            string
		reflectionThresholdTriggered bool
		reflectionFingerprints       = map[string]bool{}
		dependencySetupRetries       = map[string]int{}
		dependencySetupReflections   = map[string]bool{}
		seenErrorFingerprints        []string
		hardFailureCount             int
		forcedContinues              int
	)

	step := 1
	validationRetriesThisStep := 0
	validationRetryCappedThisStep := false
	for step <= st.maxSteps {
		st.metrics["steps"] = step
		if reflectionPending != "" {
			// Force a brief self-diagnosis before the next tool call; this
			// breaks repeated failure loops without domain knowledge.
			st.messages = append(st.messages, llm.TextMessage("user", reflectionPending))
			reflectionPending = ""
		}

		resp, err := r.client.CreateMessage(ctx, llm.Request{
			Model:       st.executorModel,
			MaxTokens:   executorMaxTokens,
			System:      st.systemPrompt,
			CacheSystem: r.cfg.Models.EnablePromptCaching,
			Messages:    st.messages,
			Tools:       st.tools,
		})
		if err != nil {
			return fmt.Errorf("executor call failed at step %d: %w", step, err)
		}
		usageRows := st.metrics["usage"].([]map[string]any)
		st.metrics["usage"] = append(usageRows, map[string]any{
			"input_tokens":                resp.Usage.InputTokens,
			"output_tokens":               resp.Usage.OutputTokens,
			"cache_read_input_tokens":     resp.Usage.CacheReadTokens,
			"cache_creation_input_tokens": resp.Usage.CacheWriteTokens,
		})
		st.messages = append(st.messages, llm.Message{Role: "assistant", Blocks: resp.Blocks})

		var toolResults []llm.Block
		retrySameStep := false
		sawNonValidationToolCall := false

		for _, block := range resp.ToolUses() {
			canonicalName := block.Name
			if mapped, ok := aliasMap[block.Name]; ok {
				canonicalName = mapped
			}
			toolInput := block.Input
			if toolInput == nil {
				toolInput = map[string]any{}
			}
			st.metrics["tool_actions"] = st.metrics["tool_actions"].(int) + 1
			var memoryV2Payload map[string]any

			var result domain.ToolResult
			// Structural validation happens before execution so malformed
			// calls do not waste an execution step.
			var schemaPtr *domain.InputSchema
			if schema, ok := schemaMap[canonicalName]; ok {
				schemaPtr = &schema
			} else if schema, ok := schemaMap[block.Name]; ok {
				schemaPtr = &schema
			}
			validationError := validation.ValidateToolInput(canonicalName, block.Input, schemaPtr)
			isValidationFailure := validationError != ""
			switch {
			case isValidationFailure:
				st.metrics["tool_validation_errors"] = st.metrics["tool_validation_errors"].(int) + 1
				result = domain.ToolResult{Error: validationError}
				if validationRetriesThisStep < r.cfg.Run.ValidationRetryCap {
					// Retry malformed calls on the same step so schema misses
					// do not consume the run's execution budget.
					validationRetriesThisStep++
					st.metrics["tool_validation_retry_attempts"] = st.metrics["tool_validation_retry_attempts"].(int) + 1
					retrySameStep = true
				} else {
					retrySameStep = false
					if !validationRetryCappedThisStep {
						st.metrics["tool_validation_retry_capped_events"] = st.metrics["tool_validation_retry_capped_events"].(int) + 1
						validationRetryCappedThisStep = true
					}
					if reflectionPending == "" {
						validationFingerprint := fmt.Sprintf("validation:%s:%d", canonicalName, validationRetriesThisStep)
						reflectionPending = buildReflectionPrompt(validationError, validationFingerprint, "validation_retry_cap", false)
						st.recordReflection(step, validationFingerprint, "validation_retry_cap")
					}
				}
			case canonicalName == domain.ReadSkillToolName:
				st.metrics["skill_reads"] = st.metrics["skill_reads"].(int) + 1
				ref, ok := toolInput["skill_ref"].(string)
				if !ok {
					result = domain.ToolResult{Error: fmt.Sprintf("read_skill requires string skill_ref, got %v", toolInput["skill_ref"])}
				} else {
					content, errText := skills.ResolveSkillContent(st.manifestEntries, ref)
					if errText != "" {
						result = domain.ToolResult{Error: errText}
					} else {
						st.readSkillRefs[ref] = true
						result = domain.ToolResult{Output: clipText("skill_ref: "+ref+"\n\n"+content, skillDocClipChars)}
					}
				}
			case canonicalName == domain.ShowFixtureToolName:
				ref, ok := toolInput["path_ref"].(string)
				if !ok {
					result = domain.ToolResult{Error: fmt.Sprintf("show_fixture requires string path_ref, got %v", toolInput["path_ref"])}
				} else {
					output, errText := domain.ShowFixture(st.workspace, ref)
					if errText != "" {
						result = domain.ToolResult{Error: errText}
					} else {
						result = domain.ToolResult{Output: clipText("path_ref: "+ref+"\n\n"+output, skillDocClipChars)}
					}
				}
			case canonicalName == executorToolName:
				if opts.RequireSkillRead && len(requiredSkillRefs) > 0 && !gateSatisfied(st.readSkillRefs, requiredSkillRefs) {
					st.metrics["skill_gate_blocks"] = st.metrics["skill_gate_blocks"].(int) + 1
					result = domain.ToolResult{Error: fmt.Sprintf(
						"Skill gate: call read_skill for at least one routed skill before %s. Required refs: %s",
						executorToolName, pyList(sortedSet(requiredSkillRefs)))}
				} else {
					result = st.adapter.Execute(canonicalName, toolInput, st.workspace)
					if !result.IsError() {
						output := result.Output
						if output == "" {
							output = "(ok)"
						}
						result = domain.ToolResult{Output: clipText(output, defaultClipChars)}
					}
				}
			default:
				result = domain.ToolResult{Error: fmt.Sprintf("Unknown tool requested: '%s'", block.Name)}
			}
			if !isValidationFailure {
				sawNonValidationToolCall = true
			}

			// Memory capture + retrieval path: failures fan out into the
			// universal channels and pull fingerprint-aligned hints in the
			// same run.
			if result.IsError() && canonicalName == executorToolName && !isValidationFailure {
				errorText := result.Error
				actionState := map[string]any{
					"tool":       canonicalName,
					"tool_input": toolInput,
					"step":       step,
					"task_id":    opts.TaskID,
					"domain":     opts.Domain,
				}
				fingerprint := memory.FingerprintOf(errorText, actionState, toolInput)
				errorTags := memory.TagsOf(errorText, actionState, toolInput, nil)
				baseMetadata := map[string]any{"session_id": opts.SessionID, "step": step}

				captures := []failureCapture{
					{memory.ChannelHardFailure, errorText, errorTags, baseMetadata},
				}
				hardFailureCount++
				if hasAnyTag(errorTags, "constraint", "constraint_failed") {
					captures = append(captures, failureCapture{
						memory.ChannelConstraintFailure, errorText, errorTags, baseMetadata})
				}
				if countOf(seenErrorFingerprints, fingerprint) >= 1 {
					// Repeated fingerprint in one run is a generic no-progress
					// signal, tracked independent of domain semantics.
					captures = append(captures, failureCapture{
						memory.ChannelProgressSignal, "no_progress",
						append(append([]string{}, errorTags...), "no_progress", "state_stall"),
						withExtra(baseMetadata, "progress_signal", -1.0)})
				}
				if step >= maxInt(3, st.maxSteps/2) {
					captures = append(captures, failureCapture{
						memory.ChannelEfficiencySignal, "efficiency_regression",
						append(append([]string{}, errorTags...), "efficiency_signal"),
						withExtra(baseMetadata, "efficiency_signal", -1.0)})
				}
				for _, ch := range captures {
					event, err := memory.NewErrorEvent(ch.channel, ch.errText, actionState, toolInput, ch.tags, fingerprint, ch.metadata)
					if err != nil {
						log.Warn("error event rejected: %v", err)
						continue
					}
					row := event.ToMap()
					if err := session.WriteEvent(st.paths.MemoryEventsPath, row); err != nil {
						log.Warn("session memory event write failed: %v", err)
					}
					if err := session.WriteEvent(r.cfg.Paths.MemoryEventsPath, row); err != nil {
						log.Warn("global memory event write failed: %v", err)
					}
					st.runErrorEvents = append(st.runErrorEvents, event)
					st.metrics["v2_error_events"] = st.metrics["v2_error_events"].(int) + 1
				}
				seenErrorFingerprints = append(seenErrorFingerprints, fingerprint)

				reflectionReason := ""
				dependencyReflection := false
				if isDependencyOrSetupFailure(errorText, errorTags) {
					dependencySetupRetries[fingerprint]++
				}
				switch {
				case !dependencySetupReflections[fingerprint] && dependencySetupRetries[fingerprint] >= dependencySetupRepeatThreshold:
					reflectionReason = "dependency_setup_repeat"
					dependencyReflection = true
					dependencySetupReflections[fingerprint] = true
				case !reflectionFingerprints[fingerprint] && countOf(seenErrorFingerprints, fingerprint) >= 2:
					reflectionReason = "repeat_fingerprint"
					reflectionFingerprints[fingerprint] = true
				case !reflectionThresholdTriggered && hardFailureCount >= r.cfg.Run.ReflectionErrorThreshold:
					reflectionReason = "error_threshold"
					reflectionThresholdTriggered = true
				}
				if reflectionReason != "" && reflectionPending == "" {
					reflectionPending = buildReflectionPrompt(errorText, fingerprint, reflectionReason, dependencyReflection)
					st.recordReflection(step, fingerprint, reflectionReason)
					if dependencyReflection {
						st.metrics["v2_dependency_fallback_checks"] = st.metrics["v2_dependency_fallback_checks"].(int) + 1
					}
				}

				matches, conflictLosers := st.engine.RetrieveOnError(retrieval.OnErrorQuery{
					ErrorText:         errorText,
					Fingerprint:       fingerprint,
					Domain:            opts.Domain,
					TaskID:            opts.TaskID,
					QueryTags:         errorTags,
					MaxResults:        2,
					IncludeDomainless: false,
					Transfer:          opts.Transfer,
				})
				for _, loser := range conflictLosers {
					st.contradictionLosers[loser]++
				}
				if len(matches) > 0 {
					var hints []string
					var injected []map[string]any
					var retrievalScores []map[string]any
					lessonLanes := map[string]string{}
					hintLanes := map[string]string{}
					var lessonIDs []string
					for _, match := range matches {
						lane := strings.ToLower(strings.TrimSpace(match.Lane))
						if lane == "" {
							lane = retrieval.LaneStrict
						}
						hints = append(hints, match.Lesson.RuleText)
						lessonIDs = append(lessonIDs, match.Lesson.LessonID)
						injected = append(injected, map[string]any{
							"lesson_id": match.Lesson.LessonID,
							"rule_text": match.Lesson.RuleText,
							"lane":      lane,
						})
						retrievalScores = append(retrievalScores, map[string]any{
							"lesson_id": match.Lesson.LessonID,
							"lane":      lane,
							"score": map[string]any{
								"score":             match.Score.Total,
								"fingerprint_match": match.Score.FingerprintMatch,
								"tag_overlap":       match.Score.TagOverlap,
								"text_similarity":   match.Score.TextSimilarity,
								"reliability":       match.Score.Reliability,
								"recency":           match.Score.Recency,
							},
						})
						lessonLanes[match.Lesson.LessonID] = lane
						hintLanes[match.Lesson.RuleText] = lane
						if lane == retrieval.LaneTransfer {
							st.metrics["v2_transfer_lane_activations"] = st.metrics["v2_transfer_lane_activations"].(int) + 1
						}
					}
					st.activationRecords = append(st.activationRecords, activationRecord{
						Step:        step,
						Fingerprint: fingerprint,
						LessonIDs:   lessonIDs,
						Lanes:       lessonLanes,
					})
					memoryV2Payload = map[string]any{
						"on_error_injected_lessons": injected,
						"injected_lesson_lanes":     lessonLanes,
						"injected_hint_lanes":       hintLanes,
						"retrieval_scores":          retrievalScores,
					}
					st.metrics["lesson_activations"] = st.metrics["lesson_activations"].(int) + len(hints)
					st.metrics["v2_lesson_activations"] = st.metrics["v2_lesson_activations"].(int) + len(hints)

					hintBlock := "\n\n--- HINT from prior sessions ---\n"
					for i, hint := range hints {
						if i > 0 {
							hintBlock += "\n"
						}
						hintBlock += "- " + hint
					}
					result = domain.ToolResult{Error: result.Error + hintBlock}
				}
			}

			if result.IsError() {
				st.metrics["tool_errors"] = st.metrics["tool_errors"].(int) + 1
			}

			eventPayload := map[string]any{
				"step":       step,
				"tool":       canonicalName,
				"tool_input": toolInput,
				"ok":         !result.IsError(),
				"error":      result.Error,
				"output":     result.Output,
			}
			if memoryV2Payload != nil {
				eventPayload["memory_v2"] = memoryV2Payload
			}
			if err := session.WriteEvent(st.paths.EventsPath, eventPayload); err != nil {
				log.Warn("event write failed: %v", err)
			}

			if opts.Verbose {
				log.Info("[step %03d] tool=%s ok=%v error=%q", step, canonicalName, !result.IsError(), result.Error)
			}
			if opts.OnStep != nil {
				opts.OnStep(step, canonicalName, !result.IsError(), result.Error)
			}

			toolResults = append(toolResults, toolResultBlock(block.ID, result))
		}

		if len(toolResults) == 0 {
			// The model stopped without a tool call. If the deterministic
			// contract is not yet satisfied and budget remains, push back
			// instead of accepting a premature finish.
			if st.hasContract && step < st.maxSteps {
				events := session.ReadEvents(st.paths.EventsPath)
				ev := contract.Evaluate(st.taskText, opts.TaskID, events,
					filepath.Join(st.workspace.WorkDir, "task.db"), r.cfg.Paths.TasksRoot)
				if ev.Applicable && !ev.Passed {
					forcedContinues++
					st.metrics["forced_continue_count"] = forcedContinues
					st.messages = append(st.messages, llm.TextMessage("user", fmt.Sprintf(
						"Contract not yet passed; reasons: %s; continue with tools.", pyList(ev.Reasons))))
					step++
					validationRetriesThisStep = 0
					validationRetryCappedThisStep = false
					continue
				}
			}
			break
		}
		st.messages = append(st.messages, llm.Message{Role: "user", Blocks: toolResults})
		if retrySameStep && !sawNonValidationToolCall {
			continue
		}
		step++
		validationRetriesThisStep = 0
		validationRetryCappedThisStep = false
	}
	return nil
}

func (st *runState) recordReflection(step int, fingerprint, reason string) {
	st.metrics["v2_reflection_prompts"] = st.metrics["v2_reflection_prompts"].(int) + 1
	reasons := st.metrics["v2_reflection_reasons"].([]map[string]any)
	st.metrics["v2_reflection_reasons"] = append(reasons, map[string]any{
		"step":        step,
		"fingerprint": fingerprint,
		"reason":      reason,
	})
}

func gateSatisfied(readRefs, requiredRefs map[string]bool) bool {
	if len(requiredRefs) == 0 {
		return true
	}
	for ref := range requiredRefs {
		if readRefs[ref] {
			return true
		}
	}
	return false
}

func hasAnyTag(tags []string, wanted ...string) bool {
	for _, tag := range tags {
		for _, want := range wanted {
			if tag == want {
				return true
			}
		}
	}
	return false
}

func withExtra(base map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
