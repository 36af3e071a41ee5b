package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"cortex/internal/agent"
	"cortex/internal/llm"
	"cortex/internal/retrieval"
)

var runFlags struct {
	taskID           string
	task             string
	session          int
	domain           string
	maxSteps         int
	learningMode     string
	architecture     string
	bootstrap        bool
	requireSkillRead bool
	opaqueTools      bool
	learn            bool
	posttaskMode     string
	demo             bool
	transfer         bool
	transferMax      int
	transferWeight   float64
	crypticErrors    bool
	semiHelpful      bool
	mixedErrors      bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one agent session against a task",
	Long: `Runs the executor loop for a single task: tool calls through the domain
adapter, skill routing and gating, error capture, on-error lesson hints, and
(with --learn) the full post-run pipeline of evaluation, lesson mining,
promotion, and skill patching.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runFlags.taskID == "" {
			return fmt.Errorf("--task is required")
		}
		if cfg.Models.APIKey == "" {
			return fmt.Errorf("no API key: set ANTHROPIC_API_KEY or models.api_key in config")
		}

		client, err := llm.NewAnthropicClientFromAPIKey(cfg.Models.APIKey)
		if err != nil {
			return err
		}
		modes := errorModes{
			Cryptic:     runFlags.crypticErrors,
			SemiHelpful: runFlags.semiHelpful,
			Mixed:       runFlags.mixedErrors,
		}
		runner := agent.NewRunner(cfg, client, buildRegistry(cfg, modes))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := agent.Options{
			TaskID:           runFlags.taskID,
			Task:             runFlags.task,
			SessionID:        runFlags.session,
			Domain:           runFlags.domain,
			MaxSteps:         runFlags.maxSteps,
			LearningMode:     runFlags.learningMode,
			ArchitectureMode: runFlags.architecture,
			Bootstrap:        runFlags.bootstrap,
			RequireSkillRead: runFlags.requireSkillRead,
			OpaqueTools:      runFlags.opaqueTools,
			PosttaskLearn:    runFlags.learn,
			PosttaskMode:     runFlags.posttaskMode,
			MemoryV2DemoMode: runFlags.demo,
			Transfer: retrieval.TransferOptions{
				Enable:      runFlags.transfer,
				MaxResults:  runFlags.transferMax,
				ScoreWeight: runFlags.transferWeight,
			},
			Verbose: verbose,
		}
		if verbose {
			opts.OnStep = func(step int, tool string, ok bool, errText string) {
				status := passStyle.Render("ok")
				if !ok {
					status = failStyle.Render("err")
				}
				line := fmt.Sprintf("  step %-3d %-14s %s", step, tool, status)
				if errText != "" {
					line += " " + labelStyle.Render(firstLine(errText, 100))
				}
				fmt.Println(line)
			}
		}

		result, err := runner.Run(ctx, opts)
		if err != nil {
			return err
		}
		// The exit code reflects orchestration only; a failed verdict is a
		// normal result, recorded in metrics.json for the caller.
		printRunSummary(result.Metrics)
		return nil
	},
}

func printRunSummary(metrics map[string]any) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  session %d\n",
		headerStyle.Render(metricString(metrics, "task_id")),
		labelStyle.Render(metricString(metrics, "domain")),
		metricInt(metrics, "session_id"))
	fmt.Fprintf(&b, "%s %s  score %.2f  verdict %s\n",
		labelStyle.Render("eval"), passFail(metricBool(metrics, "eval_passed")),
		metricFloat(metrics, "eval_score"), metricString(metrics, "verdict"))
	fmt.Fprintf(&b, "%s %d steps, %d tool errors, %d validation retries\n",
		labelStyle.Render("loop"),
		metricInt(metrics, "steps"), metricInt(metrics, "tool_errors"),
		metricInt(metrics, "tool_validation_retry_attempts"))
	fmt.Fprintf(&b, "%s %d reads, %d gate blocks, %d hint injections\n",
		labelStyle.Render("skills"),
		metricInt(metrics, "skill_reads"), metricInt(metrics, "skill_gate_blocks"),
		metricInt(metrics, "v2_lesson_activations"))
	fmt.Fprintf(&b, "%s %d mined, %d merged into store, %d promoted, %d suppressed\n",
		labelStyle.Render("lessons"),
		metricInt(metrics, "lessons_generated"), metricInt(metrics, "v2_lessons_generated"),
		metricInt(metrics, "v2_promoted"), metricInt(metrics, "v2_suppressed"))
	if reasons := metricStrings(metrics, "eval_reasons"); len(reasons) > 0 {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("reasons"), strings.Join(reasons, "; "))
	}
	fmt.Fprintf(&b, "%s %s executor, %s critic  (%.1fs)",
		labelStyle.Render("models"),
		metricString(metrics, "executor_model"), metricString(metrics, "critic_model"),
		metricFloat(metrics, "elapsed_s"))
	fmt.Println(boxStyle.Render(b.String()))
}

func firstLine(text string, maxChars int) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if len(text) > maxChars {
		return text[:maxChars-3] + "..."
	}
	return text
}

func metricInt(metrics map[string]any, key string) int {
	switch v := metrics[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func metricFloat(metrics map[string]any, key string) float64 {
	switch v := metrics[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func metricBool(metrics map[string]any, key string) bool {
	v, _ := metrics[key].(bool)
	return v
}

func metricString(metrics map[string]any, key string) string {
	v, _ := metrics[key].(string)
	return v
}

func metricStrings(metrics map[string]any, key string) []string {
	switch v := metrics[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func init() {
	runCmd.Flags().StringVar(&runFlags.taskID, "task", "", "task id under tasks/ (required)")
	runCmd.Flags().StringVar(&runFlags.task, "task-text", "", "inline task text (overrides tasks/<id>/task.md)")
	runCmd.Flags().IntVar(&runFlags.session, "session", 1, "session number")
	runCmd.Flags().StringVar(&runFlags.domain, "domain", "sqlite", "domain adapter (sqlite, gridtool, fluxtool, shell, artic)")
	runCmd.Flags().IntVar(&runFlags.maxSteps, "max-steps", 0, "step budget (0 = config default)")
	runCmd.Flags().StringVar(&runFlags.learningMode, "learning-mode", "", "strict or legacy (default from config)")
	runCmd.Flags().StringVar(&runFlags.architecture, "architecture", "", "full or simplified (default from config)")
	runCmd.Flags().BoolVar(&runFlags.bootstrap, "bootstrap", false, "hide skill docs; learn from errors and lessons only")
	runCmd.Flags().BoolVar(&runFlags.requireSkillRead, "require-skill-read", false, "gate the executor tool behind read_skill")
	runCmd.Flags().BoolVar(&runFlags.opaqueTools, "opaque-tools", false, "expose tools under opaque names")
	runCmd.Flags().BoolVar(&runFlags.learn, "learn", false, "run the post-task learning pipeline")
	runCmd.Flags().StringVar(&runFlags.posttaskMode, "posttask-mode", "direct", "direct applies skill patches, candidate queues them")
	runCmd.Flags().BoolVar(&runFlags.demo, "demo", false, "demo mode: observe learning without patching skills")
	runCmd.Flags().BoolVar(&runFlags.transfer, "transfer", false, "enable cross-domain transfer lane on error retrieval")
	runCmd.Flags().IntVar(&runFlags.transferMax, "transfer-max", 1, "max transfer-lane lessons per error")
	runCmd.Flags().Float64Var(&runFlags.transferWeight, "transfer-weight", retrieval.DefaultTransferScoreWeight, "score discount for transfer-lane matches")
	runCmd.Flags().BoolVar(&runFlags.crypticErrors, "cryptic-errors", false, "gridtool/fluxtool errors give codes only")
	runCmd.Flags().BoolVar(&runFlags.semiHelpful, "semi-helpful-errors", false, "gridtool/fluxtool errors name the problem but not the fix")
	runCmd.Flags().BoolVar(&runFlags.mixedErrors, "mixed-errors", false, "fluxtool error mode varies per command")
	rootCmd.AddCommand(runCmd)
}
