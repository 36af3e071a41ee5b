package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"cortex/internal/contract"
	"cortex/internal/session"
)

var evalFlags struct {
	taskID  string
	session int
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Re-run the deterministic contract evaluator on a finished session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if evalFlags.taskID == "" {
			return fmt.Errorf("--task is required")
		}
		sessionDir := filepath.Join(cfg.Paths.SessionsRoot,
			fmt.Sprintf("session-%03d", evalFlags.session))
		eventsPath := filepath.Join(sessionDir, "events.jsonl")
		if _, err := os.Stat(eventsPath); err != nil {
			return fmt.Errorf("no events for session %d: %w", evalFlags.session, err)
		}

		taskText := ""
		if data, err := os.ReadFile(filepath.Join(cfg.Paths.TasksRoot, evalFlags.taskID, "task.md")); err == nil {
			taskText = string(data)
		}
		events := session.ReadEvents(eventsPath)
		dbPath := filepath.Join(sessionDir, "task.db")

		result := contract.Evaluate(taskText, evalFlags.taskID, events, dbPath, cfg.Paths.TasksRoot)

		var b strings.Builder
		fmt.Fprintf(&b, "%s  session %d\n", headerStyle.Render(evalFlags.taskID), evalFlags.session)
		if !result.Applicable {
			fmt.Fprintf(&b, "%s contract not applicable to this task\n", labelStyle.Render("eval"))
		} else {
			fmt.Fprintf(&b, "%s %s  score %.2f\n", labelStyle.Render("eval"),
				passFail(result.Passed), result.Score)
		}
		for _, reason := range result.Reasons {
			fmt.Fprintf(&b, "  - %s\n", reason)
		}
		fmt.Fprintf(&b, "%s %d event(s), contract %s", labelStyle.Render("from"),
			len(events), result.ContractPath)
		fmt.Println(boxStyle.Render(b.String()))
		if result.Applicable && !result.Passed {
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	evalCmd.Flags().StringVar(&evalFlags.taskID, "task", "", "task id under tasks/ (required)")
	evalCmd.Flags().IntVar(&evalFlags.session, "session", 1, "session number")
	rootCmd.AddCommand(evalCmd)
}
