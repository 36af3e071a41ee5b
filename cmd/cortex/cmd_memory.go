package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cortex/internal/memory"
	"cortex/internal/session"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect captured error events",
}

var memoryEventsFlags struct {
	channel string
	task    string
	limit   int
}

var memoryEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail the global memory event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := os.Open(cfg.Paths.MemoryEventsPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println(labelStyle.Render("(no memory events)"))
				return nil
			}
			return err
		}
		defer file.Close()

		var rows []map[string]any
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var row map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
				continue
			}
			if memoryEventsFlags.channel != "" && fmt.Sprint(row["channel"]) != memoryEventsFlags.channel {
				continue
			}
			if memoryEventsFlags.task != "" && fmt.Sprint(row["task_id"]) != memoryEventsFlags.task {
				continue
			}
			rows = append(rows, row)
		}
		if err := scanner.Err(); err != nil {
			return err
		}

		if memoryEventsFlags.limit > 0 && len(rows) > memoryEventsFlags.limit {
			rows = rows[len(rows)-memoryEventsFlags.limit:]
		}
		if len(rows) == 0 {
			fmt.Println(labelStyle.Render("(no matching events)"))
			return nil
		}
		for _, row := range rows {
			channel := fmt.Sprint(row["channel"])
			errText := firstLine(fmt.Sprint(row["error"]), 90)
			fmt.Printf("%-18s %s  %s\n", failStyle.Render(channel),
				labelStyle.Render(fmt.Sprint(row["fingerprint"])), errText)
			if verbose {
				if tags, ok := row["tags"].([]any); ok && len(tags) > 0 {
					fmt.Printf("    %s %v\n", labelStyle.Render("tags:"), tags)
				}
			}
		}
		return nil
	},
}

var memoryExportFlags struct {
	channel string
	out     string
}

var memoryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Re-serialize the memory event log as canonical JSONL",
	Long: `Reads the global memory event log, re-validates every row, and emits the
stable sorted-key JSONL form with timestamps dropped, suitable for diffing
event streams across runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rows := session.ReadEvents(cfg.Paths.MemoryEventsPath)
		var events []memory.ErrorEvent
		skipped := 0
		for _, row := range rows {
			if memoryExportFlags.channel != "" && fmt.Sprint(row["channel"]) != memoryExportFlags.channel {
				continue
			}
			event, err := eventFromRow(row)
			if err != nil {
				skipped++
				continue
			}
			events = append(events, event)
		}
		payload, err := memory.EventsToJSONL(events)
		if err != nil {
			return err
		}
		if skipped > 0 {
			fmt.Fprintf(os.Stderr, "%s %d malformed rows skipped\n", labelStyle.Render("warning:"), skipped)
		}
		if memoryExportFlags.out == "" {
			if payload != "" {
				fmt.Println(payload)
			}
			return nil
		}
		if err := os.WriteFile(memoryExportFlags.out, []byte(payload+"\n"), 0o644); err != nil {
			return err
		}
		fmt.Printf("%s %d events -> %s\n", labelStyle.Render("exported"), len(events), memoryExportFlags.out)
		return nil
	},
}

// eventFromRow rebuilds a validated ErrorEvent from a logged JSONL row.
func eventFromRow(row map[string]any) (memory.ErrorEvent, error) {
	var tags []string
	if list, ok := row["tags"].([]any); ok {
		for _, item := range list {
			tags = append(tags, fmt.Sprint(item))
		}
	}
	metadata, _ := row["metadata"].(map[string]any)
	errText, _ := row["error"].(string)
	fingerprint, _ := row["fingerprint"].(string)
	return memory.NewErrorEvent(fmt.Sprint(row["channel"]), errText,
		row["state"], row["action"], tags, fingerprint, metadata)
}

func init() {
	memoryEventsCmd.Flags().StringVar(&memoryEventsFlags.channel, "channel", "", "filter by channel (hard_failure, constraint_failure, progress_signal, efficiency_signal)")
	memoryEventsCmd.Flags().StringVar(&memoryEventsFlags.task, "task", "", "filter by task id")
	memoryEventsCmd.Flags().IntVar(&memoryEventsFlags.limit, "limit", 20, "show last N events (0 = all)")
	memoryExportCmd.Flags().StringVar(&memoryExportFlags.channel, "channel", "", "filter by channel")
	memoryExportCmd.Flags().StringVar(&memoryExportFlags.out, "out", "", "write to file instead of stdout")
	memoryCmd.AddCommand(memoryEventsCmd)
	memoryCmd.AddCommand(memoryExportCmd)
	rootCmd.AddCommand(memoryCmd)
}
