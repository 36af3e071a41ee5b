package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"cortex/internal/lesson"
)

var lessonsCmd = &cobra.Command{
	Use:   "lessons",
	Short: "Inspect and maintain the lesson store",
}

var lessonsListFlags struct {
	status string
	domain string
	limit  int
}

var lessonsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lessons, highest reliability first",
	RunE: func(cmd *cobra.Command, args []string) error {
		records := lesson.NewStore(cfg.Paths.LessonsV2Path).Load()
		filtered := records[:0]
		for _, record := range records {
			if lessonsListFlags.status != "" && record.Status != lessonsListFlags.status {
				continue
			}
			if lessonsListFlags.domain != "" && record.Domain != lessonsListFlags.domain {
				continue
			}
			filtered = append(filtered, record)
		}
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].Reliability > filtered[j].Reliability
		})
		if lessonsListFlags.limit > 0 && len(filtered) > lessonsListFlags.limit {
			filtered = filtered[:lessonsListFlags.limit]
		}
		if len(filtered) == 0 {
			fmt.Println(labelStyle.Render("(no lessons)"))
			return nil
		}
		for _, record := range filtered {
			status := record.Status
			if record.Status == lesson.StatusPromoted {
				status = passStyle.Render(status)
			} else if record.Status == lesson.StatusSuppressed {
				status = failStyle.Render(status)
			}
			fmt.Printf("%s  %-10s rel=%.2f  %s %s\n",
				labelStyle.Render(record.LessonID[:minInt(12, len(record.LessonID))]),
				status, record.Reliability,
				labelStyle.Render("["+record.Domain+"]"),
				firstLine(record.RuleText, 110))
			if verbose && len(record.TriggerFingerprints) > 0 {
				fmt.Printf("    %s %s\n", labelStyle.Render("fp:"),
					strings.Join(record.TriggerFingerprints, ", "))
			}
		}
		fmt.Printf("%s %d shown of %d total\n", labelStyle.Render("--"), len(filtered), len(records))
		return nil
	},
}

var lessonsMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Fold the legacy lessons.jsonl into the current store",
	RunE: func(cmd *cobra.Command, args []string) error {
		legacyPath := filepath.Join(cfg.Paths.LearningRoot, "lessons.jsonl")
		stats, err := lesson.NewStore(cfg.Paths.LessonsV2Path).MigrateLegacy(legacyPath)
		if err != nil {
			return err
		}
		fmt.Printf("migrated: %d inserted, %d merged, %d conflict links, %d total\n",
			stats.Inserted, stats.Merged, stats.ConflictLinks, stats.Total)
		return nil
	},
}

var lessonsArchiveReason string

var lessonsArchiveCmd = &cobra.Command{
	Use:   "archive <lesson-id>...",
	Short: "Archive lessons by id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := lesson.NewStore(cfg.Paths.LessonsV2Path).Archive(args, lessonsArchiveReason)
		if err != nil {
			return err
		}
		fmt.Printf("archived %d lesson(s)\n", count)
		return nil
	},
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func init() {
	lessonsListCmd.Flags().StringVar(&lessonsListFlags.status, "status", "", "filter by status (candidate, promoted, suppressed, archived)")
	lessonsListCmd.Flags().StringVar(&lessonsListFlags.domain, "domain", "", "filter by domain")
	lessonsListCmd.Flags().IntVar(&lessonsListFlags.limit, "limit", 25, "max rows (0 = all)")
	lessonsArchiveCmd.Flags().StringVar(&lessonsArchiveReason, "reason", "manual", "archive reason recorded on each lesson")
	lessonsCmd.AddCommand(lessonsListCmd, lessonsMigrateCmd, lessonsArchiveCmd)
	rootCmd.AddCommand(lessonsCmd)
}
