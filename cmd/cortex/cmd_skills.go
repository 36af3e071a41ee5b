package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"cortex/internal/skills"
)

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Inspect and rebuild the skill manifest",
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List manifest entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := skills.LoadManifest(cfg.Paths.ManifestPath)
		if err != nil {
			entries, err = skills.BuildManifest(cfg.Paths.SkillsRoot, cfg.Paths.ManifestPath, skills.DefaultConfidence)
			if err != nil {
				return err
			}
		}
		if len(entries) == 0 {
			fmt.Println(labelStyle.Render("(no skills)"))
			return nil
		}
		for _, entry := range entries {
			fmt.Printf("%-34s v%-3d conf=%.2f  %s\n",
				headerStyle.Render(entry.SkillRef), entry.Version, entry.Confidence,
				firstLine(entry.Description, 80))
		}
		return nil
	},
}

var skillsBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Rebuild the manifest from SKILL.md files on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := skills.BuildManifest(cfg.Paths.SkillsRoot, cfg.Paths.ManifestPath, skills.DefaultConfidence)
		if err != nil {
			return err
		}
		fmt.Printf("manifest rebuilt: %d skill(s) -> %s\n", len(entries), cfg.Paths.ManifestPath)
		return nil
	},
}

var skillsShowCmd = &cobra.Command{
	Use:   "show <skill-ref>",
	Short: "Print a skill document by ref",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := skills.LoadManifest(cfg.Paths.ManifestPath)
		if err != nil {
			return err
		}
		content, errText := skills.ResolveSkillContent(entries, args[0])
		if errText != "" {
			return fmt.Errorf("%s", errText)
		}
		fmt.Println(content)
		return nil
	},
}

var skillsRouteTopK int

var skillsRouteCmd = &cobra.Command{
	Use:   "route <task text>",
	Short: "Show which skills would be routed for a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := skills.LoadManifest(cfg.Paths.ManifestPath)
		if err != nil {
			return err
		}
		routed := skills.RouteManifestEntries(strings.Join(args, " "), entries, skillsRouteTopK)
		if len(routed) == 0 {
			fmt.Println(labelStyle.Render("(no match)"))
			return nil
		}
		for i, entry := range routed {
			fmt.Printf("%d. %s  %s\n", i+1, headerStyle.Render(entry.SkillRef),
				firstLine(entry.Description, 90))
		}
		return nil
	},
}

var skillsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the skills tree and rebuild the manifest on change",
	RunE: func(cmd *cobra.Command, args []string) error {
		watcher, err := skills.NewWatcher(cfg.Paths.SkillsRoot, cfg.Paths.ManifestPath,
			func(entries []skills.ManifestEntry) {
				fmt.Printf("%s manifest rebuilt, %d skill(s)\n",
					labelStyle.Render("watch"), len(entries))
			})
		if err != nil {
			return err
		}
		defer watcher.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("watching %s (ctrl-c to stop)\n", cfg.Paths.SkillsRoot)
		<-ctx.Done()
		fmt.Printf("%d rebuild(s)\n", watcher.Rebuilds())
		return nil
	},
}

func init() {
	skillsRouteCmd.Flags().IntVar(&skillsRouteTopK, "top", 2, "number of skills to route")
	skillsCmd.AddCommand(skillsListCmd, skillsBuildCmd, skillsShowCmd, skillsRouteCmd, skillsWatchCmd)
	rootCmd.AddCommand(skillsCmd)
}
