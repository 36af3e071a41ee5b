// Package main provides the cortex CLI entry point: run an agent session
// against a task, inspect lessons and skills, tail memory events, and
// re-evaluate finished sessions.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"cortex/internal/config"
	"cortex/internal/domain"
	"cortex/internal/domain/artic"
	"cortex/internal/domain/fluxtool"
	"cortex/internal/domain/gridtool"
	"cortex/internal/domain/shelldom"
	"cortex/internal/domain/sqlitedom"
	"cortex/internal/logging"
)

var (
	// Global flags
	configPath string
	rootDir    string
	verbose    bool

	// Loaded in PersistentPreRunE, shared by every subcommand.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cortex",
	Short: "cortex - self-improving agent harness",
	Long: `cortex runs a small tool-using agent against local tasks and keeps what
it learns: lessons mined from failures, skill docs patched after good runs,
and a promotion gate that only keeps rules that demonstrably help.

State lives under the workspace root (tasks/, skills/, learning/, sessions/).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if rootDir == "" {
			rootDir = "."
		}
		abs, err := filepath.Abs(rootDir)
		if err != nil {
			return fmt.Errorf("resolve root: %w", err)
		}
		rootDir = abs

		if configPath == "" {
			configPath = filepath.Join(rootDir, "cortex.yaml")
		}
		cfg, err = config.Load(configPath, rootDir)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := logging.Initialize(rootDir); err != nil && verbose {
			fmt.Fprintf(os.Stderr, "logging init: %v\n", err)
		}
		return nil
	},
}

// errorModes carries the run flags that degrade adapter error messages.
// Only gridtool and fluxtool phrase their errors by mode; the sqlite, shell,
// and artic domains report errors the same way regardless.
type errorModes struct {
	Cryptic     bool
	SemiHelpful bool
	Mixed       bool
}

func resolveErrorModes(modes errorModes) (gridtool.ErrorMode, fluxtool.ErrorModeOption) {
	switch {
	case modes.Cryptic:
		return gridtool.ErrorModeCryptic, fluxtool.ModeCryptic
	case modes.SemiHelpful:
		return gridtool.ErrorModeSemiHelpful, fluxtool.ModeSemiHelpful
	case modes.Mixed:
		// Mixed assigns modes per command, which only fluxtool supports.
		return gridtool.ErrorModeHelpful, fluxtool.ModeMixed
	default:
		return gridtool.ErrorModeHelpful, fluxtool.ModeHelpful
	}
}

// buildRegistry wires every domain adapter. The sqlite and gridtool docs
// roots feed the strict-mode knowledge provider when the directories exist.
func buildRegistry(cfg *config.Config, modes errorModes) *domain.Registry {
	docsRoot := filepath.Join(cfg.Paths.Root, "docs")
	gridMode, fluxMode := resolveErrorModes(modes)

	registry := domain.NewRegistry()
	registry.Register(sqlitedom.NewAdapter(docsRoot))
	registry.Register(gridtool.NewAdapter(gridMode, docsRoot))
	registry.Register(fluxtool.NewAdapter(fluxtool.Options{Mode: fluxMode, DocsRoot: docsRoot}))
	registry.Register(shelldom.NewAdapter())
	registry.Register(artic.NewAdapter(""))
	return registry
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <root>/cortex.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "workspace root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print per-step progress")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
