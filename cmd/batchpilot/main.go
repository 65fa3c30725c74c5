package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anthropics/batchpilot/internal/agent"
	"github.com/anthropics/batchpilot/internal/config"
	"github.com/anthropics/batchpilot/internal/store"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "batchpilot",
		Short: "Run large batches of agentic work with Claude",
		Long: `Batchpilot orchestrates batches of work items, delegating each item to a
Claude CLI subprocess running autonomously.

The workflow:
- create: enumerate a data source (files, CSV, JSON, SQL) into work units
- start: test the first unit, review it, approve to run the full batch
- a detached executor processes units with bounded concurrency
- status, units, logs and the dashboard observe progress via SQLite`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(killCmd())
	rootCmd.AddCommand(killUnitCmd())
	rootCmd.AddCommand(restartUnitCmd())
	rootCmd.AddCommand(unitsCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(executorCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("batchpilot v0.1.0")
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

func newRunner(cfg *config.Config) agent.Runner {
	base := agent.NewCLIRunner(cfg.Agent.Command, cfg.Agent.Model, cfg.Agent.MaxTurns, cfg.Agent.Timeout)
	if cfg.Agent.GrantFileAccess {
		return agent.NewFileCLIRunner(base)
	}
	return base
}
