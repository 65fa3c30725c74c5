package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anthropics/batchpilot/internal/executor"
	"github.com/anthropics/batchpilot/internal/store"
)

// executorCmd is the entry point of the detached executor process. It is
// spawned by StartDetached re-executing this binary and is not meant to be
// run by hand.
func executorCmd() *cobra.Command {
	var (
		jobID  string
		dbPath string
	)

	cmd := &cobra.Command{
		Use:    "executor",
		Hidden: true,
		Short:  "Run the job executor loop (internal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" || dbPath == "" {
				return fmt.Errorf("--job and --db are required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			return executor.New(jobID, st, newRunner(cfg)).Run(context.Background())
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Job ID to execute")
	cmd.Flags().StringVar(&dbPath, "db", "", "Path to the SQLite database")
	return cmd
}
