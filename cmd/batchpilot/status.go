package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anthropics/batchpilot/internal/orchestrator"
	"github.com/anthropics/batchpilot/internal/store"
)

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job progress and executor state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			orch := orchestrator.New(st, newRunner(cfg), cfg)
			status, err := orch.GetJobStatus(args[0])
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Printf("job:       %s\n", status.JobID)
			fmt.Printf("status:    %s (executor: %s", status.Status, status.ExecutorStatus)
			if status.ExecutorPID != 0 {
				fmt.Printf(", pid %d", status.ExecutorPID)
			}
			fmt.Println(")")
			fmt.Printf("progress:  %d/%d completed, %d failed (%.1f%%)\n",
				status.Completed, status.Total, status.Failed, status.Percentage)
			if len(status.UnitStats) > 0 {
				fmt.Println("units:")
				for _, s := range []store.UnitStatus{store.UnitPending, store.UnitAssigned,
					store.UnitProcessing, store.UnitCompleted, store.UnitFailed} {
					if n := status.UnitStats[s]; n > 0 {
						fmt.Printf("  %-12s %d\n", s, n)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		limit  int
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListJobs(limit, store.JobStatus(status))
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			fmt.Printf("%-36s  %-15s  %-10s  %s\n", "JOB ID", "STATUS", "PROGRESS", "NAME")
			for _, job := range jobs {
				fmt.Printf("%-36s  %-15s  %3d/%-6d  %s\n",
					job.JobID, job.Status, job.CompletedUnits, job.TotalUnits, job.Name)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum jobs to list")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}
