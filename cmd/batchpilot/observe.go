package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anthropics/batchpilot/internal/store"
)

func unitsCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "units <job-id>",
		Short: "List a job's work units",
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

			units, err := st.UnitsForJob(args[0], store.UnitStatus(status), limit, offset)
			if err != nil {
				return err
			}
			if len(units) == 0 {
				fmt.Println("No units found.")
				return nil
			}

			fmt.Printf("%-36s  %-10s  %-7s  %s\n", "UNIT ID", "STATUS", "RETRIES", "SUMMARY")
			for _, unit := range units {
				fmt.Printf("%-36s  %-10s  %-7d  %s\n",
					unit.UnitID, unit.Status, unit.RetryCount, unitSummary(unit))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum units to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset for pagination")
	return cmd
}

func unitSummary(unit *store.WorkUnit) string {
	if unit.Error != "" {
		return "error: " + firstLine(unit.Error)
	}
	if path, ok := unit.Payload["file_path"].(string); ok {
		return path
	}
	if id, ok := unit.Payload["_id"]; ok {
		return fmt.Sprintf("id=%v", id)
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

func logsCmd() *cobra.Command {
	var (
		source string
		level  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show a job's log entries",
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

			entries, err := st.Logs(args[0], store.LogFilter{
				Source: source,
				Level:  level,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			// Newest first from the store; print oldest first for reading.
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				fmt.Printf("%s  %-7s  %-8s  %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Source, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Filter by source (executor, worker, orchestrator)")
	cmd.Flags().StringVar(&level, "level", "", "Filter by level (DEBUG, INFO, WARNING, ERROR)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum entries to show")
	return cmd
}
