package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anthropics/batchpilot/internal/executor"
)

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused or failed job with pending units",
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

			pid, err := executor.ResumeJob(st, args[0])
			if err != nil {
				return err
			}
			if pid == 0 {
				fmt.Println("Nothing to resume: no pending units.")
				return nil
			}
			fmt.Printf("Executor running with PID %d.\n", pid)
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <job-id>",
		Short: "Stop the job executor gracefully",
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

			ok, err := executor.StopExecutor(st, args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("No running executor found.")
				return nil
			}
			fmt.Println("Shutdown signal sent. In-flight units will finish.")
			return nil
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <job-id>",
		Short: "Kill the job executor and all its workers",
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

			if err := executor.KillExecutor(st, args[0]); err != nil {
				return err
			}
			fmt.Println("Executor killed, job marked as failed.")
			return nil
		},
	}
}

func killUnitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-unit <job-id> <unit-id>",
		Short: "Kill one work unit's agent subprocess",
		Args:  cobra.ExactArgs(2),
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

			if err := executor.KillWorkUnit(st, args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("Work unit process killed.")
			return nil
		},
	}
}

func restartUnitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart-unit <job-id> <unit-id>",
		Short: "Reset a failed work unit to pending",
		Long: `Reset a failed work unit to pending so a running or resumed executor
picks it up again. Its previous result, conversation and error are cleared;
the retry counter keeps counting across restarts.`,
		Args: cobra.ExactArgs(2),
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

			if err := executor.RestartWorkUnit(st, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Work unit reset to pending. Resume with: batchpilot resume %s\n", args[0])
			return nil
		},
	}
}
