package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anthropics/batchpilot/internal/orchestrator"
)

func startCmd() *cobra.Command {
	var (
		approve  bool
		reject   bool
		skipTest bool
	)

	cmd := &cobra.Command{
		Use:   "start <job-id>",
		Short: "Start a job, with a test run on the first unit",
		Long: `Start a job. The first call runs a single test unit and shows its output
for review. Approve with --approve to process the remaining units in a
detached background executor, or reset with --reject to change the prompt.

Use --skip-test to start the full batch immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve && reject {
				return fmt.Errorf("--approve and --reject are mutually exclusive")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			approval := orchestrator.NoDecision
			if approve {
				approval = orchestrator.Approve
			} else if reject {
				approval = orchestrator.Reject
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			orch := orchestrator.New(st, newRunner(cfg), cfg)
			outcome, err := orch.StartJob(ctx, args[0], approval, skipTest)
			if err != nil {
				return err
			}
			printOutcome(args[0], outcome)
			return nil
		},
	}

	cmd.Flags().BoolVar(&approve, "approve", false, "Approve test results and start the batch")
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject test results and reset the job")
	cmd.Flags().BoolVar(&skipTest, "skip-test", false, "Skip the test phase")

	return cmd
}

func printOutcome(jobID string, outcome *orchestrator.StartOutcome) {
	switch outcome.State {
	case "testing":
		if outcome.TestPassed {
			fmt.Println("TEST PASSED - approval required")
		} else {
			fmt.Println("TEST FAILED")
		}
		fmt.Printf("  test unit: %s\n", outcome.TestUnitID)
		if outcome.Output != "" {
			fmt.Printf("\n--- output ---\n%s\n--------------\n", outcome.Output)
		}
		if outcome.Error != "" {
			fmt.Printf("  error: %s\n", outcome.Error)
		}
		if outcome.ExecutionTime != nil {
			fmt.Printf("  execution time: %.1fs\n", *outcome.ExecutionTime)
		}
		if outcome.CostUSD != nil {
			fmt.Printf("  cost: $%.4f\n", *outcome.CostUSD)
		}
		fmt.Printf("  remaining units: %d\n", outcome.RemainingUnits)
		if outcome.TestPassed {
			fmt.Printf("\nReview the output, then: batchpilot start %s --approve\n", jobID)
		} else {
			fmt.Printf("\nReset with: batchpilot start %s --reject\n", jobID)
		}
	case "reset":
		fmt.Println("Job reset to created. Modify the prompt and try again.")
	case "started":
		fmt.Printf("Job started (executor PID %d). Processing %d remaining units.\n",
			outcome.PID, outcome.RemainingUnits)
	case "running":
		fmt.Printf("Job is already running (executor PID %d).\n", outcome.PID)
	}
}
