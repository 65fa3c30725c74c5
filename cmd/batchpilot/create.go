package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anthropics/batchpilot/internal/enumerate"
	"github.com/anthropics/batchpilot/internal/orchestrator"
	"github.com/anthropics/batchpilot/internal/store"
)

func createCmd() *cobra.Command {
	var (
		name           string
		intent         string
		enumType       string
		enumConfig     string
		maxWorkers     int
		maxRetries     int
		postPrompt     string
		postOutputDir  string
		bypassFailures bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a batch job from a data source",
		Long: `Create a batch job by enumerating a data source into work units.

The enumerator config is JSON, inline or from a file with @path.

Examples:
  batchpilot create --name "resize images" \
    --intent "rotate the image 90 degrees clockwise and optimize its size" \
    --type file --enumerator-config '{"base_directory": "./photos", "pattern": "**/*.jpg"}'

  batchpilot create --name "enrich leads" \
    --intent "look up the company website and write a one-line summary" \
    --type csv --enumerator-config @leads.json \
    --post-prompt "combine all summaries into a single report.md"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgJSON, err := readEnumeratorConfig(enumConfig)
			if err != nil {
				return err
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

			metadata := map[string]any{}
			if postOutputDir != "" {
				metadata[store.MetaPostOutputDir] = postOutputDir
			}

			orch := orchestrator.New(st, newRunner(cfg), cfg)
			result, err := orch.CreateJob(orchestrator.CreateJobRequest{
				Name:                 name,
				UserIntent:           intent,
				EnumeratorType:       enumType,
				EnumeratorConfig:     cfgJSON,
				MaxWorkers:           maxWorkers,
				MaxRetries:           maxRetries,
				PostProcessingPrompt: postPrompt,
				BypassFailures:       bypassFailures,
				Metadata:             metadata,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Created job %q with %d items to process\n", name, result.TotalItems)
			fmt.Printf("  job_id: %s\n", result.JobID)
			if result.HasPostProcessing {
				fmt.Println("  post-processing: enabled")
			}
			fmt.Printf("\nNext: batchpilot start %s\n", result.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable job name")
	cmd.Flags().StringVar(&intent, "intent", "", "What to do with each item")
	cmd.Flags().StringVar(&enumType, "type", "file", fmt.Sprintf("Enumerator type (%s)", strings.Join(enumerate.Types(), ", ")))
	cmd.Flags().StringVar(&enumConfig, "enumerator-config", "{}", "Enumerator config as JSON, or @file")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum concurrent workers (default from config)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Maximum retries per unit (default from config)")
	cmd.Flags().StringVar(&postPrompt, "post-prompt", "", "Synthesis prompt to run after all units complete")
	cmd.Flags().StringVar(&postOutputDir, "post-output-dir", "", "Output directory for the synthesis step")
	cmd.Flags().BoolVar(&bypassFailures, "bypass-failures", false, "Run synthesis even when some units failed")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("intent")

	return cmd
}

func readEnumeratorConfig(raw string) (map[string]any, error) {
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read enumerator config: %w", err)
		}
		raw = string(data)
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("invalid enumerator config JSON: %w", err)
	}
	return cfg, nil
}
