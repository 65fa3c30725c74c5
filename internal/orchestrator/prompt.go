package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// Synthesizer expands a user's intent into the per-item prompt template the
// agents execute. The template keeps {placeholder} markers which are
// substituted from each unit's payload at dispatch time.
type Synthesizer struct{}

// FileProcessingPrompt builds the template for file-based jobs. The payload
// always carries file_path, so the template references it directly.
func (Synthesizer) FileProcessingPrompt(userIntent string) string {
	var b strings.Builder
	b.WriteString("You are processing a file as part of a batch operation.\n")
	b.WriteString("\n")
	b.WriteString("FILE TO PROCESS: {file_path}\n")
	b.WriteString("\n")
	writeTaskBlock(&b, userIntent)
	writeGuidelines(&b)
	return b.String()
}

// GenericPrompt builds the template for any other unit type. Known payload
// fields are listed with placeholders so the agent sees each value inline.
func (Synthesizer) GenericPrompt(userIntent, unitType string, payloadFields map[string]string) string {
	var b strings.Builder
	if unitType != "" {
		fmt.Fprintf(&b, "You are processing a %s as part of a batch operation.\n", unitType)
	} else {
		b.WriteString("You are processing an item as part of a batch operation.\n")
	}
	b.WriteString("\n")
	b.WriteString("WORK UNIT DATA:\n")
	b.WriteString("The payload for this work unit is provided below. Use the data to complete your task.\n")

	if len(payloadFields) > 0 {
		b.WriteString("\n")
		fields := make([]string, 0, len(payloadFields))
		for f := range payloadFields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			fmt.Fprintf(&b, "- %s: {%s}  (%s)\n", f, f, payloadFields[f])
		}
	}

	b.WriteString("\n")
	writeTaskBlock(&b, userIntent)
	writeGuidelines(&b)
	return b.String()
}

func writeTaskBlock(b *strings.Builder, userIntent string) {
	b.WriteString("=== YOUR COMPLETE TASK ===\n")
	b.WriteString("The following describes EVERYTHING you must do. Follow ALL instructions including any output/storage requirements:\n")
	b.WriteString("\n")
	b.WriteString(userIntent)
	b.WriteString("\n")
	b.WriteString("\n")
	b.WriteString("=== END TASK ===\n")
}

func writeGuidelines(b *strings.Builder) {
	b.WriteString("\n")
	b.WriteString("EXECUTION GUIDELINES:\n")
	b.WriteString("- Use your available tools to complete this task\n")
	b.WriteString("- Work autonomously - you have full tool access\n")
	b.WriteString("- If you encounter errors, try to resolve them or fail gracefully\n")
	b.WriteString("- Complete ALL parts of the task above, including any output requirements\n")
	b.WriteString("- Report your results clearly at the end\n")
	b.WriteString("\n")
	b.WriteString("Complete ALL aspects of the task and report success or failure.\n")
}

// payloadFields derives field descriptions for the prompt from the
// enumeration metadata, falling back to the first item's keys. Keys starting
// with an underscore are internal bookkeeping and stay out of the prompt.
func payloadFields(metadata map[string]any, items []map[string]any) map[string]string {
	if cols := metadataColumns(metadata); len(cols) > 0 {
		fields := make(map[string]string, len(cols))
		for _, col := range cols {
			fields[col] = fmt.Sprintf("from column '%s'", col)
		}
		return fields
	}

	if len(items) > 0 {
		fields := make(map[string]string)
		for key := range items[0] {
			if strings.HasPrefix(key, "_") {
				continue
			}
			fields[key] = "payload field"
		}
		if len(fields) > 0 {
			return fields
		}
	}
	return nil
}

func metadataColumns(metadata map[string]any) []string {
	switch cols := metadata["columns"].(type) {
	case []string:
		return cols
	case []any:
		var out []string
		for _, c := range cols {
			if s, ok := c.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
