// Package agent drives the Claude CLI as a subprocess, one invocation per
// work unit, streaming its JSON event output back to the caller.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Result is the outcome of one agent invocation.
type Result struct {
	Success       bool
	ResultText    string
	SessionID     string
	CostUSD       *float64
	NumTurns      int
	ReturnCode    int
	DurationMS    int64
	DurationAPIMS int64
	// Conversation holds the message events streamed during the run, in order.
	Conversation []map[string]any
	Error        string
}

// Callbacks receive streaming progress while an invocation runs. Both are
// optional; they are called from the goroutine driving the subprocess.
type Callbacks struct {
	// OnEvent is called once per parsed stream event, in order.
	OnEvent func(event map[string]any)
	// OnProcessStart is called once the subprocess has started, with its PID.
	OnProcessStart func(pid int)
}

// Runner executes one rendered prompt and returns the terminal result.
type Runner interface {
	Run(ctx context.Context, prompt string, payload map[string]any, cb Callbacks) (*Result, error)
}

// RenderPrompt substitutes {key} placeholders in template with the
// corresponding payload values. {payload} expands to the full payload as
// JSON. A missing placeholder never blocks execution: the error is made
// visible to the agent by appending a marker line, and the prompt still runs.
func RenderPrompt(template string, payload map[string]any) string {
	rendered := template

	if strings.Contains(rendered, "{payload}") {
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			data = []byte("{}")
		}
		rendered = strings.ReplaceAll(rendered, "{payload}", string(data))
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		placeholder := "{" + key + "}"
		if !strings.Contains(rendered, placeholder) {
			continue
		}
		rendered = strings.ReplaceAll(rendered, placeholder, stringify(payload[key]))
	}

	for _, missing := range unresolvedKeys(rendered) {
		rendered += fmt.Sprintf("\n\n[ERROR: Missing template variable: '%s']", missing)
	}
	return rendered
}

// unresolvedKeys finds {identifier} placeholders left after substitution.
// Braces containing spaces, newlines or nested braces are treated as literal
// text, not placeholders.
func unresolvedKeys(s string) []string {
	var keys []string
	seen := make(map[string]bool)
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end := -1
		for j := i + 1; j < len(s); j++ {
			c := s[j]
			if c == '}' {
				end = j
				break
			}
			if !isIdentChar(c) {
				break
			}
		}
		if end <= i+1 {
			continue
		}
		key := s[i+1 : end]
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
		i = end
	}
	return keys
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
