package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// CLIRunner invokes the Claude CLI in non-interactive streaming mode.
type CLIRunner struct {
	Command  string
	Model    string
	MaxTurns int
	Timeout  time.Duration
}

// NewCLIRunner returns a runner for the given CLI command.
func NewCLIRunner(command, model string, maxTurns int, timeout time.Duration) *CLIRunner {
	return &CLIRunner{Command: command, Model: model, MaxTurns: maxTurns, Timeout: timeout}
}

func (r *CLIRunner) args(prompt string) []string {
	args := []string{"--print", prompt, "--output-format", "stream-json", "--verbose"}
	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}
	if r.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", r.MaxTurns))
	}
	return args
}

// Run executes the CLI with the rendered prompt and streams events to cb.
// The terminal "result" event is authoritative for success and cost; a clean
// exit without one is reported as a failure.
func (r *CLIRunner) Run(ctx context.Context, prompt string, payload map[string]any, cb Callbacks) (*Result, error) {
	return r.run(ctx, r.args(prompt), workingDir(payload), cb)
}

// workingDir extracts the per-unit working directory from the payload.
// Empty means inherit the executor's.
func workingDir(payload map[string]any) string {
	dir, _ := payload["working_directory"].(string)
	return dir
}

func (r *CLIRunner) run(ctx context.Context, args []string, dir string, cb Callbacks) (*Result, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(r.Command, args...)
	cmd.Dir = dir
	// Own process group so a kill reaches the CLI and everything it spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	pid := cmd.Process.Pid
	if cb.OnProcessStart != nil {
		cb.OnProcessStart(pid)
	}

	// Kill the whole process group on timeout or cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			killGroup(pid)
		case <-done:
		}
	}()

	res := &Result{}
	sawResult := false

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		if cb.OnEvent != nil {
			cb.OnEvent(event)
		}

		switch event["type"] {
		case "system":
			if event["subtype"] == "init" {
				if sid, ok := event["session_id"].(string); ok {
					res.SessionID = sid
				}
			}
		case "user", "assistant", "tool_use", "tool_result":
			res.Conversation = append(res.Conversation, event)
		case "result":
			sawResult = true
			isError, _ := event["is_error"].(bool)
			res.Success = !isError
			if text, ok := event["result"].(string); ok {
				res.ResultText = text
			}
			if cost, ok := event["total_cost_usd"].(float64); ok {
				res.CostUSD = &cost
			}
			if turns, ok := event["num_turns"].(float64); ok {
				res.NumTurns = int(turns)
			}
			if ms, ok := event["duration_ms"].(float64); ok {
				res.DurationMS = int64(ms)
			}
			if ms, ok := event["duration_api_ms"].(float64); ok {
				res.DurationAPIMS = int64(ms)
			}
			if isError && res.ResultText != "" {
				res.Error = res.ResultText
			}
		}
	}

	stderrBytes, _ := io.ReadAll(stderr)

	waitErr := cmd.Wait()
	if cmd.ProcessState != nil {
		res.ReturnCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.Success = false
		res.Error = fmt.Sprintf("agent timed out after %v", timeout)
		return res, nil
	}
	if waitErr != nil && !sawResult {
		res.Success = false
		res.Error = fmt.Sprintf("agent failed: %v: %s", waitErr, string(stderrBytes))
		return res, nil
	}
	if !sawResult {
		res.Success = false
		res.Error = "agent exited without a result event"
		return res, nil
	}
	if res.Error == "" && !res.Success {
		res.Error = "agent reported an error"
	}
	return res, nil
}

// killGroup signals the process group, falling back to the single process
// when no group exists.
func killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}
