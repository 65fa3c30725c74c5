package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// runScript executes the runner against a shell script standing in for the
// CLI, so the full stream parsing and process lifecycle is exercised.
func runScript(t *testing.T, r *CLIRunner, script string, cb Callbacks) *Result {
	t.Helper()
	r.Command = "sh"
	res, err := r.run(context.Background(), []string{"-c", script}, "", cb)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func TestRunParsesStream(t *testing.T) {
	script := `
echo '{"type":"system","subtype":"init","session_id":"sess-abc"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
echo '{"type":"result","is_error":false,"result":"all done","total_cost_usd":0.0421,"num_turns":7,"duration_ms":5300,"duration_api_ms":4100}'
`
	var events []map[string]any
	var pid int
	res := runScript(t, &CLIRunner{Timeout: 5 * time.Second}, script, Callbacks{
		OnEvent:        func(e map[string]any) { events = append(events, e) },
		OnProcessStart: func(p int) { pid = p },
	})

	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.SessionID != "sess-abc" {
		t.Errorf("session id = %q", res.SessionID)
	}
	if res.ResultText != "all done" {
		t.Errorf("result text = %q", res.ResultText)
	}
	if res.CostUSD == nil || *res.CostUSD != 0.0421 {
		t.Errorf("cost = %v", res.CostUSD)
	}
	if res.NumTurns != 7 {
		t.Errorf("num turns = %d", res.NumTurns)
	}
	if res.DurationMS != 5300 || res.DurationAPIMS != 4100 {
		t.Errorf("durations = %d/%d, want 5300/4100", res.DurationMS, res.DurationAPIMS)
	}
	if res.ReturnCode != 0 {
		t.Errorf("return code = %d", res.ReturnCode)
	}
	if len(res.Conversation) != 1 {
		t.Errorf("got %d conversation events, want 1", len(res.Conversation))
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
	if pid == 0 {
		t.Error("OnProcessStart not called")
	}
}

func TestRunErrorResult(t *testing.T) {
	script := `echo '{"type":"result","is_error":true,"result":"ran out of turns"}'`
	res := runScript(t, &CLIRunner{Timeout: 5 * time.Second}, script, Callbacks{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "ran out of turns" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunExitWithoutResult(t *testing.T) {
	res := runScript(t, &CLIRunner{Timeout: 5 * time.Second}, "true", Callbacks{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "without a result event") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	script := `echo "something broke" >&2; exit 3`
	res := runScript(t, &CLIRunner{Timeout: 5 * time.Second}, script, Callbacks{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "agent failed") || !strings.Contains(res.Error, "something broke") {
		t.Errorf("error = %q", res.Error)
	}
	if res.ReturnCode != 3 {
		t.Errorf("return code = %d, want 3", res.ReturnCode)
	}
}

func TestRunWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	r := &CLIRunner{Command: "sh", Timeout: 5 * time.Second}
	script := `printf '{"type":"result","is_error":false,"result":"%s"}\n' "$PWD"`
	res, err := r.run(context.Background(), []string{"-c", script}, dir, Callbacks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := filepath.EvalSymlinks(res.ResultText)
	if err != nil {
		t.Fatalf("agent cwd %q: %v", res.ResultText, err)
	}
	if got != want {
		t.Errorf("agent cwd = %q, want %q", got, want)
	}
}

func TestWorkingDir(t *testing.T) {
	if got := workingDir(map[string]any{"working_directory": "/work"}); got != "/work" {
		t.Errorf("workingDir = %q", got)
	}
	if got := workingDir(map[string]any{"id": "u-1"}); got != "" {
		t.Errorf("workingDir without field = %q", got)
	}
}

func TestRunTimeout(t *testing.T) {
	res := runScript(t, &CLIRunner{Timeout: 200 * time.Millisecond}, "sleep 10", Callbacks{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunIgnoresGarbageLines(t *testing.T) {
	script := `
echo 'not json at all'
echo '{"type":"result","is_error":false,"result":"ok"}'
`
	var events int
	res := runScript(t, &CLIRunner{Timeout: 5 * time.Second}, script, Callbacks{
		OnEvent: func(map[string]any) { events++ },
	})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if events != 1 {
		t.Errorf("got %d events, want 1 (garbage skipped)", events)
	}
}
