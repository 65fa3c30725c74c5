package agent

import (
	"context"
	"path/filepath"
)

// FileCLIRunner extends CLIRunner with filesystem access for units whose
// payloads reference files. Every directory mentioned by the payload is
// granted with --add-dir, and permission prompts are disabled so the agent
// can read and write without a TTY.
type FileCLIRunner struct {
	CLIRunner
}

// NewFileCLIRunner returns a runner that grants the agent access to the
// directories referenced in each unit's payload.
func NewFileCLIRunner(base *CLIRunner) *FileCLIRunner {
	return &FileCLIRunner{CLIRunner: *base}
}

// Run executes the CLI with file access flags derived from the payload.
func (r *FileCLIRunner) Run(ctx context.Context, prompt string, payload map[string]any, cb Callbacks) (*Result, error) {
	args := r.args(prompt)
	for _, dir := range accessDirs(payload) {
		args = append(args, "--add-dir", dir)
	}
	args = append(args, "--dangerously-skip-permissions")
	return r.run(ctx, args, workingDir(payload), cb)
}

// accessDirs collects the directories the payload points at, deduplicated in
// first-seen order. file_path and file_paths contribute their parent
// directories; output_directory and working_directory are used as-is.
func accessDirs(payload map[string]any) []string {
	var dirs []string
	seen := make(map[string]bool)
	add := func(dir string) {
		if dir == "" || dir == "." || seen[dir] {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}

	if p, ok := payload["file_path"].(string); ok {
		add(filepath.Dir(p))
	}
	if paths, ok := payload["file_paths"].([]any); ok {
		for _, v := range paths {
			if p, ok := v.(string); ok {
				add(filepath.Dir(p))
			}
		}
	}
	if dir, ok := payload["output_directory"].(string); ok {
		add(dir)
	}
	if dir, ok := payload["working_directory"].(string); ok {
		add(dir)
	}
	return dirs
}
