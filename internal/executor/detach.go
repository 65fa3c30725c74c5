package executor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/anthropics/batchpilot/internal/store"
)

// StartDetached launches the executor for jobID as a detached background
// process by re-executing the current binary with the hidden executor
// subcommand. The child gets its own session so it survives the parent and
// anything that kills the parent's process group. The child's PID is
// recorded in the job metadata for later liveness checks and kills.
func StartDetached(st *store.Store, jobID string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.Command(self, "executor", "--job", jobID, "--db", st.Path())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start executor process: %w", err)
	}
	pid := cmd.Process.Pid

	// Detach: the child is reparented once we stop waiting on it.
	go cmd.Wait()

	job, err := st.GetJob(jobID)
	if err != nil {
		return pid, err
	}
	if job != nil {
		job.SetMeta(store.MetaExecutorPID, pid)
		job.SetMeta(store.MetaExecutorStartedAt, time.Now().Format(time.RFC3339Nano))
		if err := st.UpdateJob(job); err != nil {
			return pid, err
		}
	}
	return pid, nil
}
