package dashboard

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFilename = "dashboard.pid"

// PIDFile returns the dashboard PID file path inside the storage directory.
func PIDFile(storagePath string) string {
	return filepath.Join(storagePath, pidFilename)
}

// WritePIDFile records the current process PID. Called by the serving
// process itself.
func WritePIDFile(storagePath string) error {
	return os.WriteFile(PIDFile(storagePath), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePIDFile deletes the PID file, ignoring a missing one.
func RemovePIDFile(storagePath string) {
	os.Remove(PIDFile(storagePath))
}

// RunningPID returns the PID from the PID file if that process is alive,
// 0 otherwise. A stale file is removed.
func RunningPID(storagePath string) int {
	data, err := os.ReadFile(PIDFile(storagePath))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		RemovePIDFile(storagePath)
		return 0
	}
	return pid
}

// StartDetached launches the dashboard as a background process by
// re-executing the current binary. Returns the PID, or the existing PID when
// a dashboard is already running.
func StartDetached(storagePath string, port int) (int, error) {
	if pid := RunningPID(storagePath); pid != 0 {
		return pid, nil
	}

	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.Command(self, "dashboard", "--foreground", "--port", strconv.Itoa(port))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start dashboard: %w", err)
	}
	go cmd.Wait()
	return cmd.Process.Pid, nil
}

// Stop terminates a running dashboard via its PID file. Returns false when
// none is running.
func Stop(storagePath string) bool {
	pid := RunningPID(storagePath)
	if pid == 0 {
		return false
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return false
	}
	RemovePIDFile(storagePath)
	return true
}
