package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/atlasbridge/atlasbridge/internal/common/constants"
)

// ErrAlreadyRunning reports a live daemon holding the pidfile.
var ErrAlreadyRunning = fmt.Errorf("daemon already running")

func pidPath(stateDir string) string {
	return filepath.Join(stateDir, constants.PidFilename)
}

// WritePidfile claims the pidfile for this process. A pidfile naming a live
// process fails with ErrAlreadyRunning; a stale one is replaced.
func WritePidfile(stateDir string) error {
	path := pidPath(stateDir)
	if pid, err := ReadPidfile(stateDir); err == nil {
		if processAlive(pid) {
			return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
		}
		// Stale pidfile from a crashed run.
		_ = os.Remove(path)
	}
	content := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// ReadPidfile returns the recorded pid.
func ReadPidfile(stateDir string) (int, error) {
	raw, err := os.ReadFile(pidPath(stateDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("malformed pidfile: %w", err)
	}
	return pid, nil
}

// RemovePidfile releases the pidfile. Missing is fine.
func RemovePidfile(stateDir string) error {
	err := os.Remove(pidPath(stateDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Stale reports whether the pidfile exists but names a dead process.
func Stale(stateDir string) bool {
	pid, err := ReadPidfile(stateDir)
	if err != nil {
		return false
	}
	return !processAlive(pid)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
