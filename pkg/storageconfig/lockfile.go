package storageconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AcquireLock writes the current PID to the lock file, failing when
// another live process already holds it. Stale locks from crashed
// processes are reclaimed.
func AcquireLock(lockPath string) error {
	if pid, running := lockedPID(lockPath); running {
		return fmt.Errorf("%w (pid %d holds %s)", ErrServerRunning, pid, lockPath)
	}
	return os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReleaseLock removes the lock file if this process owns it.
func ReleaseLock(lockPath string) error {
	pid, _ := lockedPID(lockPath)
	if pid != 0 && pid != os.Getpid() {
		return fmt.Errorf("lock file %s held by pid %d, not us", lockPath, pid)
	}
	err := os.Remove(lockPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// lockedPID reads the lock file and reports whether the recorded
// process is still alive.
func lockedPID(lockPath string) (int, bool) {
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// Signal 0 probes liveness without touching the process.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}
