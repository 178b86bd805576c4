package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/yaront1111/atelier/internal/logging"
)

// LockFileName is the exclusive lock inside the project data dir that keeps
// a second daemon from managing the same project.
const LockFileName = "daemon.lock"

// Lock is a held project lock.
type Lock struct {
	path string
}

// AcquireLock takes the exclusive project lock, writing this process's pid
// into it. A lock held by a dead process is reclaimed.
func AcquireLock(dataDir string) (*Lock, error) {
	path := filepath.Join(dataDir, LockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		pid, readErr := readLockPID(path)
		if readErr == nil && pidAlive(pid) {
			return nil, fmt.Errorf("daemon already running for this project (pid %d)", pid)
		}

		// Dead owner (or unreadable lock): reclaim it and retry once.
		logging.Warn("reclaiming stale lock file", "path", path, "pid", pid)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock file: %w", err)
		}
	}
	return nil, fmt.Errorf("could not acquire lock at %s", path)
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to remove lock file", "path", l.path, "error", err)
	}
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
