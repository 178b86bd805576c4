package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	pid, err := readLockPID(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("readLockPID failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("lock should record our pid, got %d", pid)
	}

	if _, err := AcquireLock(dir); err == nil {
		t.Fatal("second acquire against a live owner should fail")
	} else if !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Errorf("error should name the holding pid: %v", err)
	}

	lock.Release()
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("Release should remove the lock file")
	}

	// Releasing twice must not blow up.
	lock.Release()
}

func TestAcquireLockReclaimsStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	// A pid far beyond pid_max cannot belong to a live process.
	if err := os.WriteFile(path, []byte("999999999\n"), 0644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("stale lock should be reclaimed: %v", err)
	}
	defer lock.Release()

	pid, err := readLockPID(path)
	if err != nil {
		t.Fatalf("readLockPID failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("reclaimed lock should record our pid, got %d", pid)
	}
}

func TestAcquireLockReclaimsUnreadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(path, []byte("garbage\n"), 0644); err != nil {
		t.Fatalf("write bad lock: %v", err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("unreadable lock should be reclaimed: %v", err)
	}
	lock.Release()
}

func TestLiveness(t *testing.T) {
	dir := t.TempDir()

	rec, alive, err := ReadLiveness(dir)
	if err != nil || rec != nil || alive {
		t.Fatalf("missing liveness should read as (nil, false, nil), got (%v, %v, %v)", rec, alive, err)
	}

	if err := WriteLiveness(dir, 7612, "/work/proj"); err != nil {
		t.Fatalf("WriteLiveness failed: %v", err)
	}
	rec, alive, err = ReadLiveness(dir)
	if err != nil {
		t.Fatalf("ReadLiveness failed: %v", err)
	}
	if !alive {
		t.Error("our own pid should read as alive")
	}
	if rec.Port != 7612 || rec.Project != "/work/proj" || rec.PID != os.Getpid() {
		t.Errorf("liveness record mismatch: %+v", rec)
	}
	if rec.StartedAt == "" {
		t.Error("liveness record should carry a start timestamp")
	}

	RemoveLiveness(dir)
	rec, _, err = ReadLiveness(dir)
	if err != nil || rec != nil {
		t.Errorf("removed liveness should read as absent, got (%v, %v)", rec, err)
	}
}

func TestLivenessStalePid(t *testing.T) {
	dir := t.TempDir()
	data := `{"pid": 999999999, "port": 7600, "startedAt": "2026-01-01T00:00:00Z", "project": "/gone"}`
	if err := os.WriteFile(filepath.Join(dir, LivenessFileName), []byte(data), 0644); err != nil {
		t.Fatalf("write liveness: %v", err)
	}

	rec, alive, err := ReadLiveness(dir)
	if err != nil {
		t.Fatalf("ReadLiveness failed: %v", err)
	}
	if rec == nil || alive {
		t.Errorf("record with dead pid should read as stale, got (%+v, %v)", rec, alive)
	}
}
