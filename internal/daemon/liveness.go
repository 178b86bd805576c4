package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/yaront1111/atelier/internal/model"
)

// LivenessFileName is the record announcing a running daemon: written only
// after the control server is confirmed accepting connections, removed on
// clean shutdown.
const LivenessFileName = "daemon.json"

// Liveness describes a running daemon instance.
type Liveness struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	StartedAt string `json:"startedAt"`
	Project   string `json:"project"`
}

// WriteLiveness persists the liveness record into the data dir.
func WriteLiveness(dataDir string, port int, projectPath string) error {
	rec := Liveness{
		PID:       os.Getpid(),
		Port:      port,
		StartedAt: model.Now(),
		Project:   projectPath,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, LivenessFileName), append(data, '\n'), 0644)
}

// RemoveLiveness deletes the liveness record. Safe when absent.
func RemoveLiveness(dataDir string) {
	os.Remove(filepath.Join(dataDir, LivenessFileName))
}

// ReadLiveness loads the liveness record, reporting whether the recorded
// process is still alive. A record whose process is dead is stale.
func ReadLiveness(dataDir string) (*Liveness, bool, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, LivenessFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var rec Liveness
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, err
	}
	return &rec, pidAlive(rec.PID), nil
}
