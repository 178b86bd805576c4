// Package migrate upgrades on-disk project records across schema versions.
// Migrations are an ordered list of (from, to, transform) tuples applied in a
// loop until the record reaches the current version. A failing transform
// aborts the whole run and the original record is returned untouched.
package migrate

import (
	"fmt"
	"strings"

	"github.com/yaront1111/atelier/internal/model"
)

// Migration advances a raw project record from one schema version to the next.
type Migration struct {
	From  int
	To    int
	Apply func(record map[string]any) (map[string]any, error)
}

// Runner applies registered migrations up to a target version.
type Runner struct {
	target     int
	migrations []Migration
}

// NewRunner returns a runner with all known migrations registered, targeting
// the current schema version.
func NewRunner() *Runner {
	return &Runner{
		target: model.SchemaVersion,
		migrations: []Migration{
			{From: 1, To: 2, Apply: settingsBlock},
			{From: 2, To: 3, Apply: splitPolicies},
			{From: 3, To: 4, Apply: wipLimitsAndPatterns},
		},
	}
}

// Target returns the schema version the runner migrates records to.
func (r *Runner) Target() int {
	return r.target
}

// Version reads the schema version from a raw record. Records written before
// versioning existed count as version 1.
func Version(record map[string]any) int {
	switch v := record["schemaVersion"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// Run migrates record to the target version. It returns the migrated record
// and the number of migrations applied. On failure the original record is
// returned unmodified alongside the error.
func (r *Runner) Run(record map[string]any) (map[string]any, int, error) {
	current := deepCopy(record)
	applied := 0

	for Version(current) < r.target {
		version := Version(current)
		var step *Migration
		for i := range r.migrations {
			if r.migrations[i].From == version {
				step = &r.migrations[i]
				break
			}
		}
		if step == nil {
			return record, 0, fmt.Errorf("no migration registered from schema version %d", version)
		}

		next, err := step.Apply(current)
		if err != nil {
			return record, 0, fmt.Errorf("migration %d->%d: %w", step.From, step.To, err)
		}
		next["schemaVersion"] = step.To
		current = next
		applied++
	}

	if v := Version(current); v > r.target {
		return record, 0, fmt.Errorf("record schema version %d is newer than supported version %d", v, r.target)
	}
	return current, applied, nil
}

// settingsBlock (1->2) folds the legacy top-level "approval" field into the
// settings block introduced in version 2.
func settingsBlock(record map[string]any) (map[string]any, error) {
	settings, _ := record["settings"].(map[string]any)
	if settings == nil {
		settings = make(map[string]any)
	}
	if _, ok := settings["approvalMode"]; !ok {
		mode := string(model.ApprovalManual)
		if legacy, ok := record["approval"].(string); ok && legacy != "" {
			mode = legacy
		}
		if !model.ApprovalMode(mode).Valid() {
			return nil, fmt.Errorf("unknown legacy approval mode %q", mode)
		}
		settings["approvalMode"] = mode
	}
	if _, ok := settings["approvalDelayMs"]; !ok {
		settings["approvalDelayMs"] = 0
	}
	delete(record, "approval")
	record["settings"] = settings
	return record, nil
}

// splitPolicies (2->3) converts the legacy flat "policies" list into the
// forbidden/required rails structure.
func splitPolicies(record map[string]any) (map[string]any, error) {
	rails, _ := record["rails"].(map[string]any)
	if rails == nil {
		rails = make(map[string]any)
	}
	forbidden, _ := rails["forbidden"].([]any)
	required, _ := rails["required"].([]any)

	if policies, ok := record["policies"].([]any); ok {
		for _, p := range policies {
			s, ok := p.(string)
			if !ok {
				return nil, fmt.Errorf("legacy policy entry is not a string: %v", p)
			}
			switch {
			case strings.HasPrefix(s, "forbid:"):
				forbidden = append(forbidden, strings.TrimPrefix(s, "forbid:"))
			case strings.HasPrefix(s, "require:"):
				required = append(required, strings.TrimPrefix(s, "require:"))
			default:
				forbidden = append(forbidden, s)
			}
		}
		delete(record, "policies")
	}

	rails["forbidden"] = forbidden
	rails["required"] = required
	record["rails"] = rails
	return record, nil
}

// wipLimitsAndPatterns (3->4) adds the WIP limit map and branch/commit naming
// pattern defaults to the settings block.
func wipLimitsAndPatterns(record map[string]any) (map[string]any, error) {
	settings, _ := record["settings"].(map[string]any)
	if settings == nil {
		return nil, fmt.Errorf("record has no settings block")
	}
	if _, ok := settings["wipLimits"]; !ok {
		settings["wipLimits"] = map[string]any{}
	}
	if _, ok := settings["branchPattern"]; !ok {
		settings["branchPattern"] = "task/{taskId}"
	}
	if _, ok := settings["commitPattern"]; !ok {
		settings["commitPattern"] = "{taskId}: {title}"
	}
	record["settings"] = settings
	return record, nil
}

// deepCopy clones a JSON-shaped value so transforms never alias the input.
func deepCopy(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = copyValue(val)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
