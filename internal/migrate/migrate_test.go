package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legacyV1Record() map[string]any {
	return map[string]any{
		"id":       "p-1",
		"name":     "legacy",
		"approval": "delayed",
		"policies": []any{"forbid:vendor/", "require:tests", "secrets"},
	}
}

func TestRunFullChain(t *testing.T) {
	runner := NewRunner()

	migrated, applied, err := runner.Run(legacyV1Record())
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, runner.Target(), Version(migrated))

	settings, ok := migrated["settings"].(map[string]any)
	require.True(t, ok, "settings block should exist after migration")
	assert.Equal(t, "delayed", settings["approvalMode"])
	assert.Equal(t, 0, settings["approvalDelayMs"])
	assert.Equal(t, "task/{taskId}", settings["branchPattern"])
	assert.Equal(t, "{taskId}: {title}", settings["commitPattern"])
	assert.NotNil(t, settings["wipLimits"])

	rails, ok := migrated["rails"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"vendor/", "secrets"}, rails["forbidden"])
	assert.ElementsMatch(t, []any{"tests"}, rails["required"])

	_, hasLegacyApproval := migrated["approval"]
	assert.False(t, hasLegacyApproval)
	_, hasLegacyPolicies := migrated["policies"]
	assert.False(t, hasLegacyPolicies)
}

func TestRunIsIdempotent(t *testing.T) {
	runner := NewRunner()

	first, applied, err := runner.Run(legacyV1Record())
	require.NoError(t, err)
	require.Equal(t, 3, applied)

	second, applied, err := runner.Run(first)
	require.NoError(t, err)
	assert.Zero(t, applied, "already-current record should apply no migrations")
	assert.Equal(t, first, second)
}

func TestRunFailureReturnsOriginal(t *testing.T) {
	record := map[string]any{
		"id":       "p-2",
		"policies": []any{42}, // not a string: 2->3 must fail
	}
	original := map[string]any{
		"id":       "p-2",
		"policies": []any{42},
	}

	runner := NewRunner()
	got, applied, err := runner.Run(record)
	require.Error(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, original, got, "failed run must return the unmodified input")
}

func TestRunRejectsNewerRecord(t *testing.T) {
	runner := NewRunner()
	_, _, err := runner.Run(map[string]any{"schemaVersion": float64(99)})
	require.Error(t, err)
}

func TestVersionDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, Version(map[string]any{}))
	assert.Equal(t, 3, Version(map[string]any{"schemaVersion": float64(3)}))
	assert.Equal(t, 2, Version(map[string]any{"schemaVersion": 2}))
}
