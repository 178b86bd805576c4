package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaront1111/atelier/internal/model"
	"github.com/yaront1111/atelier/internal/persist"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	files := persist.New(t.TempDir())
	require.NoError(t, files.Init())

	s := New(files, nil)
	_, err := s.InitProject("test-project", "/tmp/test-project")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func mustEpic(t *testing.T, s *Store) *model.Epic {
	t.Helper()
	epic, err := s.CreateEpic(CreateEpicArgs{Title: "test epic"})
	require.NoError(t, err)
	return epic
}

func mustTask(t *testing.T, s *Store, epicID, title string) *model.Task {
	t.Helper()
	task, err := s.CreateTask(CreateTaskArgs{EpicID: epicID, Title: title})
	require.NoError(t, err)
	return task
}

func TestInitProject(t *testing.T) {
	files := persist.New(t.TempDir())
	require.NoError(t, files.Init())
	s := New(files, nil)

	p, err := s.InitProject("atelier", "/work/atelier")
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersion, p.SchemaVersion)
	assert.Equal(t, model.ApprovalManual, p.Settings.ApprovalMode)

	_, err = s.InitProject("again", "/work/atelier")
	assert.Equal(t, model.ErrNotAllowed, model.KindOf(err))
}

func TestUpdateSettings(t *testing.T) {
	s := newTestStore(t)

	t.Run("RejectsUnknownMode", func(t *testing.T) {
		bad := model.ApprovalMode("eventually")
		_, err := s.UpdateSettings(SettingsUpdate{ApprovalMode: &bad})
		assert.Equal(t, model.ErrInvalidInput, model.KindOf(err))
	})

	t.Run("RejectsNegativeDelay", func(t *testing.T) {
		delay := -1
		_, err := s.UpdateSettings(SettingsUpdate{ApprovalDelayMs: &delay})
		assert.Equal(t, model.ErrInvalidInput, model.KindOf(err))
	})

	t.Run("AppliesDelayedMode", func(t *testing.T) {
		mode := model.ApprovalDelayed
		delay := 2000
		p, err := s.UpdateSettings(SettingsUpdate{ApprovalMode: &mode, ApprovalDelayMs: &delay})
		require.NoError(t, err)
		assert.Equal(t, model.ApprovalDelayed, p.Settings.ApprovalMode)
		assert.Equal(t, 2000, p.Settings.ApprovalDelayMs)
	})

	t.Run("RejectsUnknownWIPStatus", func(t *testing.T) {
		_, err := s.UpdateSettings(SettingsUpdate{WIPLimits: map[model.Status]int{"SHIPPING": 1}})
		assert.Equal(t, model.ErrInvalidInput, model.KindOf(err))
	})
}

func TestEventsPublished(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	task := mustTask(t, s, epic.ID, "observable")

	ev := <-events
	assert.Equal(t, EvtTaskCreated, ev.Type)
	payload, ok := ev.Payload.(*model.Task)
	require.True(t, ok)
	assert.Equal(t, task.ID, payload.ID)
}

func TestDeleteEpicCascade(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)
	task := mustTask(t, s, epic.ID, "child")

	t.Run("RefusedWithoutCascade", func(t *testing.T) {
		_, err := s.DeleteEpic(epic.ID, false)
		require.Error(t, err)
		assert.Equal(t, model.ErrNotAllowed, model.KindOf(err))
		assert.Equal(t, 1, model.AsError(err).Details["taskCount"])
	})

	t.Run("CascadeDeletesTasks", func(t *testing.T) {
		deleted, err := s.DeleteEpic(epic.ID, true)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
		assert.Nil(t, s.Task(task.ID))
		assert.Nil(t, s.Epic(epic.ID))
	})
}

func TestSearchTasks(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)
	mustTask(t, s, epic.ID, "fix login flow")
	mustTask(t, s, epic.ID, "add signup page")

	assert.Len(t, s.SearchTasks("login", "", ""), 1)
	assert.Len(t, s.SearchTasks("", model.StatusBacklog, ""), 2)
	assert.Empty(t, s.SearchTasks("payments", "", ""))
}

func TestReplaceAllSwapsState(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)
	mustTask(t, s, epic.ID, "will vanish")

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.ReplaceAll(&persist.Snapshot{})

	assert.Empty(t, s.Tasks())
	ev := <-events
	assert.Equal(t, EvtStateReloaded, ev.Type)
}

func TestTeams(t *testing.T) {
	s := newTestStore(t)

	team, err := s.CreateTeam(CreateTeamArgs{Name: "backend", Capacity: 2})
	require.NoError(t, err)

	t.Run("DuplicateNameRefused", func(t *testing.T) {
		_, err := s.CreateTeam(CreateTeamArgs{Name: "backend"})
		assert.Equal(t, model.ErrNotAllowed, model.KindOf(err))
	})

	t.Run("AddIsIdempotent", func(t *testing.T) {
		_, err := s.AddTeamMember(team.ID, "w-1")
		require.NoError(t, err)
		got, err := s.AddTeamMember(team.ID, "w-1")
		require.NoError(t, err)
		assert.Len(t, got.Members, 1)
	})

	t.Run("CapacityEnforced", func(t *testing.T) {
		_, err := s.AddTeamMember(team.ID, "w-2")
		require.NoError(t, err)
		_, err = s.AddTeamMember(team.ID, "w-3")
		assert.Equal(t, model.ErrNotAllowed, model.KindOf(err))
	})

	t.Run("SameTeam", func(t *testing.T) {
		assert.True(t, s.SameTeam("w-1", "w-2"))
		assert.False(t, s.SameTeam("w-1", "w-9"))
	})

	t.Run("RemoveClearsWorker", func(t *testing.T) {
		_, err := s.RemoveTeamMember(team.ID, "w-2")
		require.NoError(t, err)
		assert.False(t, s.SameTeam("w-1", "w-2"))
	})
}

func TestEnsureWorkerReturnsCopy(t *testing.T) {
	s := newTestStore(t)

	w, err := s.EnsureWorker("w-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerIdle, w.Status)

	// Same id on a later call; mutating either result must not leak into
	// the store.
	again, err := s.EnsureWorker("w-1", "")
	require.NoError(t, err)
	again.Status = model.WorkerBlocked
	again.TaskID = "t-hijacked"

	stored := s.Worker("w-1")
	assert.Equal(t, model.WorkerIdle, stored.Status)
	assert.Empty(t, stored.TaskID)
}

func TestProposals(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)

	t.Run("RequiresRails", func(t *testing.T) {
		_, err := s.SubmitProposal(SubmitProposalArgs{WorkerID: "w-1", Scope: model.ScopeGlobal})
		assert.Equal(t, model.ErrMissingField, model.KindOf(err))
	})

	t.Run("ApprovalMergesEpicRails", func(t *testing.T) {
		p, err := s.SubmitProposal(SubmitProposalArgs{
			WorkerID: "w-1",
			Scope:    model.ScopeEpic,
			TargetID: epic.ID,
			Rails:    model.Rails{Forbidden: []string{"vendor/"}},
		})
		require.NoError(t, err)

		resolved, err := s.ResolveProposal(p.ID, true, "human")
		require.NoError(t, err)
		assert.Equal(t, model.ProposalApproved, resolved.Status)
		assert.Contains(t, s.Epic(epic.ID).Rails.Forbidden, "vendor/")
	})

	t.Run("DoubleResolveRefused", func(t *testing.T) {
		p, err := s.SubmitProposal(SubmitProposalArgs{
			WorkerID: "w-1",
			Scope:    model.ScopeGlobal,
			Rails:    model.Rails{Required: []string{"tests"}},
		})
		require.NoError(t, err)
		_, err = s.ResolveProposal(p.ID, false, "human")
		require.NoError(t, err)
		_, err = s.ResolveProposal(p.ID, true, "human")
		assert.Equal(t, model.ErrInvalidState, model.KindOf(err))
	})
}
