package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaront1111/atelier/internal/model"
	"github.com/yaront1111/atelier/internal/persist"
	"github.com/yaront1111/atelier/internal/state"
)

func newAwaitingTask(t *testing.T) (*Scheduler, *state.Store, string) {
	t.Helper()
	files := persist.New(t.TempDir())
	require.NoError(t, files.Init())

	s := state.New(files, nil)
	_, err := s.InitProject("approvals", "/tmp/approvals")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	epic, err := s.CreateEpic(state.CreateEpicArgs{Title: "delayed"})
	require.NoError(t, err)
	task, err := s.CreateTask(state.CreateTaskArgs{EpicID: epic.ID, Title: "needs approval"})
	require.NoError(t, err)
	_, err = s.SetStatus(task.ID, model.StatusPlanning, "", "w-1")
	require.NoError(t, err)
	_, _, _, err = s.SubmitPlan(task.ID, "w-1", []state.PlanStep{{Title: "one step"}})
	require.NoError(t, err)

	return New(s), s, task.ID
}

func waitForStatus(t *testing.T, s *state.Store, taskID string, want model.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Task(taskID).Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task never reached %s (currently %s)", want, s.Task(taskID).Status)
}

func TestScheduleApprovesAfterDelay(t *testing.T) {
	sched, s, taskID := newAwaitingTask(t)

	sched.Schedule(taskID, 50*time.Millisecond)
	assert.Equal(t, model.StatusAwaitingApproval, s.Task(taskID).Status,
		"task must stay awaiting approval until the timer fires")

	waitForStatus(t, s, taskID, model.StatusWorking)
}

func TestCancelLeavesTaskAwaiting(t *testing.T) {
	sched, s, taskID := newAwaitingTask(t)

	sched.Schedule(taskID, 50*time.Millisecond)
	sched.Cancel(taskID)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, model.StatusAwaitingApproval, s.Task(taskID).Status)
}

func TestFireSkipsManuallyDecidedTask(t *testing.T) {
	sched, s, taskID := newAwaitingTask(t)

	_, err := s.ApproveTask(taskID, "human", false)
	require.NoError(t, err)

	// The timer still fires, but the task already left AWAITING_APPROVAL.
	sched.Schedule(taskID, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, model.StatusWorking, s.Task(taskID).Status)
}

func TestCancelAllStopsScheduling(t *testing.T) {
	sched, s, taskID := newAwaitingTask(t)

	sched.CancelAll()
	sched.Schedule(taskID, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, model.StatusAwaitingApproval, s.Task(taskID).Status)
}

func TestBlockedFireLeavesTaskAwaiting(t *testing.T) {
	sched, s, taskID := newAwaitingTask(t)

	// Fill the WORKING column so the auto-approval cannot transition.
	_, err := s.UpdateSettings(state.SettingsUpdate{WIPLimits: map[model.Status]int{model.StatusWorking: 1}})
	require.NoError(t, err)
	epic, err := s.CreateEpic(state.CreateEpicArgs{Title: "filler"})
	require.NoError(t, err)
	blocker, err := s.CreateTask(state.CreateTaskArgs{EpicID: epic.ID, Title: "occupies wip"})
	require.NoError(t, err)
	_, err = s.SetStatus(blocker.ID, model.StatusWorking, "", "w-2")
	require.NoError(t, err)

	sched.Schedule(taskID, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, model.StatusAwaitingApproval, s.Task(taskID).Status)
}
