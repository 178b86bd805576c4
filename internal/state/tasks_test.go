package state

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaront1111/atelier/internal/model"
)

func advance(t *testing.T, s *Store, taskID string, path ...model.Status) *model.Task {
	t.Helper()
	var task *model.Task
	var err error
	for _, st := range path {
		task, err = s.SetStatus(taskID, st, "", "")
		require.NoError(t, err, "transition to %s", st)
	}
	return task
}

func TestCreateTaskValidation(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)

	t.Run("MissingTitle", func(t *testing.T) {
		_, err := s.CreateTask(CreateTaskArgs{EpicID: epic.ID})
		assert.Equal(t, model.ErrMissingField, model.KindOf(err))
	})

	t.Run("UnknownEpic", func(t *testing.T) {
		_, err := s.CreateTask(CreateTaskArgs{EpicID: "nope", Title: "x"})
		assert.Equal(t, model.ErrNotFound, model.KindOf(err))
	})

	t.Run("UnknownPriority", func(t *testing.T) {
		_, err := s.CreateTask(CreateTaskArgs{EpicID: epic.ID, Title: "x", Priority: "URGENT"})
		assert.Equal(t, model.ErrInvalidInput, model.KindOf(err))
	})

	t.Run("Defaults", func(t *testing.T) {
		task := mustTask(t, s, epic.ID, "first")
		assert.Equal(t, model.StatusBacklog, task.Status)
		assert.Equal(t, model.PriorityMedium, task.Priority)
		assert.Equal(t, 0, task.Order)

		second := mustTask(t, s, epic.ID, "second")
		assert.Equal(t, 1, second.Order, "order should increment per epic")
	})
}

func TestSetStatus(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)

	t.Run("InvalidTransitionLeavesTaskUntouched", func(t *testing.T) {
		task := mustTask(t, s, epic.ID, "stuck")
		_, err := s.SetStatus(task.ID, model.StatusDone, "", "")
		require.Error(t, err)
		assert.Equal(t, model.ErrInvalidState, model.KindOf(err))

		got := s.Task(task.ID)
		assert.Equal(t, model.StatusBacklog, got.Status)
		assert.Zero(t, got.ReopenCount)
	})

	t.Run("SameStateIsNoOp", func(t *testing.T) {
		task := mustTask(t, s, epic.ID, "idle")
		got, err := s.SetStatus(task.ID, model.StatusBacklog, "", "")
		require.NoError(t, err)
		assert.Equal(t, model.StatusBacklog, got.Status)
	})

	t.Run("StampsStatusTimes", func(t *testing.T) {
		task := mustTask(t, s, epic.ID, "timed")
		got := advance(t, s, task.ID, model.StatusPlanning)
		assert.NotEmpty(t, got.StatusTimes[model.StatusBacklog])
		assert.NotEmpty(t, got.StatusTimes[model.StatusPlanning])
	})

	t.Run("ReopenIncrementsExactlyOnce", func(t *testing.T) {
		task := mustTask(t, s, epic.ID, "flaky")
		advance(t, s, task.ID, model.StatusWorking, model.StatusReview)

		got, err := s.SetStatus(task.ID, model.StatusWorking, "missed edge case", "qa-1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.ReopenCount)
		assert.Equal(t, "missed edge case", got.ReopenReason)

		// Forward progress must not touch the counter.
		got = advance(t, s, task.ID, model.StatusReview, model.StatusDone)
		assert.Equal(t, 1, got.ReopenCount)
	})

	t.Run("WIPLimitBlocks", func(t *testing.T) {
		limit := map[model.Status]int{model.StatusWorking: 1}
		_, err := s.UpdateSettings(SettingsUpdate{WIPLimits: limit})
		require.NoError(t, err)

		first := mustTask(t, s, epic.ID, "wip-1")
		advance(t, s, first.ID, model.StatusWorking)

		second := mustTask(t, s, epic.ID, "wip-2")
		_, err = s.SetStatus(second.ID, model.StatusWorking, "", "")
		require.Error(t, err)
		assert.Equal(t, model.ErrNotAllowed, model.KindOf(err))
		assert.Equal(t, 1, model.AsError(err).Details["limit"])

		// Clear the limit so later subtests are unaffected.
		_, err = s.UpdateSettings(SettingsUpdate{WIPLimits: map[model.Status]int{}})
		require.NoError(t, err)
	})
}

func TestSubmitPlan(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)

	planningTask := func(title string) *model.Task {
		task := mustTask(t, s, epic.ID, title)
		advance(t, s, task.ID, model.StatusPlanning)
		return task
	}

	t.Run("RequiresPlanningStatus", func(t *testing.T) {
		task := mustTask(t, s, epic.ID, "raw")
		_, _, _, err := s.SubmitPlan(task.ID, "w-1", []PlanStep{{Title: "do it"}})
		assert.Equal(t, model.ErrInvalidState, model.KindOf(err))
	})

	t.Run("RequiresSteps", func(t *testing.T) {
		task := planningTask("empty plan")
		_, _, _, err := s.SubmitPlan(task.ID, "w-1", nil)
		assert.Equal(t, model.ErrMissingField, model.KindOf(err))
	})

	t.Run("ForbiddenRailRejected", func(t *testing.T) {
		_, err := s.UpdateSettings(SettingsUpdate{Rails: &model.Rails{Forbidden: []string{"vendor/"}}})
		require.NoError(t, err)

		task := planningTask("touches vendor")
		_, _, _, err = s.SubmitPlan(task.ID, "w-1", []PlanStep{
			{Title: "patch dependency", AffectedFiles: []string{"vendor/lib/code.go"}},
		})
		require.Error(t, err)
		assert.Equal(t, model.ErrConstraintViolation, model.KindOf(err))
		assert.Equal(t, "vendor/", model.AsError(err).Details["rail"])

		got := s.Task(task.ID)
		assert.Equal(t, model.StatusPlanning, got.Status, "rejected plan must not advance the task")
		assert.Empty(t, got.Plan)
	})

	t.Run("RequiredRailEnforced", func(t *testing.T) {
		_, err := s.UpdateSettings(SettingsUpdate{Rails: &model.Rails{Required: []string{"tests"}}})
		require.NoError(t, err)

		task := planningTask("no tests")
		_, _, _, err = s.SubmitPlan(task.ID, "w-1", []PlanStep{{Title: "just code"}})
		assert.Equal(t, model.ErrConstraintViolation, model.KindOf(err))

		task2 := planningTask("with tests")
		got, mode, _, err := s.SubmitPlan(task2.ID, "w-1", []PlanStep{
			{Title: "write code"},
			{Title: "add tests"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.StatusAwaitingApproval, got.Status)
		assert.Equal(t, model.ApprovalManual, mode)
		assert.Len(t, got.Plan, 2)
		assert.Equal(t, model.StepPending, got.Plan[0].Status)

		_, err = s.UpdateSettings(SettingsUpdate{Rails: &model.Rails{}})
		require.NoError(t, err)
	})

	t.Run("TaskRailsMerged", func(t *testing.T) {
		task, err := s.CreateTask(CreateTaskArgs{
			EpicID: epic.ID,
			Title:  "locked down",
			Rails:  model.Rails{Forbidden: []string{"prod-config"}},
		})
		require.NoError(t, err)
		advance(t, s, task.ID, model.StatusPlanning)

		_, _, _, err = s.SubmitPlan(task.ID, "w-1", []PlanStep{{Title: "edit prod-config"}})
		assert.Equal(t, model.ErrConstraintViolation, model.KindOf(err))
	})
}

func TestSubmitPlanBlockedByWIPLimitLeavesTaskUntouched(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)
	_, err := s.UpdateSettings(SettingsUpdate{WIPLimits: map[model.Status]int{model.StatusAwaitingApproval: 1}})
	require.NoError(t, err)

	occupant := mustTask(t, s, epic.ID, "fills the column")
	advance(t, s, occupant.ID, model.StatusPlanning)
	_, _, _, err = s.SubmitPlan(occupant.ID, "w-1", []PlanStep{{Title: "first in"}})
	require.NoError(t, err)

	blocked := mustTask(t, s, epic.ID, "blocked by wip")
	advance(t, s, blocked.ID, model.StatusPlanning)
	_, _, _, err = s.SubmitPlan(blocked.ID, "w-2", []PlanStep{{Title: "second in"}})
	require.Error(t, err)
	assert.Equal(t, model.ErrNotAllowed, model.KindOf(err))

	got := s.Task(blocked.ID)
	assert.Equal(t, model.StatusPlanning, got.Status)
	assert.Empty(t, got.Plan, "a refused submission must not leave its plan behind")
}

func TestRejectBlockedByWIPLimitLeavesTaskUntouched(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)

	inReview := mustTask(t, s, epic.ID, "under review")
	advance(t, s, inReview.ID, model.StatusWorking, model.StatusReview)

	occupant := mustTask(t, s, epic.ID, "occupies working")
	advance(t, s, occupant.ID, model.StatusWorking)
	_, err := s.UpdateSettings(SettingsUpdate{WIPLimits: map[model.Status]int{model.StatusWorking: 1}})
	require.NoError(t, err)

	_, err = s.RejectTask(inReview.ID, "qa-1", []string{"tests pass"}, nil)
	require.Error(t, err)
	assert.Equal(t, model.ErrNotAllowed, model.KindOf(err))

	got := s.Task(inReview.ID)
	assert.Equal(t, model.StatusReview, got.Status)
	assert.Nil(t, got.Rejection, "a refused rejection must not be recorded on the task")
	assert.Zero(t, got.ReopenCount)
}

func TestApproveAndReject(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)

	awaiting := func(title string) *model.Task {
		task := mustTask(t, s, epic.ID, title)
		advance(t, s, task.ID, model.StatusPlanning)
		got, _, _, err := s.SubmitPlan(task.ID, "w-1", []PlanStep{{Title: "step one"}})
		require.NoError(t, err)
		return got
	}

	t.Run("ApproveMovesToWorking", func(t *testing.T) {
		task := awaiting("approve me")
		got, err := s.ApproveTask(task.ID, "human", false)
		require.NoError(t, err)
		assert.Equal(t, model.StatusWorking, got.Status)
	})

	t.Run("ApproveRequiresAwaiting", func(t *testing.T) {
		task := mustTask(t, s, epic.ID, "not submitted")
		_, err := s.ApproveTask(task.ID, "human", false)
		assert.Equal(t, model.ErrInvalidState, model.KindOf(err))
	})

	t.Run("RejectedPlanReturnsToPlanning", func(t *testing.T) {
		task := awaiting("reject me")
		got, err := s.RejectTask(task.ID, "human", nil, []model.RejectionIssue{
			{Type: "scope", Description: "plan touches unrelated files"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.StatusPlanning, got.Status)
		require.NotNil(t, got.Rejection)
		assert.Equal(t, "human", got.Rejection.RejectedBy)
	})

	t.Run("RejectedReviewCountsAsReopen", func(t *testing.T) {
		task := mustTask(t, s, epic.ID, "review reject")
		advance(t, s, task.ID, model.StatusWorking, model.StatusReview)

		got, err := s.RejectTask(task.ID, "qa-1", []string{"passes lint"}, nil)
		require.NoError(t, err)
		assert.Equal(t, model.StatusWorking, got.Status)
		assert.Equal(t, 1, got.ReopenCount)
	})

	t.Run("RejectRequiresDecidableStatus", func(t *testing.T) {
		task := mustTask(t, s, epic.ID, "backlog reject")
		_, err := s.RejectTask(task.ID, "human", nil, nil)
		assert.Equal(t, model.ErrInvalidState, model.KindOf(err))
	})
}

func TestSteps(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)

	task := mustTask(t, s, epic.ID, "stepwise")
	advance(t, s, task.ID, model.StatusPlanning)
	submitted, _, _, err := s.SubmitPlan(task.ID, "w-1", []PlanStep{
		{Title: "one"},
		{Title: "two"},
	})
	require.NoError(t, err)
	_, err = s.ApproveTask(task.ID, "human", false)
	require.NoError(t, err)

	stepOne := submitted.Plan[0].ID
	stepTwo := submitted.Plan[1].ID

	t.Run("StartAndComplete", func(t *testing.T) {
		got, err := s.StartStep(task.ID, stepOne, "w-1")
		require.NoError(t, err)
		assert.Equal(t, model.StepInProgress, got.Plan[0].Status)

		got, err = s.CompleteStep(task.ID, stepOne, "w-1", "done", []string{"a.go"})
		require.NoError(t, err)
		assert.Equal(t, model.StepCompleted, got.Plan[0].Status)
		assert.Equal(t, []string{"a.go"}, got.Plan[0].ModifiedFiles)
	})

	t.Run("UnknownStep", func(t *testing.T) {
		_, err := s.StartStep(task.ID, "missing", "w-1")
		assert.Equal(t, model.ErrNotFound, model.KindOf(err))
	})

	t.Run("CompleteTaskRequiresAllSteps", func(t *testing.T) {
		_, err := s.CompleteTask(task.ID, "w-1")
		require.Error(t, err)
		assert.Equal(t, model.ErrInvalidState, model.KindOf(err))

		_, err = s.CompleteStep(task.ID, stepTwo, "w-1", "", nil)
		require.NoError(t, err)

		got, err := s.CompleteTask(task.ID, "w-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusReview, got.Status)
	})

	t.Run("StepsRequireWorkingStatus", func(t *testing.T) {
		_, err := s.StartStep(task.ID, stepOne, "w-1")
		assert.Equal(t, model.ErrInvalidState, model.KindOf(err))
	})
}

func TestComments(t *testing.T) {
	s := newTestStore(t)
	epic := mustEpic(t, s)
	task := mustTask(t, s, epic.ID, "discussed")

	t.Run("OversizedCommentRejected", func(t *testing.T) {
		_, err := s.AddComment(task.ID, "w-1", strings.Repeat("a", maxCommentLength+1), false)
		assert.Equal(t, model.ErrInvalidInput, model.KindOf(err))
	})

	t.Run("QuestionRaisesFlag", func(t *testing.T) {
		got, err := s.AddComment(task.ID, "w-1", "which database should this use?", true)
		require.NoError(t, err)
		assert.True(t, got.AwaitingAnswer)
	})

	t.Run("AnswerClearsFlag", func(t *testing.T) {
		got := s.Task(task.ID)
		require.NotEmpty(t, got.Comments)
		commentID := got.Comments[0].ID

		answered, err := s.AnswerComment(task.ID, commentID, "postgres", "human")
		require.NoError(t, err)
		assert.False(t, answered.AwaitingAnswer)
		assert.Equal(t, "postgres", answered.Comments[0].Answer)

		_, err = s.AnswerComment(task.ID, commentID, "again", "human")
		assert.Equal(t, model.ErrInvalidState, model.KindOf(err))
	})
}
