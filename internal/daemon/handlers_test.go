package daemon

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/yaront1111/atelier/internal/config"
	"github.com/yaront1111/atelier/internal/model"
	"github.com/yaront1111/atelier/internal/state"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	projectPath := t.TempDir()
	d, err := New(config.DefaultConfig(), projectPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(d.Shutdown)

	if _, err := d.store.InitProject("handlers", projectPath); err != nil {
		t.Fatalf("InitProject failed: %v", err)
	}
	return d
}

func planningTask(t *testing.T, d *Daemon, title string) *model.Task {
	t.Helper()
	epic, err := d.store.CreateEpic(state.CreateEpicArgs{Title: title + " epic"})
	if err != nil {
		t.Fatalf("CreateEpic failed: %v", err)
	}
	task, err := d.store.CreateTask(state.CreateTaskArgs{EpicID: epic.ID, Title: title})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := d.store.SetStatus(task.ID, model.StatusPlanning, "", "w-1"); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	return task
}

func submitPlan(t *testing.T, d *Daemon, taskID string) *model.Task {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"taskId":   taskID,
		"workerId": "w-1",
		"steps":    []map[string]any{{"title": "only step"}},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	replyType, result, err := d.handleSubmitPlan(context.Background(), payload)
	if err != nil {
		t.Fatalf("handleSubmitPlan failed: %v", err)
	}
	if replyType != state.EvtTaskUpdated {
		t.Fatalf("unexpected reply type %q", replyType)
	}
	task, ok := result.(*model.Task)
	if !ok || task == nil {
		t.Fatalf("expected a task payload, got %T", result)
	}
	return task
}

func TestSubmitPlanInstantApproval(t *testing.T) {
	d := newTestDaemon(t)
	mode := model.ApprovalInstant
	if _, err := d.store.UpdateSettings(state.SettingsUpdate{ApprovalMode: &mode}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}

	task := planningTask(t, d, "smooth sailing")
	got := submitPlan(t, d, task.ID)
	if got.Status != model.StatusWorking {
		t.Errorf("instant mode should approve immediately, got %s", got.Status)
	}
}

func TestSubmitPlanInstantApprovalBlockedStillReturnsTask(t *testing.T) {
	d := newTestDaemon(t)
	mode := model.ApprovalInstant
	limits := map[model.Status]int{model.StatusWorking: 1}
	if _, err := d.store.UpdateSettings(state.SettingsUpdate{ApprovalMode: &mode, WIPLimits: limits}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}

	occupant := planningTask(t, d, "occupies working")
	if _, err := d.store.SetStatus(occupant.ID, model.StatusBacklog, "", "w-1"); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if _, err := d.store.SetStatus(occupant.ID, model.StatusWorking, "", "w-1"); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	task := planningTask(t, d, "blocked approval")
	got := submitPlan(t, d, task.ID)
	if got.Status != model.StatusAwaitingApproval {
		t.Errorf("blocked approval should leave the task awaiting, got %s", got.Status)
	}
	if len(got.Plan) != 1 {
		t.Errorf("caller should get back the submission it made, plan: %+v", got.Plan)
	}
}
