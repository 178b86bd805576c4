// Package approval schedules the delayed auto-approval of submitted plans.
// Timers are tracked per task so a manual decision can cancel one and
// shutdown can cancel all of them.
package approval

import (
	"sync"
	"time"

	"github.com/yaront1111/atelier/internal/logging"
	"github.com/yaront1111/atelier/internal/model"
	"github.com/yaront1111/atelier/internal/state"
)

// Scheduler owns the pending auto-approval timers for one daemon instance.
type Scheduler struct {
	store *state.Store

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates an empty scheduler.
func New(store *state.Store) *Scheduler {
	return &Scheduler{
		store:  store,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms an auto-approval timer for the task. An existing timer for
// the same task is replaced.
func (s *Scheduler) Schedule(taskID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
	}
	s.timers[taskID] = time.AfterFunc(delay, func() { s.fire(taskID) })
	logging.Debug("auto-approval scheduled", "task", taskID, "delay", delay)
}

// Cancel stops the timer for a task, if any. Called on manual approval or
// rejection, and before a task is deleted.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
}

// CancelAll stops every pending timer. Further Schedule calls are ignored.
// Used during shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// fire runs when a timer elapses. The task must still be awaiting approval;
// a task manually decided in the meantime is left untouched.
func (s *Scheduler) fire(taskID string) {
	defer func() { logging.CapturePanic(recover(), "component", "approval", "task", taskID) }()

	s.mu.Lock()
	delete(s.timers, taskID)
	s.mu.Unlock()

	task := s.store.Task(taskID)
	if task == nil || task.Status != model.StatusAwaitingApproval {
		return
	}
	if _, err := s.store.ApproveTask(taskID, "auto", true); err != nil {
		// A WIP limit or a racing manual decision can block the
		// auto-approval; the task stays awaiting approval.
		logging.Warn("auto-approval failed", "task", taskID, "error", err)
		s.store.AppendActivity(&model.ActivityEvent{
			Type:    model.EventAutoApproveFailed,
			EpicID:  task.EpicID,
			TaskID:  taskID,
			Payload: map[string]any{"error": err.Error()},
		})
		return
	}
	logging.Info("plan auto-approved", "task", taskID)
}
