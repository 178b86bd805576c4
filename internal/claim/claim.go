// Package claim serializes "claim next task" requests through a single
// dispatch goroutine so the check-unassigned-then-assign sequence is atomic
// even when many callers race. Requests queue first-in-first-out and are
// served one at a time.
package claim

import (
	"context"

	"github.com/yaront1111/atelier/internal/logging"
	"github.com/yaront1111/atelier/internal/model"
	"github.com/yaront1111/atelier/internal/state"
)

// requestQueueSize bounds how many claim requests may be in flight before
// callers block.
const requestQueueSize = 64

// Request asks for the next claimable task.
type Request struct {
	CallerID   string
	WorkerType model.WorkerType
	Statuses   []model.Status
	EpicID     string
	Replace    bool
}

// Result is the outcome of a successful claim attempt. HasNext is false when
// no task matched; Task is only set when HasNext is true.
type Result struct {
	Task    *model.Task `json:"task,omitempty"`
	HasNext bool        `json:"hasNext"`
}

type pending struct {
	req  Request
	resp chan outcome
}

type outcome struct {
	result Result
	err    error
}

// Coordinator owns the claim queue for one daemon instance.
type Coordinator struct {
	store    *state.Store
	requests chan pending
	stop     chan struct{}
	stopped  chan struct{}
}

// New creates a coordinator and starts its dispatch goroutine.
func New(store *state.Store) *Coordinator {
	c := &Coordinator{
		store:    store,
		requests: make(chan pending, requestQueueSize),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Stop shuts down the dispatch goroutine. Requests already queued are
// answered with an error; Stop returns once the goroutine has exited.
func (c *Coordinator) Stop() {
	close(c.stop)
	<-c.stopped
}

// Claim queues a claim request and waits for its turn.
func (c *Coordinator) Claim(ctx context.Context, req Request) (Result, error) {
	if req.CallerID == "" {
		return Result{}, model.MissingField("workerId")
	}
	if len(req.Statuses) == 0 {
		req.Statuses = []model.Status{model.StatusBacklog}
	}
	for _, st := range req.Statuses {
		if !st.Valid() {
			return Result{}, model.InvalidInput("unknown status %q", st)
		}
	}

	p := pending{req: req, resp: make(chan outcome, 1)}
	select {
	case c.requests <- p:
	case <-c.stop:
		return Result{}, model.NotAllowed("claim coordinator is shutting down")
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case out := <-p.resp:
		return out.result, out.err
	case <-c.stopped:
		// Prefer an answer that was already delivered over the shutdown error.
		select {
		case out := <-p.resp:
			return out.result, out.err
		default:
		}
		return Result{}, model.NotAllowed("claim coordinator is shutting down")
	case <-ctx.Done():
		// The dispatcher will still process the request; the result is
		// simply discarded. The assignment itself remains valid.
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) dispatch() {
	defer close(c.stopped)
	for {
		select {
		case p := <-c.requests:
			result, err := c.serve(p.req)
			p.resp <- outcome{result: result, err: err}
		case <-c.stop:
			c.drain()
			return
		}
	}
}

func (c *Coordinator) drain() {
	for {
		select {
		case p := <-c.requests:
			p.resp <- outcome{err: model.NotAllowed("claim coordinator is shutting down")}
		default:
			return
		}
	}
}

// serve handles one claim. Only the dispatch goroutine calls it, so the
// candidate scan and the assignment cannot interleave with another claim.
func (c *Coordinator) serve(req Request) (Result, error) {
	candidates := c.store.ClaimCandidates(req.Statuses, req.EpicID)
	if len(candidates) == 0 {
		return Result{HasNext: false}, nil
	}

	task := candidates[0]
	if conflict := c.store.ConflictingClaim(task.EpicID, req.Statuses, req.CallerID); conflict != nil {
		if !c.store.SameTeam(conflict.AssignedWorkerID, req.CallerID) {
			if !req.Replace {
				return Result{}, model.NotAllowed(
					"worker %s already holds task %q in this epic", conflict.AssignedWorkerID, conflict.Title).
					WithDetail("epicId", task.EpicID).
					WithDetail("conflictingTaskId", conflict.ID).
					WithDetail("conflictingWorkerId", conflict.AssignedWorkerID)
			}
			if err := c.store.ClearAssignment(conflict.ID); err != nil {
				return Result{}, err
			}
			logging.Info("claim replaced previous assignment",
				"task", conflict.ID, "previousWorker", conflict.AssignedWorkerID, "caller", req.CallerID)
		}
	}

	assigned, err := c.store.AssignTask(task.ID, req.CallerID, req.WorkerType)
	if err != nil {
		return Result{}, err
	}
	logging.Debug("task claimed", "task", assigned.ID, "worker", req.CallerID, "epic", assigned.EpicID)
	return Result{Task: assigned, HasNext: true}, nil
}
