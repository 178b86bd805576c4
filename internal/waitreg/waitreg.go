// Package waitreg implements the long-poll registry callers use when no task
// is immediately claimable. Waiters are keyed by caller id, resolved by
// matching state-change events, a timeout, or cancellation, and never block
// the daemon itself.
package waitreg

import (
	"context"
	"time"

	"github.com/yaront1111/atelier/internal/logging"
	"github.com/yaront1111/atelier/internal/model"
	"github.com/yaront1111/atelier/internal/state"
)

// Resolution outcomes.
const (
	ResolvedMatched         = "matched"
	ResolvedTimeout         = "timeout"
	ResolvedCancelled       = "cancelled"
	ResolvedPendingQuestion = "pending_question"
)

// Timeout bounds for a single wait, used when the daemon config does not
// override them.
const (
	MinWait     = 1 * time.Second
	MaxWait     = 5 * time.Minute
	DefaultWait = 30 * time.Second
)

// sweepInterval is how often waiters for vanished workers are reaped.
const sweepInterval = 30 * time.Second

// Resolution is the outcome delivered to a waiting caller.
type Resolution struct {
	Kind string      `json:"kind"`
	Task *model.Task `json:"task,omitempty"`
}

// Params describe one wait registration.
type Params struct {
	CallerID string
	Statuses []model.Status
	EpicID   string
	Timeout  time.Duration
}

type waiter struct {
	id       string
	statuses []model.Status
	epicID   string
	resolve  chan Resolution
	timer    *time.Timer
}

// Registry tracks at most one outstanding waiter per caller for one daemon
// instance.
type Registry struct {
	store *state.Store

	defaultWait time.Duration
	maxWait     time.Duration

	ops     chan func()
	stop    chan struct{}
	stopped chan struct{}

	// owned by the run goroutine
	waiters map[string]*waiter
}

// New creates a registry subscribed to the store's change events and starts
// its event loop. Zero bounds fall back to the package defaults.
func New(store *state.Store, defaultWait, maxWait time.Duration) *Registry {
	if defaultWait <= 0 {
		defaultWait = DefaultWait
	}
	if maxWait <= 0 {
		maxWait = MaxWait
	}
	r := &Registry{
		store:       store,
		defaultWait: defaultWait,
		maxWait:     maxWait,
		ops:         make(chan func(), 64),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		waiters:     make(map[string]*waiter),
	}
	events, unsubscribe := store.Subscribe()
	go r.run(events, unsubscribe)
	return r
}

// Stop resolves every outstanding waiter as cancelled and shuts the registry
// down. It returns once the event loop has exited.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.stopped
}

// Wait registers a waiter for the caller and blocks until it resolves. A
// second registration for the same caller cancels the first. Timeouts are
// clamped to the registry's bounds.
func (r *Registry) Wait(ctx context.Context, p Params) (Resolution, error) {
	if p.CallerID == "" {
		return Resolution{}, model.MissingField("workerId")
	}
	if len(p.Statuses) == 0 {
		p.Statuses = []model.Status{model.StatusBacklog}
	}
	for _, st := range p.Statuses {
		if !st.Valid() {
			return Resolution{}, model.InvalidInput("unknown status %q", st)
		}
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = r.defaultWait
	}
	if timeout < MinWait {
		timeout = MinWait
	}
	if timeout > r.maxWait {
		timeout = r.maxWait
	}

	w := &waiter{
		id:       p.CallerID,
		statuses: p.Statuses,
		epicID:   p.EpicID,
		resolve:  make(chan Resolution, 1),
	}

	registered := make(chan struct{})
	op := func() {
		if prev, ok := r.waiters[w.id]; ok {
			r.resolveLocked(prev, Resolution{Kind: ResolvedCancelled})
		}
		w.timer = time.AfterFunc(timeout, func() {
			r.enqueue(func() {
				if cur, ok := r.waiters[w.id]; ok && cur == w {
					r.resolveLocked(w, Resolution{Kind: ResolvedTimeout})
				}
			})
		})
		r.waiters[w.id] = w
		close(registered)
	}
	if !r.enqueue(op) {
		return Resolution{Kind: ResolvedCancelled}, nil
	}

	select {
	case <-registered:
	case <-r.stop:
		return Resolution{Kind: ResolvedCancelled}, nil
	}

	select {
	case res := <-w.resolve:
		return res, nil
	case <-ctx.Done():
		r.enqueue(func() {
			if cur, ok := r.waiters[w.id]; ok && cur == w {
				r.resolveLocked(w, Resolution{Kind: ResolvedCancelled})
			}
		})
		return Resolution{Kind: ResolvedCancelled}, ctx.Err()
	case <-r.stop:
		return Resolution{Kind: ResolvedCancelled}, nil
	}
}

// enqueue hands an op to the run goroutine. Returns false if the registry is
// stopping.
func (r *Registry) enqueue(op func()) bool {
	select {
	case r.ops <- op:
		return true
	case <-r.stop:
		return false
	}
}

func (r *Registry) run(events <-chan state.Event, unsubscribe func()) {
	defer close(r.stopped)
	defer unsubscribe()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case op := <-r.ops:
			op()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.handleEvent(ev)
		case <-sweep.C:
			r.sweepStale()
		case <-r.stop:
			for _, w := range r.waiters {
				r.resolveLocked(w, Resolution{Kind: ResolvedCancelled})
			}
			return
		}
	}
}

// resolveLocked removes a waiter and delivers its resolution. Only the run
// goroutine calls it.
func (r *Registry) resolveLocked(w *waiter, res Resolution) {
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(r.waiters, w.id)
	w.resolve <- res
}

func (r *Registry) handleEvent(ev state.Event) {
	if ev.Type != state.EvtTaskCreated && ev.Type != state.EvtTaskUpdated {
		return
	}
	task, ok := ev.Payload.(*model.Task)
	if !ok || len(r.waiters) == 0 {
		return
	}

	// A task surfacing an unanswered question interrupts every waiter so
	// the caller can go deal with it.
	if task.AwaitingAnswer {
		for _, w := range r.waiters {
			r.resolveLocked(w, Resolution{Kind: ResolvedPendingQuestion, Task: task})
		}
		return
	}

	if task.Assigned() {
		return
	}
	for _, w := range r.waiters {
		if w.epicID != "" && w.epicID != task.EpicID {
			continue
		}
		for _, st := range w.statuses {
			if task.Status == st {
				r.resolveLocked(w, Resolution{Kind: ResolvedMatched, Task: task})
				return
			}
		}
	}
}

// sweepStale cancels waiters whose caller no longer exists in the worker map.
func (r *Registry) sweepStale() {
	if len(r.waiters) == 0 {
		return
	}
	known := make(map[string]bool)
	for _, id := range r.store.WorkerIDs() {
		known[id] = true
	}
	for id, w := range r.waiters {
		if !known[id] {
			logging.Debug("sweeping waiter for missing worker", "worker", id)
			r.resolveLocked(w, Resolution{Kind: ResolvedCancelled})
		}
	}
}
