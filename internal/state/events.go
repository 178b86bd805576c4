package state

import (
	"sync"

	"github.com/yaront1111/atelier/internal/logging"
)

// Event is a change notification published after every successful mutation.
// Type matches the outbound wire message type so the broadcast server can
// forward events as-is; Payload is the resulting entity (or deletion marker).
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Outbound event types mirroring entity lifecycle.
const (
	EvtTaskCreated     = "TASK_CREATED"
	EvtTaskUpdated     = "TASK_UPDATED"
	EvtTaskDeleted     = "TASK_DELETED"
	EvtEpicCreated     = "EPIC_CREATED"
	EvtEpicUpdated     = "EPIC_UPDATED"
	EvtEpicDeleted     = "EPIC_DELETED"
	EvtWorkerCreated   = "WORKER_CREATED"
	EvtWorkerUpdated   = "WORKER_UPDATED"
	EvtTeamCreated     = "TEAM_CREATED"
	EvtTeamUpdated     = "TEAM_UPDATED"
	EvtProposalCreated = "PROPOSAL_CREATED"
	EvtProposalUpdated = "PROPOSAL_UPDATED"
	EvtSettingsUpdated = "SETTINGS_UPDATED"
	EvtStateReloaded   = "STATE_RELOADED"
)

// Deleted is the payload for *_DELETED events.
type Deleted struct {
	ID string `json:"id"`
}

// subscriberBuffer bounds each subscriber channel. Subscribers are expected
// to drain promptly; a full channel drops the event for that subscriber only.
const subscriberBuffer = 1024

type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel.
func (b *eventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logging.Warn("event subscriber buffer full, dropping event",
				"subscriber", id, "event", ev.Type)
		}
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
