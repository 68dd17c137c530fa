// Package eventbus fans out per-run log and status events to live
// subscribers. The bus keeps no history: a subscriber attaching after an
// event was published never receives it.
package eventbus

import (
	"sync"
	"time"
)

// Event kinds
const (
	KindLog    = "log"
	KindStatus = "status"
)

// Event is the tagged union delivered to subscribers
type Event struct {
	Kind       string     `json:"type"`
	Line       string     `json:"line,omitempty"`
	Status     string     `json:"status,omitempty"`
	Branch     string     `json:"branch,omitempty"`
	PRNumber   int        `json:"prNumber,omitempty"`
	PRURL      string     `json:"prUrl,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Subscription is a live listener on one run's event stream
type Subscription struct {
	runID string
	ch    chan Event
}

// Events returns the channel events are delivered on. The channel is
// closed when the subscription is removed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

const defaultBuffer = 256

// Bus is a process-wide registry of live listeners keyed by run ID.
// Entries are created on first subscribe and removed when the last
// listener for a run detaches.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// New creates an event bus
func New() *Bus {
	return &Bus{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
	}
}

// Subscribe registers a live listener for the given run
func (b *Bus) Subscribe(runID string) *Subscription {
	sub := &Subscription{runID: runID, ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*Subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes a listener and closes its channel. Safe to call once
// per subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[sub.runID]
	if set == nil {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(b.subs, sub.runID)
	}
}

// Publish delivers the event to every current listener for the run,
// best-effort: a listener whose buffer is full misses this event.
func (b *Bus) Publish(runID string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[runID] {
		select {
		case sub.ch <- ev:
		default:
			// Backed-up listener; drop for this listener only
		}
	}
}

// SubscriberCount returns the number of live listeners for a run
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
