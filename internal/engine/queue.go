package engine

import "sync"

// Reason says why a drain was requested.
type Reason int

const (
	// ReasonStartup is posted when Run begins.
	ReasonStartup Reason = iota + 1
	// ReasonTick is the periodic wake-up.
	ReasonTick
	// ReasonConnectivity is posted when the online flag changes.
	ReasonConnectivity
	// ReasonLocalChange is posted after a mutation is enqueued.
	ReasonLocalChange
	// ReasonManual is an explicit sync request.
	ReasonManual
	// ReasonResume is posted when a rate-limit pause ends.
	ReasonResume
	// ReasonContinue is posted when a drain stopped at its operation limit.
	ReasonContinue
)

var reasonNames = map[Reason]string{
	ReasonStartup:      "startup",
	ReasonTick:         "tick",
	ReasonConnectivity: "connectivity",
	ReasonLocalChange:  "local_change",
	ReasonManual:       "manual",
	ReasonResume:       "resume",
	ReasonContinue:     "continue",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Trigger is one queued drain request.
type Trigger struct {
	Reason Reason
	// Online carries the new connectivity state for ReasonConnectivity.
	Online bool
}

// triggerQueue is a thread-safe queue of drain requests.
//
// The driver takes everything queued at once, so any number of triggers
// posted while a drain runs collapse into a single follow-up pass.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type triggerQueue struct {
	mu       sync.Mutex
	triggers []Trigger
	signal   chan struct{} // buffered, size 1
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a trigger. Thread-safe: may be called from any goroutine.
func (q *triggerQueue) Enqueue(t Trigger) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.triggers = append(q.triggers, t)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TakeAll removes and returns every queued trigger in arrival order.
// Returns nil if the queue is empty.
func (q *triggerQueue) TakeAll() []Trigger {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.triggers) == 0 {
		return nil
	}
	out := q.triggers
	q.triggers = nil
	return out
}

// Wait returns a channel that signals when triggers may be available.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued triggers.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.triggers)
}
