package downloader

import (
	"sync"
	"time"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventState        EventKind = iota // State changed
	EventPlanned                       // layout known; Shards is the fetch count
	EventShardStarted                  // a fetch was dispatched
	EventShardDone                     // a chunk was fetched and verified
	EventShardRetry                    // a fetch failed and moved to another location
	EventShardLost                     // a chunk failed on every location
	EventSubstituted                   // a parity shard replaced a lost one
	EventPaused
	EventResumed
)

var eventNames = [...]string{
	EventState:        "state",
	EventPlanned:      "planned",
	EventShardStarted: "shard-started",
	EventShardDone:    "shard-done",
	EventShardRetry:   "shard-retry",
	EventShardLost:    "shard-lost",
	EventSubstituted:  "substituted",
	EventPaused:       "paused",
	EventResumed:      "resumed",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[k]
}

// Event is a one-way notification from the orchestrator. Fields that do not
// apply to a kind are zero.
type Event struct {
	Kind     EventKind
	Transfer string
	State    State
	Stripe   int
	Index    int
	URL      string
	Bytes    int64
	Shards   int
	Fraction float64
	Speed    float64
	Err      error
	Time     time.Time
}

// hub fans events out to subscribers without blocking the sender. A
// subscriber whose buffer is full misses the event.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func (h *hub) subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]chan Event)
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
