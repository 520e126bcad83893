package jobs

import (
	"sync"
	"time"

	"github.com/heimdex/scenesplit/internal/failure"
)

// Event describes one job state change or progress note.
type Event struct {
	Seq       uint64        `json:"seq"`
	Time      time.Time     `json:"time"`
	JobID     string        `json:"job_id"`
	Requester string        `json:"requester"`
	State     State         `json:"state"`
	Position  int           `json:"position,omitempty"`
	Retries   int           `json:"retries,omitempty"`
	Message   string        `json:"message,omitempty"`
	ErrorKind failure.Kind  `json:"error_kind,omitempty"`
	Stage     failure.Stage `json:"stage,omitempty"`
}

const (
	defaultHistory   = 1024
	subscriberBuffer = 64
)

// EventBus fans events out to live subscribers and keeps a bounded history
// for pollers. A slow subscriber misses events rather than blocking the
// scheduler.
type EventBus struct {
	mu      sync.Mutex
	seq     uint64
	history []Event
	limit   int
	subs    map[int]chan Event
	nextSub int
	dropped uint64
}

func NewEventBus(historyLimit int) *EventBus {
	if historyLimit <= 0 {
		historyLimit = defaultHistory
	}
	return &EventBus{limit: historyLimit, subs: make(map[int]chan Event)}
}

// Publish stamps e with the next sequence number and delivers it.
func (b *EventBus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	e = b.appendLocked(e)
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
	return e
}

// Record stamps e and keeps it in history without waking subscribers.
// High-volume notes such as queue positions go here so that they cannot
// crowd state changes out of a subscriber's buffer.
func (b *EventBus) Record(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(e)
}

func (b *EventBus) appendLocked(e Event) Event {
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.history = append(b.history, e)
	if len(b.history) > b.limit {
		b.history = append(b.history[:0:0], b.history[len(b.history)-b.limit:]...)
	}
	return e
}

// Subscribe returns a channel receiving every future event and a function
// that unsubscribes and closes it.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Since returns retained events with Seq > seq, optionally for one job.
func (b *EventBus) Since(seq uint64, jobID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, e := range b.history {
		if e.Seq <= seq {
			continue
		}
		if jobID != "" && e.JobID != jobID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Seq returns the sequence number of the latest event.
func (b *EventBus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
