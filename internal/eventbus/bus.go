package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the poller, gate and observation path.
const (
	TypePollCompleted  = "poll.completed"
	TypePollFailed     = "poll.failed"
	TypePollJoined     = "poll.joined"
	TypeNotifyEmitted  = "notify.emitted"
	TypeNotifySuppress = "notify.suppressed"
	TypeNotifyFailed   = "notify.failed"
	TypeSoundFailed    = "sound.failed"
	TypeObservation    = "observe.received"
	TypeEnabledChanged = "enabled.changed"
	TypeCursorReset    = "cursor.reset"
)

// Event is a small in-memory signal used to decouple components
// (metrics and debug logging subscribe; the poller and gate publish).
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; slow subscribers drop events.
type Event struct {
	Type   string
	Time   time.Time
	Source string
	Data   any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Holding the write lock guarantees no Publish is mid-send on ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Nop is a Bus that discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
