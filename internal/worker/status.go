package worker

import (
	"sync"
	"time"
)

// Status is the scheduler's view of sync health.
type Status struct {
	Online         bool       `json:"online"`
	Syncing        bool       `json:"syncing"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	PendingChanges int        `json:"pending_changes"`
	FailedChanges  int        `json:"failed_changes"`
	LastError      string     `json:"last_error,omitempty"`
}

// Broker fans values out to subscribers. Publish never blocks: a subscriber
// that has not drained its previous value only sees the newest one.
type Broker[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan T
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a buffered stream and a cancel func that closes it.
func (b *Broker[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan T, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Drop the stale value and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
