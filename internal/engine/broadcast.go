package engine

import (
	"sync"
	"sync/atomic"

	"github.com/chorusdev/chorus/internal/task"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 32

// Broadcaster fans task changes out to subscribers. Publish never blocks:
// a subscriber whose queue is full misses the update.
type Broadcaster struct {
	buffer int

	mu     sync.Mutex
	subs   map[chan *task.Task]struct{}
	closed bool

	dropped atomic.Int64
}

// NewBroadcaster returns a Broadcaster with buffer slots per subscriber.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{buffer: buffer, subs: make(map[chan *task.Task]struct{})}
}

// Subscribe registers a subscriber. The returned cancel func unregisters
// it and closes the channel; calling it more than once is fine. After
// Close, Subscribe returns an already closed channel.
func (b *Broadcaster) Subscribe() (<-chan *task.Task, func()) {
	ch := make(chan *task.Task, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish sends a copy of t to every subscriber.
func (b *Broadcaster) Publish(t *task.Task) {
	if t == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- t.Clone():
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers is the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped counts updates discarded because a subscriber fell behind.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel and rejects new subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
