// Package feed provides a latest-value observable. Subscribers always see the most
// recent value; intermediate values may be skipped when a subscriber falls behind.
package feed

import "sync"

// Source is the read side of a Value.
type Source[T any] interface {
	// Get returns the current value and whether one has been set.
	Get() (T, bool)
	// Subscribe returns a channel receiving every subsequent value (conflated)
	// and a cancel func that closes it.
	Subscribe() (<-chan T, func())
}

// Value holds a current value and fans it out to subscribers.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	set     bool
	subs    map[int]chan T
	nextID  int
}

// New returns an empty Value.
func New[T any]() *Value[T] {
	return &Value[T]{subs: make(map[int]chan T)}
}

// NewWith returns a Value initialised to v.
func NewWith[T any](v T) *Value[T] {
	f := New[T]()
	f.current = v
	f.set = true
	return f
}

// Get returns the current value.
func (f *Value[T]) Get() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.set
}

// Set stores v and delivers it to every subscriber without blocking.
func (f *Value[T]) Set(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current = v
	f.set = true
	for _, ch := range f.subs {
		// Replace any undelivered value; Set is the only writer, so the send cannot block.
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// Subscribe registers a new subscriber. The current value is not replayed.
func (f *Value[T]) Subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan T, 1)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Value[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

var _ Source[int] = (*Value[int])(nil)
