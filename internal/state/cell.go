package state

import "sync"

// Cell is an observable value. Subscribers see the current value on
// subscription and every later value until they unsubscribe.
type Cell[T any] struct {
	mu     sync.Mutex
	value  T
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// NewCell returns a cell holding initial.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial}
}

func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set stores v and notifies subscribers in subscription order.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	subs := c.snapshotSubs()
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Update replaces the value with fn(current) and notifies subscribers.
func (c *Cell[T]) Update(fn func(T) T) {
	c.mu.Lock()
	c.value = fn(c.value)
	v := c.value
	subs := c.snapshotSubs()
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Subscribe calls fn with the current value immediately and then on every
// change. The returned function unsubscribes; calling it twice is a no-op.
func (c *Cell[T]) Subscribe(fn func(T)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs = append(c.subs, subscriber[T]{id: id, fn: fn})
	v := c.value
	c.mu.Unlock()

	fn(v)

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(id) })
	}
}

func (c *Cell[T]) unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return
		}
	}
}

// snapshotSubs must be called with c.mu held. Callbacks run outside the
// lock so they may read or write the cell.
func (c *Cell[T]) snapshotSubs() []subscriber[T] {
	out := make([]subscriber[T], len(c.subs))
	copy(out, c.subs)
	return out
}
