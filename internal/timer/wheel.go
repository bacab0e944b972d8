// Package timer implements a single-level timing wheel for connection and
// request deadlines. Unlike a plain time.Timer per connection, a single
// background goroutine drives every armed deadline off of one ticker — the
// same single-ticker-updates-a-shared-value idiom the date package uses for
// the cached Date header, generalized from one shared value to many
// independently cancellable entries.
package timer

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultSlotCount = 512
	defaultTick      = 50 * time.Millisecond
)

// Entry is a single armed deadline. Cancel removes it from the wheel before
// it fires; Reset rearms it at a new absolute deadline without allocating a
// new Entry, mirroring the "cancelled and rearmed on every I/O event"
// connection lifecycle.
type Entry struct {
	wheel    *Wheel
	mu       sync.Mutex
	elem     *list.Element
	slot     int
	deadline time.Time
	onFire   func()
	fired    bool
	canceled bool
}

type wheelItem struct {
	entry *Entry
	// rounds counts additional full revolutions of the wheel before this
	// entry's deadline is actually due, letting one coarse set of slots
	// represent deadlines arbitrarily far in the future.
	rounds int
}

// Wheel is a single-level ring of deadline buckets; deadlines beyond one
// revolution carry a rounds count. One Wheel is normally shared
// by every connection in a worker; each connection holds its own *Entry.
type Wheel struct {
	mu       sync.Mutex
	slots    []*list.List
	slotDur  time.Duration
	current  int
	started  time.Time
	stopCh   chan struct{}
	stopped  bool
	stopOnce sync.Once
}

// New creates a Wheel with the given tick resolution and slot count. A
// smaller tick gives finer deadline granularity at the cost of more wakeups;
// spec.md does not mandate a resolution, so this defaults to 50ms/512 slots
// (~25.6s per revolution, extended indefinitely via wheelItem.rounds).
func New(tick time.Duration, slots int) *Wheel {
	if tick <= 0 {
		tick = defaultTick
	}
	if slots <= 0 {
		slots = defaultSlotCount
	}
	w := &Wheel{
		slots:   make([]*list.List, slots),
		slotDur: tick,
		started: time.Now(),
		stopCh:  make(chan struct{}),
	}
	for i := range w.slots {
		w.slots[i] = list.New()
	}
	return w
}

// NewDefault creates a Wheel with the package defaults.
func NewDefault() *Wheel {
	return New(defaultTick, defaultSlotCount)
}

// Run starts the background ticker goroutine. It blocks until Stop is
// called, so callers run it with `go wheel.Run()`.
func (w *Wheel) Run() {
	ticker := time.NewTicker(w.slotDur)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.advance()
		case <-w.stopCh:
			return
		}
	}
}

// Stop halts the background ticker. Armed entries that never fired are left
// untouched; callers that want cancellation semantics on shutdown should
// cancel their own contexts directly.
func (w *Wheel) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.stopCh)
	})
}

func (w *Wheel) advance() {
	w.mu.Lock()
	w.current = (w.current + 1) % len(w.slots)
	bucket := w.slots[w.current]

	var due []*Entry
	for e := bucket.Front(); e != nil; {
		next := e.Next()
		item := e.Value.(*wheelItem)
		if item.rounds > 0 {
			item.rounds--
		} else {
			bucket.Remove(e)
			due = append(due, item.entry)
		}
		e = next
	}
	w.mu.Unlock()

	for _, entry := range due {
		entry.fire()
	}
}

// Add arms a new deadline on the wheel, returning an Entry the caller uses
// to Cancel or Reset it. onFire is invoked from the wheel's own goroutine
// when the deadline elapses without being canceled first — callers that
// need to cancel a context.Context on fire should pass a closure over
// `cancel` (per spec.md §4.9, firing releases buffers and cancels the
// connection's context at its next suspension point).
func (w *Wheel) Add(deadline time.Time, onFire func()) *Entry {
	entry := &Entry{wheel: w, deadline: deadline, onFire: onFire}
	w.arm(entry, deadline)
	return entry
}

func (w *Wheel) arm(entry *Entry, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Round up and add one tick: the next advance can come at any point
	// within the current tick, so this keeps an entry from firing before
	// its deadline.
	remaining := deadline.Sub(time.Now())
	ticks := int((remaining+w.slotDur-1)/w.slotDur) + 1
	if ticks < 1 {
		ticks = 1
	}
	slot := (w.current + ticks) % len(w.slots)
	rounds := (ticks - 1) / len(w.slots)

	entry.mu.Lock()
	entry.slot = slot
	entry.deadline = deadline
	entry.fired = false
	entry.canceled = false
	entry.elem = w.slots[slot].PushBack(&wheelItem{entry: entry, rounds: rounds})
	entry.mu.Unlock()
}

func (e *Entry) fire() {
	e.mu.Lock()
	if e.canceled || e.fired {
		e.mu.Unlock()
		return
	}
	e.fired = true
	cb := e.onFire
	e.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Cancel removes the entry from the wheel. Safe to call after the entry has
// already fired or been canceled (no-op).
func (e *Entry) Cancel() {
	e.mu.Lock()
	if e.canceled || e.fired {
		e.mu.Unlock()
		return
	}
	e.canceled = true
	elem := e.elem
	slot := e.slot
	e.mu.Unlock()

	e.wheel.mu.Lock()
	if elem != nil {
		e.wheel.slots[slot].Remove(elem)
	}
	e.wheel.mu.Unlock()
}

// Reset cancels the entry's current arming (if any) and rearms it at the
// new absolute deadline, matching the "cancelled and rearmed on every I/O
// event" contract connections use to push back idle/request deadlines.
func (e *Entry) Reset(deadline time.Time) {
	e.Cancel()
	e.wheel.arm(e, deadline)
}

// Deadline returns the entry's currently armed absolute deadline.
func (e *Entry) Deadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadline
}
