package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var _ Cache[any] = (*Slot[any])(nil)

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
	ttl        time.Duration
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Slot implements Cache interface holding at most one entry.
// Putting a value under any key replaces the previous entry.
// Expiry is checked against the clock on read; there is no background sweep.
type Slot[V any] struct {
	mu    sync.Mutex
	entry *entry[V]
	now   func() time.Time
}

// NewSlot creates an empty single-entry cache
func NewSlot[V any]() *Slot[V] {
	return &Slot[V]{now: time.Now}
}

// WithClock replaces the time source used for expiry (used by tests)
func (s *Slot[V]) WithClock(now func() time.Time) *Slot[V] {
	s.now = now
	return s
}

// Get retrieves the value if it is stored under key and not expired.
// An expired entry is dropped.
func (s *Slot[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	if s.entry == nil || s.entry.key != key {
		return zero, false
	}

	if s.entry.expired(s.now()) {
		logrus.Debugf("Cache entry for %s expired after %s", key, s.entry.ttl)
		s.entry = nil
		return zero, false
	}

	return s.entry.value, true
}

// Put stores value under key, replacing whatever the slot held.
// ttl is floored to one millisecond.
func (s *Slot[V]) Put(key string, value V, ttl time.Duration) {
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entry = &entry[V]{
		key:        key,
		value:      value,
		insertedAt: s.now(),
		ttl:        ttl,
	}
	logrus.Debugf("Cached response for %s (ttl %s)", key, ttl)
}

// Del empties the slot if it holds key
func (s *Slot[V]) Del(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != nil && s.entry.key == key {
		s.entry = nil
	}
}

// Len returns 1 when the slot holds an unexpired entry, 0 otherwise
func (s *Slot[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry == nil || s.entry.expired(s.now()) {
		return 0
	}
	return 1
}
