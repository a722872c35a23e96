package ratelimit

import (
	"sync"
	"time"
)

// EventKind classifies an admission decision or a 429.
type EventKind string

const (
	EventAllowed       EventKind = "allowed"
	EventDelayed       EventKind = "delayed"
	EventLimited       EventKind = "limited"
	EventGlobalLimited EventKind = "global_limited"
)

// Event is reported to an Observer for every reservation and every 429.
type Event struct {
	Kind   EventKind
	Route  string
	Bucket string
	Wait   time.Duration
	Global bool
	At     time.Time
}

// Observer receives registry events. Observe is called with bucket state
// already updated and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type nopObserver struct{}

func (nopObserver) Observe(Event) {}

// Counters is a tally of events by kind.
type Counters struct {
	Allowed       int64 `json:"allowed"`
	Delayed       int64 `json:"delayed"`
	Limited       int64 `json:"limited"`
	GlobalLimited int64 `json:"global_limited"`
}

func (c *Counters) add(kind EventKind) {
	switch kind {
	case EventAllowed:
		c.Allowed++
	case EventDelayed:
		c.Delayed++
	case EventLimited:
		c.Limited++
	case EventGlobalLimited:
		c.GlobalLimited++
	}
}

// MemoryStats keeps event counters in process, in total and per bucket.
type MemoryStats struct {
	mu       sync.Mutex
	total    Counters
	byBucket map[string]Counters
}

// NewMemoryStats creates an empty MemoryStats.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{byBucket: make(map[string]Counters)}
}

func (s *MemoryStats) Observe(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Kind)
	key := ev.Bucket
	if key == "" {
		key = ev.Route
	}
	c := s.byBucket[key]
	c.add(ev.Kind)
	s.byBucket[key] = c
}

// Total returns the overall counters.
func (s *MemoryStats) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Bucket returns the counters of one bucket, or of a route while it has none.
func (s *MemoryStats) Bucket(key string) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byBucket[key]
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) Observe(ev Event) {
	for _, obs := range o {
		obs.Observe(ev)
	}
}
