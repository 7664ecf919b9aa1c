package dispatch

import (
	"sync"
	"sync/atomic"
)

// InFlight is the set of source message IDs with a running workflow.
type InFlight struct {
	ids sync.Map
	n   atomic.Int64
}

// Add inserts id and reports whether it was absent.
func (s *InFlight) Add(id string) bool {
	if _, loaded := s.ids.LoadOrStore(id, struct{}{}); loaded {
		return false
	}
	s.n.Add(1)
	return true
}

func (s *InFlight) Remove(id string) {
	if _, ok := s.ids.LoadAndDelete(id); ok {
		s.n.Add(-1)
	}
}

func (s *InFlight) Contains(id string) bool {
	_, ok := s.ids.Load(id)
	return ok
}

func (s *InFlight) Len() int { return int(s.n.Load()) }
