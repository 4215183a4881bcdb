// Package session holds the state of one scanner session and the facade
// the hosts drive it through.
package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Snapshot is a point-in-time copy of the session state
type Snapshot struct {
	ID          string  `json:"id"`
	Ready       bool    `json:"ready"`
	Model       string  `json:"model,omitempty"`
	Building    bool    `json:"building"`
	Built       int     `json:"built"`
	Total       int     `json:"total"`
	CameraReady bool    `json:"camera_ready"`
	Imported    bool    `json:"imported"`
	Exemplars   int     `json:"exemplars"`
	K           int     `json:"k"`
	Threshold   float64 `json:"threshold"`
	Status      string  `json:"status"`
}

// StatusSink receives every snapshot. Publish must not block.
type StatusSink interface {
	Publish(Snapshot)
}

// SinkFunc adapts a function to StatusSink
type SinkFunc func(Snapshot)

// Publish calls f
func (f SinkFunc) Publish(s Snapshot) { f(s) }

// LogSink logs status text changes
func LogSink(logger *slog.Logger) StatusSink {
	var last string
	return SinkFunc(func(s Snapshot) {
		if s.Status == last {
			return
		}
		last = s.Status
		logger.Info(s.Status, "built", s.Built, "total", s.Total, "exemplars", s.Exemplars)
	})
}

// State is the mutable session state. Every change is published to the
// sink and to watchers. Nothing read back from it feeds a decision other
// than the flags the session itself owns.
type State struct {
	mu       sync.Mutex
	snap     Snapshot
	sink     StatusSink
	watchers map[int]chan Snapshot
	nextID   int
}

// NewState creates the state for a session over total labels
func NewState(total, k int, threshold float64, sink StatusSink) *State {
	return &State{
		snap: Snapshot{
			ID:        uuid.NewString(),
			Total:     total,
			K:         k,
			Threshold: threshold,
			Status:    "Initializing…",
		},
		sink:     sink,
		watchers: make(map[int]chan Snapshot),
	}
}

// Snapshot returns the current state
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Update applies fn and publishes the result
func (s *State) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.snap)
	snap := s.snap

	if s.sink != nil {
		s.sink.Publish(snap)
	}
	for _, ch := range s.watchers {
		offer(ch, snap)
	}
}

// SetStatus replaces the status text
func (s *State) SetStatus(msg string) {
	s.Update(func(snap *Snapshot) { snap.Status = msg })
}

// Watch subscribes to snapshots. The channel holds the latest buffer
// snapshots; a slow reader loses the oldest ones. The current snapshot is
// delivered first. Call cancel to unsubscribe.
func (s *State) Watch(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	ch <- s.snap
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// offer sends without blocking, dropping the oldest queued snapshot if full
func offer(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
