package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBusy is returned when a build or scan is already running
var ErrBusy = errors.New("another operation is in progress")

// Guard lets one build or scan run against the store at a time
type Guard struct {
	mu      sync.Mutex
	running string
}

// TryAcquire claims the guard for op without waiting. The returned
// release may be called more than once.
func (g *Guard) TryAcquire(op string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running != "" {
		return nil, fmt.Errorf("%w: %s", ErrBusy, g.running)
	}
	g.running = op

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.running = ""
			g.mu.Unlock()
		})
	}, nil
}

// Running returns the operation holding the guard, or ""
func (g *Guard) Running() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}
