// Package lock serialises mutations per event. An Arena hands out one
// in-process mutex per event id; Chain adds a distributed lock on top for
// deployments that run more than one instance.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// DefaultWait bounds lock acquisition when the caller's context has no
// deadline of its own.
const DefaultWait = 5 * time.Second

type slot struct {
	ch   chan struct{}
	refs int
}

// Arena is a keyed mutex. Slots are created on demand and dropped once no
// goroutine holds or waits for them.
type Arena struct {
	mu      sync.Mutex
	slots   map[string]*slot
	wait    time.Duration
	observe func(time.Duration)
}

// NewArena creates an Arena. wait <= 0 selects DefaultWait.
func NewArena(wait time.Duration) *Arena {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Arena{slots: make(map[string]*slot), wait: wait}
}

// OnWait registers a callback that receives how long each acquisition
// waited.
func (a *Arena) OnWait(fn func(time.Duration)) {
	a.observe = fn
}

// Lock blocks until the event's slot is free or the wait budget runs out, in
// which case domain.ErrConcurrentModification is returned.
func (a *Arena) Lock(ctx context.Context, eventID string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.wait)
		defer cancel()
	}

	a.mu.Lock()
	s, ok := a.slots[eventID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		a.slots[eventID] = s
	}
	s.refs++
	a.mu.Unlock()

	start := time.Now()
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		a.drop(eventID, s)
		return nil, fmt.Errorf("lock: event %s: %w", eventID, domain.ErrConcurrentModification)
	}
	if a.observe != nil {
		a.observe(time.Since(start))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			a.drop(eventID, s)
		})
	}, nil
}

// Len returns the number of live slots.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

func (a *Arena) drop(eventID string, s *slot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(a.slots, eventID)
	}
}

var _ domain.EventLocker = (*Arena)(nil)
