package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

const retryInterval = 25 * time.Millisecond

// Chain takes the local arena slot first and then a distributed lock keyed
// "event:<id>", retrying the distributed lock until the wait budget is spent.
type Chain struct {
	local  *Arena
	remote domain.LockManager
	ttl    time.Duration
	wait   time.Duration
}

// NewChain creates a Chain. ttl bounds how long a crashed holder can block
// other instances.
func NewChain(local *Arena, remote domain.LockManager, ttl, wait time.Duration) *Chain {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Chain{local: local, remote: remote, ttl: ttl, wait: wait}
}

// Lock implements domain.EventLocker.
func (c *Chain) Lock(ctx context.Context, eventID string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.wait)
		defer cancel()
	}

	unlockLocal, err := c.local.Lock(ctx, eventID)
	if err != nil {
		return nil, err
	}

	key := "event:" + eventID
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		unlockRemote, err := c.remote.Acquire(ctx, key, c.ttl)
		if err == nil {
			return func() {
				unlockRemote()
				unlockLocal()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			unlockLocal()
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("lock: acquire %s: %w", key, domain.ErrConcurrentModification)
		case <-ticker.C:
		}
	}
}

var _ domain.EventLocker = (*Chain)(nil)
