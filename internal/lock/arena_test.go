package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

func TestArenaSerialisesPerEvent(t *testing.T) {
	a := NewArena(time.Second)
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := a.Lock(ctx, "ev-1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Zero(t, a.Len())
}

func TestArenaEventsAreIndependent(t *testing.T) {
	a := NewArena(50 * time.Millisecond)
	ctx := context.Background()

	unlock1, err := a.Lock(ctx, "ev-1")
	require.NoError(t, err)
	defer unlock1()

	unlock2, err := a.Lock(ctx, "ev-2")
	require.NoError(t, err)
	assert.Equal(t, 2, a.Len())
	unlock2()
	assert.Equal(t, 1, a.Len())
}

func TestArenaTimesOut(t *testing.T) {
	a := NewArena(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := a.Lock(ctx, "ev-1")
	require.NoError(t, err)

	_, err = a.Lock(ctx, "ev-1")
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Equal(t, 1, a.Len())

	unlock()
	unlock()
	assert.Zero(t, a.Len())

	again, err := a.Lock(ctx, "ev-1")
	require.NoError(t, err)
	again()
}

func TestArenaHonoursCallerDeadline(t *testing.T) {
	a := NewArena(time.Hour)
	unlock, err := a.Lock(context.Background(), "ev-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = a.Lock(ctx, "ev-1")
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Less(t, time.Since(start), time.Second)
}

func TestArenaReportsWait(t *testing.T) {
	a := NewArena(time.Second)
	var waits []time.Duration
	a.OnWait(func(d time.Duration) { waits = append(waits, d) })

	unlock, err := a.Lock(context.Background(), "ev-1")
	require.NoError(t, err)
	unlock()
	require.Len(t, waits, 1)
	assert.GreaterOrEqual(t, waits[0], time.Duration(0))
}

// fakeManager reports the lock as held for the first busy attempts.
type fakeManager struct {
	mu       sync.Mutex
	busy     int
	err      error
	attempts int
	keys     []string
	released int
}

func (m *fakeManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	m.keys = append(m.keys, key)
	if m.err != nil {
		return nil, m.err
	}
	if m.attempts <= m.busy {
		return nil, domain.ErrLockHeld
	}
	return func() {
		m.mu.Lock()
		m.released++
		m.mu.Unlock()
	}, nil
}

func TestChainRetriesHeldLock(t *testing.T) {
	local := NewArena(time.Second)
	remote := &fakeManager{busy: 2}
	c := NewChain(local, remote, time.Minute, time.Second)

	unlock, err := c.Lock(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Equal(t, 3, remote.attempts)
	assert.Equal(t, "event:ev-1", remote.keys[0])
	assert.Equal(t, 1, local.Len())

	unlock()
	assert.Equal(t, 1, remote.released)
	assert.Zero(t, local.Len())
}

func TestChainGivesUpAndReleasesLocal(t *testing.T) {
	local := NewArena(time.Second)
	remote := &fakeManager{busy: 1 << 30}
	c := NewChain(local, remote, time.Minute, 60*time.Millisecond)

	_, err := c.Lock(context.Background(), "ev-1")
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Zero(t, local.Len())
}

func TestChainPropagatesBackendErrors(t *testing.T) {
	local := NewArena(time.Second)
	boom := errors.New("connection refused")
	c := NewChain(local, &fakeManager{err: boom}, time.Minute, time.Second)

	_, err := c.Lock(context.Background(), "ev-1")
	require.ErrorIs(t, err, boom)
	assert.Zero(t, local.Len())
}
