/*
Package lock implements ledger.Locker.

PURPOSE:
  Computing and locking a batch for one (location, period) must be
  mutually exclusive. The batch service takes a lock on
  ledger.BatchKey(location, period) around recompute and finalise.

IMPLEMENTATIONS:
  Memory: in-process keyed mutex. Enough for a single server.
  Redis:  distributed mutex (bsm/redislock) for several servers sharing
          one database.

  Both give up with ledger.ErrLockNotObtained once the wait budget is
  spent or ctx is done. The store-level compare-and-swap on batch status
  still holds if a lock expires early.

SEE ALSO:
  - ledger/store.go: Locker interface
  - tips/batch.go: Callers
*/
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/tip-ledger/ledger"
)

// DefaultWait is how long Lock waits for a held key.
const DefaultWait = 5 * time.Second

// =============================================================================
// MEMORY
// =============================================================================

// Memory is a keyed mutex. Keys are created on demand and dropped when
// the last holder or waiter leaves.
type Memory struct {
	mu   sync.Mutex
	keys map[string]*entry
	wait time.Duration
}

type entry struct {
	ch   chan struct{}
	refs int
}

var _ ledger.Locker = (*Memory)(nil)

// NewMemory returns a keyed mutex that waits at most wait for a key.
// wait <= 0 uses DefaultWait.
func NewMemory(wait time.Duration) *Memory {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Memory{keys: make(map[string]*entry), wait: wait}
}

func (m *Memory) Lock(ctx context.Context, key string) (func(), error) {
	e := m.acquireRef(key)

	timer := time.NewTimer(m.wait)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.releaseRef(key)
		return nil, fmt.Errorf("%w: %s: %v", ledger.ErrLockNotObtained, key, ctx.Err())
	case <-timer.C:
		m.releaseRef(key)
		return nil, fmt.Errorf("%w: %s", ledger.ErrLockNotObtained, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.releaseRef(key)
		})
	}, nil
}

func (m *Memory) acquireRef(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	return e
}

func (m *Memory) releaseRef(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.keys[key]
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}

// Held reports how many keys are currently locked or awaited.
func (m *Memory) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
