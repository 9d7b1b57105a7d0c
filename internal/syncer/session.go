package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/bobuk/calsync/internal/remote"
)

type cycle struct {
	done    chan struct{}
	result  SyncResult
	waiters int
}

// session is the per-user sync state. mu guards every field except
// eventLocks, which has its own lock.
type session struct {
	userID string

	mu           sync.Mutex
	state        State
	lastSyncAt   *time.Time
	lastError    string
	disconnected bool
	inflight     *cycle
	cancel       context.CancelFunc
	provider     remote.Provider

	eventLocks keyedMutex
}

func newSession(userID string) *session {
	return &session{
		userID:     userID,
		state:      StateIdle,
		eventLocks: keyedMutex{locks: make(map[string]*refMutex)},
	}
}

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
