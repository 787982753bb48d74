package lock

import (
	"context"
	"sync"
)

// UnlockFunc releases a held lock.
type UnlockFunc func(ctx context.Context) error

// Locker acquires an exclusive lock on a key, blocking until it is held or
// ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (UnlockFunc, error)
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Keyed is a pool of per-key mutexes. Entries are reference counted and
// dropped once no caller holds or waits on them. An optional remote Locker is
// acquired after the local one so replicas sharing a store serialize too.
type Keyed struct {
	mu     sync.Mutex
	locks  map[string]*entry
	remote Locker
}

func NewKeyed(remote Locker) *Keyed {
	return &Keyed{locks: make(map[string]*entry), remote: remote}
}

func (k *Keyed) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(k.locks, key)
	}
}

func (k *Keyed) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	e := k.acquire(key)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key)
		return nil, ctx.Err()
	}
	local := func() {
		<-e.sem
		k.release(key)
	}
	if k.remote == nil {
		return func(context.Context) error {
			local()
			return nil
		}, nil
	}
	remoteUnlock, err := k.remote.Lock(ctx, key)
	if err != nil {
		local()
		return nil, err
	}
	return func(ctx context.Context) error {
		err := remoteUnlock(ctx)
		local()
		return err
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
