package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncoflow/internal/lock"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	k := lock.NewKeyed(nil)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "d-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, unlock(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, k.Len(), "entries are dropped once released")
}

func TestKeyedDifferentKeysDoNotBlock(t *testing.T) {
	k := lock.NewKeyed(nil)
	ctx := context.Background()
	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA(ctx)

	ctxB, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	unlockB, err := k.Lock(ctxB, "b")
	require.NoError(t, err)
	require.NoError(t, unlockB(ctx))
}

func TestKeyedHonorsContext(t *testing.T) {
	k := lock.NewKeyed(nil)
	ctx := context.Background()
	unlock, err := k.Lock(ctx, "a")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = k.Lock(waitCtx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, unlock(ctx))
	assert.Equal(t, 0, k.Len())
}

func TestRedisLockerContention(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	l1 := lock.NewRedis(client, "test:", 5*time.Second)
	l2 := lock.NewRedis(client, "test:", 5*time.Second)
	ctx := context.Background()

	unlock1, err := l1.Lock(ctx, "dossier-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:dossier-1"))

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = l2.Lock(waitCtx, "dossier-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock1(ctx))
	assert.False(t, mr.Exists("test:lock:dossier-1"))

	unlock2, err := l2.Lock(ctx, "dossier-1")
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}

func TestKeyedWithRemote(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	k := lock.NewKeyed(lock.NewRedis(client, "test:", time.Second))
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "d-9")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:d-9"))
	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:lock:d-9"))
}
