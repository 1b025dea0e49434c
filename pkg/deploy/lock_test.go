package deploy

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLocker(t *testing.T, l Locker) {
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "s1")
	require.NoError(t, err)

	// other sites are not affected
	other, err := l.Lock(ctx, "s2")
	require.NoError(t, err)
	other()

	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	_, err = l.Lock(wctx, "s1")
	cancel()
	assert.ErrorIs(t, err, ErrConcurrentChange)

	acquired := make(chan func())
	go func() {
		u, err := l.Lock(ctx, "s1")
		assert.NoError(t, err)
		acquired <- u
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case u := <-acquired:
		u()
	case <-time.After(5 * time.Second):
		t.Fatal("lock not handed over after unlock")
	}
}

func TestLocalLocker(t *testing.T) {
	l := newLocalLocker()
	testLocker(t, l)
	assert.Empty(t, l.sites)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("ACORN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACORN_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Del(context.Background(), redisLockPrefix+"s1", redisLockPrefix+"s2").Err())

	l := NewRedisLocker(client, 10*time.Second)
	l.Retry = 10 * time.Millisecond
	testLocker(t, l)
}

func TestPublishWaitsForSiteLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	publishN(t, f, 1)

	unlock, err := f.o.locks.Lock(ctx, "s1")
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	_, err = f.o.Publish(wctx, "s1", "")
	cancel()
	assert.ErrorIs(t, err, ErrConcurrentChange)

	wctx, cancel = context.WithTimeout(ctx, 250*time.Millisecond)
	_, err = f.o.Rollback(wctx, "bakery", "d1")
	cancel()
	assert.ErrorIs(t, err, ErrConcurrentChange)
	unlock()

	assert.Equal(t, []string{"d1"}, f.active(t))
	assert.Equal(t, prefixOf("d1"), f.route(t, "bakery"))
	// the publish that never got the lock left an orphan behind
	msgs := f.sched.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, prefixOf("d2"), msgs[0].Prefix)

	res, err := f.o.Publish(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, prefixOf(res.DeploymentID), f.route(t, "bakery"))
}
