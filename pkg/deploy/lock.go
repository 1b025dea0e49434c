package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Locker serializes the route-and-commit step of publishes and rollbacks of
// one site. The ledger head version still decides between holders when a
// lock is lost or when replicas use different lockers.
type Locker interface {
	Lock(ctx context.Context, siteID string) (unlock func(), err error)
}

// localLocker only serializes operations inside one process.
type localLocker struct {
	mu    sync.Mutex
	sites map[string]*siteLock
}

type siteLock struct {
	held chan struct{}
	refs int
}

func newLocalLocker() *localLocker {
	return &localLocker{sites: map[string]*siteLock{}}
}

func (l *localLocker) Lock(ctx context.Context, siteID string) (func(), error) {
	l.mu.Lock()
	s, ok := l.sites[siteID]
	if !ok {
		s = &siteLock{held: make(chan struct{}, 1)}
		l.sites[siteID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.held <- struct{}{}:
		return func() {
			<-s.held
			l.release(siteID, s)
		}, nil
	case <-ctx.Done():
		l.release(siteID, s)
		return nil, fmt.Errorf("%w: waiting for site %s: %v", ErrConcurrentChange, siteID, ctx.Err())
	}
}

func (l *localLocker) release(siteID string, s *siteLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.sites, siteID)
	}
}

const redisLockPrefix = "acorn:site-lock:"

// RedisLocker serializes across every replica sharing the redis server. TTL
// must outlast a routing update of every name of a site; a lock that
// expires early only leaves the ordering to the ledger head.
type RedisLocker struct {
	client *redislock.Client
	TTL    time.Duration
	// Wait bounds how long Lock retries a held lock.
	Wait  time.Duration
	Retry time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(client),
		TTL:    ttl,
		Wait:   ttl,
		Retry:  50 * time.Millisecond,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, siteID string) (func(), error) {
	octx, cancel := context.WithTimeout(ctx, r.Wait)
	defer cancel()

	lock, err := r.client.Obtain(octx, redisLockPrefix+siteID, r.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.Retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) || (err != nil && octx.Err() != nil) {
		return nil, fmt.Errorf("%w: site %s is locked by another operation", ErrConcurrentChange, siteID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock site %s: %w", siteID, err)
	}

	return func() {
		rctx, cancel := detach(ctx, r.Retry*10)
		defer cancel()
		if err := lock.Release(rctx); err != nil {
			logrus.WithField("site", siteID).Warnf("site lock was not held on release: %v", err)
		}
	}, nil
}
