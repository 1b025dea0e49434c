package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	fieldValue   = "value"
	fieldVersion = "version"
)

// RedisIndex stores each routable name as a hash at route:{name}. Writes
// WATCH the key and commit in MULTI/EXEC, so a concurrent write between the
// read and the commit aborts the transaction.
type RedisIndex struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisIndex(client redis.UniversalClient) *RedisIndex {
	return &RedisIndex{client: client, prefix: "route:"}
}

func (r *RedisIndex) Enabled() bool {
	return true
}

func (r *RedisIndex) Mode() string {
	return "redis"
}

func (r *RedisIndex) key(name string) string {
	return r.prefix + name
}

type hashEntry struct {
	value   string
	version int64
	found   bool
}

func readEntry(ctx context.Context, c redis.Cmdable, key string) (hashEntry, error) {
	vals, err := c.HMGet(ctx, key, fieldValue, fieldVersion).Result()
	if err != nil {
		return hashEntry{}, err
	}
	var e hashEntry
	if s, ok := vals[0].(string); ok {
		e.value, e.found = s, true
	}
	if s, ok := vals[1].(string); ok {
		e.version, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return hashEntry{}, fmt.Errorf("corrupt version for %s: %w", key, err)
		}
	}
	return e, nil
}

func (r *RedisIndex) Get(ctx context.Context, name string) (Entry, error) {
	e, err := readEntry(ctx, r.client, r.key(name))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !e.found {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Entry{Key: name, Value: e.value, Version: strconv.FormatInt(e.version, 10)}, nil
}

func (r *RedisIndex) Set(ctx context.Context, name, value string) (string, error) {
	key := r.key(name)
	var previous string
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		e, err := readEntry(ctx, tx, key)
		if err != nil {
			return err
		}
		previous = e.value
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldValue, value, fieldVersion, e.version+1)
			return nil
		})
		return err
	}, key)
	return previous, r.translate(name, err)
}

func (r *RedisIndex) Delete(ctx context.Context, name string) error {
	key := r.key(name)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil || n == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	return r.translate(name, err)
}

func (r *RedisIndex) CompareAndSet(ctx context.Context, name, expected, value string) error {
	key := r.key(name)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		e, err := readEntry(ctx, tx, key)
		if err != nil {
			return err
		}
		if e.value != expected {
			return fmt.Errorf("%w: %s points at %q, expected %q", ErrMoved, name, e.value, expected)
		}
		if e.value == value {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if value == "" {
				pipe.Del(ctx, key)
			} else {
				pipe.HSet(ctx, key, fieldValue, value, fieldVersion, e.version+1)
			}
			return nil
		})
		return err
	}, key)
	return r.translate(name, err)
}

func (r *RedisIndex) translate(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMoved):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %s was modified concurrently", ErrConflict, name)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
