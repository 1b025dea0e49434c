package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	// ErrConflict means a conditional write lost against a concurrent
	// writer. Re-read and retry, or report the conflict.
	ErrConflict = errors.New("routing index write conflict")
	// ErrUnavailable means the index is not configured or cannot be reached.
	ErrUnavailable = errors.New("routing index unavailable")
	ErrNotFound    = errors.New("routing entry not found")
	// ErrMoved means a compare-and-set found a value other than the one it
	// expected. Retrying will not help.
	ErrMoved = errors.New("routing entry holds a different value")
)

// Status is the outcome of the routing step of a publish.
type Status string

const (
	// StatusSkipped means no write was attempted because no index is
	// configured.
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusUpdated Status = "updated"
)

// Entry is one routable name and the artifact prefix it serves. Version is
// the backend's opaque compare-and-swap token.
type Entry struct {
	Key     string
	Value   string
	Version string
}

// Index maps routable names to artifact prefixes. Set and Delete perform a
// single read followed by a write conditioned on what was read, and return
// ErrConflict when the condition fails.
type Index interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Set points key at value and returns the value it replaced, or "" if
	// the key was absent.
	Set(ctx context.Context, key, value string) (string, error)
	// Delete removes key. An absent key is not an error.
	Delete(ctx context.Context, key string) error
	// CompareAndSet points key at value only while it still holds expected.
	// An empty expected means the key must be absent and an empty value
	// deletes it. A different current value is ErrMoved.
	CompareAndSet(ctx context.Context, key, expected, value string) error
	// Enabled is false for the no-op index.
	Enabled() bool
	Mode() string
}

var DefaultBackoff = wait.Backoff{
	Duration: 50 * time.Millisecond,
	Factor:   2,
	Jitter:   0.2,
	Steps:    4,
}

// Retrier repeats the read-then-conditional-write cycle on ErrConflict.
// Timeout bounds each attempt, not the whole retry loop.
type Retrier struct {
	Index   Index
	Backoff wait.Backoff
	Timeout time.Duration
}

func NewRetrier(idx Index, timeout time.Duration) *Retrier {
	return &Retrier{
		Index:   idx,
		Backoff: DefaultBackoff,
		Timeout: timeout,
	}
}

func (r *Retrier) attempt(ctx context.Context, key string, op func(context.Context) error) error {
	var tries int
	err := wait.ExponentialBackoff(r.Backoff, func() (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		tries++

		actx := ctx
		if r.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}

		err := op(actx)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrConflict):
			logrus.WithField("key", key).Debugf("routing write conflict, attempt %d", tries)
			return false, nil
		default:
			return false, err
		}
	})
	if errors.Is(err, wait.ErrWaitTimeout) {
		return fmt.Errorf("%w: %s still contended after %d attempts", ErrConflict, key, tries)
	}
	return err
}

// Set is Index.Set with conflict retries.
func (r *Retrier) Set(ctx context.Context, key, value string) (string, error) {
	var previous string
	err := r.attempt(ctx, key, func(ctx context.Context) error {
		p, err := r.Index.Set(ctx, key, value)
		if err == nil {
			previous = p
		}
		return err
	})
	return previous, err
}

// Delete is Index.Delete with conflict retries.
func (r *Retrier) Delete(ctx context.Context, key string) error {
	return r.attempt(ctx, key, func(ctx context.Context) error {
		return r.Index.Delete(ctx, key)
	})
}

// Restore puts key back to previous, deleting it when previous is empty,
// but only while key still holds current. A key another writer has moved
// since is left alone and reported as ErrMoved.
func (r *Retrier) Restore(ctx context.Context, key, current, previous string) error {
	return r.attempt(ctx, key, func(ctx context.Context) error {
		return r.Index.CompareAndSet(ctx, key, current, previous)
	})
}
