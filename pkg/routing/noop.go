package routing

import "context"

// Noop stands in when no routing index is configured. Publishes still
// store artifacts and record deployments; they are reported as skipped.
type Noop struct{}

func (Noop) Get(ctx context.Context, key string) (Entry, error) {
	return Entry{}, ErrUnavailable
}

func (Noop) Set(ctx context.Context, key, value string) (string, error) {
	return "", ErrUnavailable
}

func (Noop) Delete(ctx context.Context, key string) error {
	return ErrUnavailable
}

func (Noop) CompareAndSet(ctx context.Context, key, expected, value string) error {
	return ErrUnavailable
}

func (Noop) Enabled() bool {
	return false
}

func (Noop) Mode() string {
	return "none"
}
