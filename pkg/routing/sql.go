package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/acorn-io/acorn-publish/pkg/db"
)

// RouteStore is the part of the ledger database the relational index needs.
type RouteStore interface {
	GetRoute(ctx context.Context, name string) (db.RouteEntry, error)
	CompareAndSwapRoute(ctx context.Context, name, value string, expected int64) (int64, bool, error)
	CompareAndDeleteRoute(ctx context.Context, name string, expected int64) (bool, error)
}

// SQLIndex keeps routing entries as versioned rows. It is for backends
// without a native conditional write; the edge reads the table directly.
type SQLIndex struct {
	store RouteStore
}

func NewSQLIndex(store RouteStore) *SQLIndex {
	return &SQLIndex{store: store}
}

func (s *SQLIndex) Enabled() bool {
	return true
}

func (s *SQLIndex) Mode() string {
	return "sql"
}

func (s *SQLIndex) Get(ctx context.Context, key string) (Entry, error) {
	e, err := s.store.GetRoute(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Entry{Key: e.Name, Value: e.Value, Version: strconv.FormatInt(e.Version, 10)}, nil
}

func (s *SQLIndex) Set(ctx context.Context, key, value string) (string, error) {
	var (
		previous string
		expected int64
	)
	e, err := s.store.GetRoute(ctx, key)
	switch {
	case err == nil:
		previous, expected = e.Value, e.Version
	case !errors.Is(err, db.ErrNotFound):
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, ok, err := s.store.CompareAndSwapRoute(ctx, key, value, expected)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s changed since version %d", ErrConflict, key, expected)
	}
	return previous, nil
}

func (s *SQLIndex) Delete(ctx context.Context, key string) error {
	e, err := s.store.GetRoute(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ok, err := s.store.CompareAndDeleteRoute(ctx, key, e.Version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s changed since version %d", ErrConflict, key, e.Version)
	}
	return nil
}

func (s *SQLIndex) CompareAndSet(ctx context.Context, key, expected, value string) error {
	var (
		current string
		version int64
	)
	e, err := s.store.GetRoute(ctx, key)
	switch {
	case err == nil:
		current, version = e.Value, e.Version
	case !errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if current != expected {
		return fmt.Errorf("%w: %s points at %q, expected %q", ErrMoved, key, current, expected)
	}
	if current == value {
		return nil
	}

	var ok bool
	if value == "" {
		ok, err = s.store.CompareAndDeleteRoute(ctx, key, version)
	} else {
		_, ok, err = s.store.CompareAndSwapRoute(ctx, key, value, version)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s changed since version %d", ErrConflict, key, version)
	}
	return nil
}
