package deploy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acorn-io/acorn-publish/pkg/artifacts"
	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/acorn-io/acorn-publish/pkg/reclaim"
	"github.com/acorn-io/acorn-publish/pkg/render"
	"github.com/acorn-io/acorn-publish/pkg/routing"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

// faultyStore is a local store that can fail chosen writes and remembers
// every bulk delete.
type faultyStore struct {
	artifacts.Store

	mu       sync.Mutex
	failPut  func(objectPath string) error
	onDelete func(prefix string)
	puts     int
	deleted  []string
}

func (s *faultyStore) Put(ctx context.Context, objectPath string, body []byte, contentType string) error {
	s.mu.Lock()
	fail := s.failPut
	s.puts++
	s.mu.Unlock()
	if fail != nil {
		if err := fail(objectPath); err != nil {
			return err
		}
	}
	return s.Store.Put(ctx, objectPath, body, contentType)
}

func (s *faultyStore) DeleteAll(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	s.deleted = append(s.deleted, prefix)
	hook := s.onDelete
	s.mu.Unlock()
	if hook != nil {
		hook(prefix)
	}
	return s.Store.DeleteAll(ctx, prefix)
}

// recordingIndex counts writes, conditional ones included, and can fail
// them per name.
type recordingIndex struct {
	routing.Index

	mu      sync.Mutex
	failSet func(name string) error
	sets    []string
}

func (r *recordingIndex) Set(ctx context.Context, key, value string) (string, error) {
	r.mu.Lock()
	fail := r.failSet
	r.sets = append(r.sets, key+"="+value)
	r.mu.Unlock()
	if fail != nil {
		if err := fail(key); err != nil {
			return "", err
		}
	}
	return r.Index.Set(ctx, key, value)
}

func (r *recordingIndex) CompareAndSet(ctx context.Context, key, expected, value string) error {
	r.mu.Lock()
	fail := r.failSet
	r.sets = append(r.sets, key+"="+value)
	r.mu.Unlock()
	if fail != nil {
		if err := fail(key); err != nil {
			return err
		}
	}
	return r.Index.CompareAndSet(ctx, key, expected, value)
}

func (r *recordingIndex) setCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

// faultyDB fails ledger commits on demand and can run a hook just before
// the next commit of each kind.
type faultyDB struct {
	db.Database
	publishErr     error
	rollbackErr    error
	beforePublish  func()
	beforeRollback func()
}

func (f *faultyDB) CommitPublish(ctx context.Context, d *db.Deployment, version int64) error {
	if hook := f.beforePublish; hook != nil {
		f.beforePublish = nil
		hook()
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	return f.Database.CommitPublish(ctx, d, version)
}

func (f *faultyDB) CommitRollback(ctx context.Context, siteID, targetID string, version int64) (db.Deployment, []db.Deployment, error) {
	if hook := f.beforeRollback; hook != nil {
		f.beforeRollback = nil
		hook()
	}
	if f.rollbackErr != nil {
		return db.Deployment{}, nil, f.rollbackErr
	}
	return f.Database.CommitRollback(ctx, siteID, targetID, version)
}

// captureScheduler records reclamation requests and optionally hands them
// to a handler synchronously.
type captureScheduler struct {
	mu     sync.Mutex
	msgs   []reclaim.Message
	handle func(ctx context.Context, msg reclaim.Message)
}

func (c *captureScheduler) Schedule(ctx context.Context, msgs ...reclaim.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msgs...)
	handle := c.handle
	c.mu.Unlock()
	if handle != nil {
		for _, msg := range msgs {
			handle(ctx, msg)
		}
	}
}

func (c *captureScheduler) messages() []reclaim.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]reclaim.Message(nil), c.msgs...)
}

type failingCompiler struct{}

func (failingCompiler) Compile(ctx context.Context, site db.Site, page db.Page) (render.Output, error) {
	return render.Output{}, fmt.Errorf("layout for %s is broken", page.Slug)
}

type fixture struct {
	db     db.Database
	faulty *faultyDB
	store  *faultyStore
	index  *recordingIndex
	sched  *captureScheduler
	o      *Orchestrator

	mu  sync.Mutex
	seq int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	database := db.OpenTestDB(t)
	require.NoError(t, database.SaveSite(ctx, &db.Site{ID: "s1", TenantID: "t1", BusinessID: "b1", Slug: "bakery", Name: "Bakery"}))
	require.NoError(t, database.SavePage(ctx, &db.Page{SiteID: "s1", Slug: "home", Title: "Home", Body: "# Welcome", IsHome: true, Position: 1}))
	require.NoError(t, database.SavePage(ctx, &db.Page{SiteID: "s1", Slug: "about", Title: "About", Body: "We bake.", CSS: "p{}", JS: "1;", Position: 2}))

	local, err := artifacts.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		db:     database,
		faulty: &faultyDB{Database: database},
		store:  &faultyStore{Store: local},
		index:  &recordingIndex{Index: routing.NewSQLIndex(database)},
		sched:  &captureScheduler{},
	}
	f.o = f.orchestrator(f.index, render.NewCompiler())
	return f
}

func (f *fixture) orchestrator(idx routing.Index, compiler Compiler) *Orchestrator {
	o := New(f.faulty, f.store, idx, compiler, f.sched, Config{
		BaseDomain:        "sites.example.com",
		UploadConcurrency: 3,
		UploadTimeout:     5 * time.Second,
		RoutingTimeout:    5 * time.Second,
	})
	o.routes.Backoff = wait.Backoff{Duration: time.Millisecond, Factor: 2, Steps: 4}
	o.newID = func() string {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.seq++
		return fmt.Sprintf("d%d", f.seq)
	}
	return o
}

func (f *fixture) attachDomain(t *testing.T, hostname string) {
	t.Helper()
	require.NoError(t, f.db.SaveDomain(context.Background(), &db.SiteDomain{SiteID: "s1", Hostname: hostname, Attached: true}))
}

func (f *fixture) route(t *testing.T, name string) string {
	t.Helper()
	e, err := f.index.Get(context.Background(), name)
	require.NoError(t, err)
	return e.Value
}

func (f *fixture) keys(t *testing.T, prefix string) []string {
	t.Helper()
	keys, err := f.store.List(context.Background(), prefix)
	require.NoError(t, err)
	return keys
}

func (f *fixture) active(t *testing.T) []string {
	t.Helper()
	deps, err := f.db.ListDeployments(context.Background(), "s1")
	require.NoError(t, err)
	var ids []string
	for _, d := range deps {
		if d.Active {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

func prefixOf(id string) string {
	return artifacts.DeploymentPrefix("t1", "b1", "s1", id)
}
