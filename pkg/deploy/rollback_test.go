package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/acorn-io/acorn-publish/pkg/reclaim"
	"github.com/acorn-io/acorn-publish/pkg/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

func publishN(t *testing.T, f *fixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.o.Publish(context.Background(), "s1", "")
		require.NoError(t, err)
	}
}

func TestPublishPublishRollbackScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.o.Publish(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "d1", res.DeploymentID)
	assert.Equal(t, prefixOf("d1"), res.ArtifactPrefix)
	assert.True(t, res.RoutingUpdated)
	assert.Equal(t, prefixOf("d1"), f.route(t, "bakery"))

	res, err = f.o.Publish(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "d2", res.DeploymentID)
	assert.Equal(t, []string{"d2"}, f.active(t))
	d1, err := f.db.GetDeployment(ctx, "s1", "d1")
	require.NoError(t, err)
	assert.False(t, d1.Active)
	assert.Len(t, f.keys(t, prefixOf("d1")), 6)

	rb, err := f.o.Rollback(ctx, "bakery", "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", rb.RolledBackTo)
	assert.Equal(t, prefixOf("d1"), rb.ArtifactPrefix)
	assert.True(t, rb.RoutingUpdated)
	assert.Equal(t, "https://bakery.sites.example.com", rb.LiveURL)
	assert.Equal(t, []string{"d2"}, rb.Superseded)

	assert.Equal(t, prefixOf("d1"), f.route(t, "bakery"))
	assert.Equal(t, []string{"d1"}, f.active(t))
	_, err = f.db.GetDeployment(ctx, "s1", "d2")
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.Equal(t, []reclaim.Message{{
		DeploymentID: "d2",
		SiteID:       "s1",
		Prefix:       prefixOf("d2"),
		Reason:       reclaim.ReasonSuperseded,
	}}, f.sched.messages())
}

func TestRollbackByCustomDomain(t *testing.T) {
	f := newFixture(t)
	f.attachDomain(t, "www.bakery.example")
	publishN(t, f, 2)

	rb, err := f.o.Rollback(context.Background(), "WWW.bakery.example", "d1")
	require.NoError(t, err)
	assert.Equal(t, "https://www.bakery.example", rb.LiveURL)
	assert.Equal(t, prefixOf("d1"), f.route(t, "bakery"))
	assert.Equal(t, prefixOf("d1"), f.route(t, "www.bakery.example"))
}

func TestRollbackToMissingArtifactsFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	publishN(t, f, 2)

	_, err := f.store.Store.DeleteAll(ctx, prefixOf("d1"))
	require.NoError(t, err)
	sets := f.index.setCount()

	_, err = f.o.Rollback(ctx, "bakery", "d1")
	assert.ErrorIs(t, err, ErrArtifactsMissing)

	assert.Equal(t, sets, f.index.setCount())
	assert.Equal(t, prefixOf("d2"), f.route(t, "bakery"))
	assert.Equal(t, []string{"d2"}, f.active(t))
	_, err = f.db.GetDeployment(ctx, "s1", "d1")
	assert.NoError(t, err)
	assert.Empty(t, f.sched.messages())
}

func TestRollbackUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	publishN(t, f, 1)

	_, err := f.o.Rollback(ctx, "bakery", "d9")
	assert.ErrorIs(t, err, ErrUnknownDeployment)

	_, err = f.o.Rollback(ctx, "nobody.example", "d1")
	assert.ErrorIs(t, err, ErrUnknownSite)

	// a deployment of another site is unknown here, even with a valid prefix
	require.NoError(t, f.db.SaveSite(ctx, &db.Site{ID: "s2", TenantID: "t1", BusinessID: "b1", Slug: "florist"}))
	require.NoError(t, f.db.CommitPublish(ctx, &db.Deployment{ID: "x1", SiteID: "s2", Prefix: "tenant/t1/business/b1/site/s2/deployments/x1"}, db.AnyVersion))
	_, err = f.o.Rollback(ctx, "bakery", "x1")
	assert.ErrorIs(t, err, ErrUnknownDeployment)
}

func TestRollbackWithoutRoutingIndexFails(t *testing.T) {
	f := newFixture(t)
	publishN(t, f, 2)
	o := f.orchestrator(routing.Noop{}, f.o.compiler)

	_, err := o.Rollback(context.Background(), "bakery", "d1")
	assert.ErrorIs(t, err, ErrRoutingFailed)
	assert.ErrorIs(t, err, routing.ErrUnavailable)
	assert.Equal(t, []string{"d2"}, f.active(t))
}

func TestRollbackRoutingFailureRestoresMovedNames(t *testing.T) {
	f := newFixture(t)
	f.attachDomain(t, "www.bakery.example")
	publishN(t, f, 2)

	f.index.failSet = func(name string) error {
		if name == "www.bakery.example" {
			return errors.New("connection reset")
		}
		return nil
	}

	_, err := f.o.Rollback(context.Background(), "bakery", "d1")
	assert.ErrorIs(t, err, ErrRoutingFailed)

	// bakery was moved to d1 first, then put back
	assert.Equal(t, prefixOf("d2"), f.route(t, "bakery"))
	assert.Equal(t, prefixOf("d2"), f.route(t, "www.bakery.example"))
	assert.Equal(t, []string{"d2"}, f.active(t))
	assert.Empty(t, f.sched.messages())
}

func TestRollbackConflictIsReported(t *testing.T) {
	f := newFixture(t)
	publishN(t, f, 2)
	f.index.failSet = func(string) error { return routing.ErrConflict }

	_, err := f.o.Rollback(context.Background(), "bakery", "d1")
	assert.ErrorIs(t, err, ErrRoutingFailed)
	assert.ErrorIs(t, err, routing.ErrConflict)
	assert.Equal(t, []string{"d2"}, f.active(t))
}

func TestRollbackLedgerFailureRestoresRouting(t *testing.T) {
	f := newFixture(t)
	publishN(t, f, 2)
	f.faulty.rollbackErr = errors.New("serialization failure")

	_, err := f.o.Rollback(context.Background(), "bakery", "d1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLedgerInconsistency)
	assert.Equal(t, prefixOf("d2"), f.route(t, "bakery"))
	assert.Empty(t, f.sched.messages())
}

func TestRollbackLedgerFailureWithoutRestoreIsInconsistency(t *testing.T) {
	f := newFixture(t)
	publishN(t, f, 2)
	f.faulty.rollbackErr = errors.New("serialization failure")
	f.index.failSet = func(string) error {
		// the forward write succeeds, every restore fails
		f.index.failSet = func(string) error { return errors.New("connection reset") }
		return nil
	}

	_, err := f.o.Rollback(context.Background(), "bakery", "d1")
	assert.ErrorIs(t, err, ErrLedgerInconsistency)
	assert.Equal(t, prefixOf("d1"), f.route(t, "bakery"))
}

// A -> B -> A: publish A, B and C, roll back to B, then to A.
func TestRollbackNeverReclaimsReferencedPrefixes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	publishN(t, f, 3)
	a, b, c := prefixOf("d1"), prefixOf("d2"), prefixOf("d3")

	worker := reclaim.NewWorker(f.store, f.db, time.Second).CheckRoutes(f.o)
	f.sched.handle = func(ctx context.Context, msg reclaim.Message) {
		assert.NotEmpty(t, f.keys(t, msg.Prefix), "files of %s must exist until after the commit", msg.DeploymentID)
		assert.NoError(t, worker.Handle(ctx, msg))
	}
	f.store.onDelete = func(prefix string) {
		active, err := f.db.GetActiveDeployment(ctx, "s1")
		require.NoError(t, err)
		assert.NotEqual(t, active.Prefix, prefix)
		referenced, err := f.db.PrefixReferenced(ctx, prefix)
		require.NoError(t, err)
		assert.False(t, referenced)
	}

	_, err := f.o.Rollback(ctx, "bakery", "d2")
	require.NoError(t, err)
	assert.Empty(t, f.keys(t, c))
	assert.Len(t, f.keys(t, b), 6)

	_, err = f.o.Rollback(ctx, "bakery", "d1")
	require.NoError(t, err)
	assert.Empty(t, f.keys(t, b))
	assert.Len(t, f.keys(t, a), 6)

	assert.Equal(t, []string{c, b}, f.store.deleted)
	assert.NotContains(t, f.store.deleted, a)
	assert.Equal(t, a, f.route(t, "bakery"))
	assert.Equal(t, []string{"d1"}, f.active(t))
}

func TestRollbackToActiveDeploymentReclaimsNothing(t *testing.T) {
	f := newFixture(t)
	publishN(t, f, 1)

	rb, err := f.o.Rollback(context.Background(), "bakery", "d1")
	require.NoError(t, err)
	assert.Empty(t, rb.Superseded)
	assert.Empty(t, f.sched.messages())
	assert.Equal(t, []string{"d1"}, f.active(t))
}

// Another replica publishes, routes and commits d3 while the rollback to d1
// sits between its routing and its commit.
func TestRollbackLosesToPublishCommittedWhileRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	publishN(t, f, 2)
	replica := f.orchestrator(f.index, f.o.compiler)

	var published PublishResult
	f.faulty.beforeRollback = func() {
		var err error
		published, err = replica.Publish(ctx, "s1", "")
		require.NoError(t, err)
	}

	_, err := f.o.Rollback(ctx, "bakery", "d1")
	assert.ErrorIs(t, err, ErrConcurrentChange)
	require.Equal(t, "d3", published.DeploymentID)

	assert.Equal(t, prefixOf("d3"), f.route(t, "bakery"))
	assert.Equal(t, []string{"d3"}, f.active(t))
	assert.Empty(t, f.sched.messages())
	for _, id := range []string{"d1", "d2", "d3"} {
		_, err := f.db.GetDeployment(ctx, "s1", id)
		assert.NoError(t, err, id)
	}
	assert.Len(t, f.keys(t, prefixOf("d3")), 6)
}

// d3 routes first, a rollback to d1 on another replica routes over it, d3
// commits and only then does the rollback try to commit.
func TestRollbackHandsNamesToPublishCommittedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.attachDomain(t, "www.bakery.example")
	publishN(t, f, 2)
	replica := f.orchestrator(f.index, f.o.compiler)

	routed := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	f.faulty.beforeRollback = func() {
		close(routed)
		<-release
	}
	f.faulty.beforePublish = func() {
		go func() {
			_, err := replica.Rollback(ctx, "bakery", "d1")
			done <- err
		}()
		<-routed
	}

	res, err := f.o.Publish(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "d3", res.DeploymentID)
	assert.Equal(t, prefixOf("d1"), f.route(t, "bakery"))

	close(release)
	assert.ErrorIs(t, <-done, ErrConcurrentChange)

	assert.Equal(t, prefixOf("d3"), f.route(t, "bakery"))
	assert.Equal(t, prefixOf("d3"), f.route(t, "www.bakery.example"))
	assert.Equal(t, []string{"d3"}, f.active(t))
	assert.Empty(t, f.sched.messages())
}

// A rollback on another replica commits between the publish's routing and
// its commit; the publish has to route again.
func TestPublishRoutesAgainAfterLosingToRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	publishN(t, f, 2)
	replica := f.orchestrator(f.index, f.o.compiler)

	f.faulty.beforePublish = func() {
		_, err := replica.Rollback(ctx, "bakery", "d1")
		require.NoError(t, err)
	}

	res, err := f.o.Publish(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "d3", res.DeploymentID)
	assert.True(t, res.RoutingUpdated)

	assert.Equal(t, prefixOf("d3"), f.route(t, "bakery"))
	assert.Equal(t, []string{"d3"}, f.active(t))
	assert.Equal(t, []reclaim.Message{{
		DeploymentID: "d2",
		SiteID:       "s1",
		Prefix:       prefixOf("d2"),
		Reason:       reclaim.ReasonSuperseded,
	}}, f.sched.messages())
}

func TestConcurrentPublishAndRollbackKeepOneActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	publishN(t, f, 1)
	// contended routing writes must not run out of retries here
	f.o.routes.Backoff = wait.Backoff{Duration: time.Millisecond, Factor: 1.5, Jitter: 1, Steps: 20}

	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 6; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.o.Publish(ctx, "s1", "")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.o.Rollback(ctx, "bakery", "d1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, ErrConcurrentChange) {
			assert.ErrorIs(t, err, ErrRoutingFailed, fmt.Sprint(err))
		}
	}

	assert.Len(t, f.active(t), 1)

	head, err := f.db.GetActiveDeployment(ctx, "s1")
	require.NoError(t, err)
	_, err = f.db.GetDeployment(ctx, "s1", head.ID)
	assert.NoError(t, err)
	routed := f.route(t, "bakery")
	assert.Equal(t, head.Prefix, routed)

	for _, msg := range f.sched.messages() {
		assert.NotEqual(t, head.Prefix, msg.Prefix, msg.DeploymentID)
		assert.NotEqual(t, routed, msg.Prefix, msg.DeploymentID)
		referenced, err := f.db.PrefixReferenced(ctx, msg.Prefix)
		require.NoError(t, err)
		assert.False(t, referenced, msg.DeploymentID)
	}
}

func TestPrefixRouted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.attachDomain(t, "www.bakery.example")
	publishN(t, f, 2)

	routed, err := f.o.PrefixRouted(ctx, "s1", prefixOf("d2"))
	require.NoError(t, err)
	assert.True(t, routed)

	routed, err = f.o.PrefixRouted(ctx, "s1", prefixOf("d1"))
	require.NoError(t, err)
	assert.False(t, routed)

	// a custom domain left behind still counts
	_, err = f.index.Index.Set(ctx, "www.bakery.example", prefixOf("d1"))
	require.NoError(t, err)
	routed, err = f.o.PrefixRouted(ctx, "s1", prefixOf("d1"))
	require.NoError(t, err)
	assert.True(t, routed)

	routed, err = f.o.PrefixRouted(ctx, "nobody", prefixOf("d1"))
	require.NoError(t, err)
	assert.False(t, routed)

	o := f.orchestrator(routing.Noop{}, f.o.compiler)
	routed, err = o.PrefixRouted(ctx, "s1", prefixOf("d2"))
	require.NoError(t, err)
	assert.False(t, routed)
}
