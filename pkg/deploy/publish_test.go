package deploy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/acorn-io/acorn-publish/pkg/reclaim"
	"github.com/acorn-io/acorn-publish/pkg/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.o.Publish(ctx, "s1", "first")
	require.NoError(t, err)
	assert.Equal(t, "d1", res.DeploymentID)
	assert.Equal(t, prefixOf("d1"), res.ArtifactPrefix)
	assert.True(t, res.RoutingUpdated)
	assert.Equal(t, routing.StatusUpdated, res.RoutingStatus)
	assert.Equal(t, "https://bakery.sites.example.com", res.LiveURL)
	assert.Equal(t, "deployment is live", res.Message)

	assert.Equal(t, []string{
		prefixOf("d1") + "/about/index.html",
		prefixOf("d1") + "/about/script.js",
		prefixOf("d1") + "/about/styles.css",
		prefixOf("d1") + "/index.html",
		prefixOf("d1") + "/script.js",
		prefixOf("d1") + "/styles.css",
	}, f.keys(t, prefixOf("d1")))
	assert.Equal(t, prefixOf("d1"), f.route(t, "bakery"))

	dep, err := f.db.GetDeployment(ctx, "s1", "d1")
	require.NoError(t, err)
	assert.True(t, dep.Active)
	assert.Equal(t, "first", dep.Label)
	assert.Equal(t, "updated", dep.RoutingStatus)

	snap, err := f.db.GetSnapshot(ctx, dep.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Sequence)
	assert.Len(t, snap.Digest, 64)
	assert.Contains(t, string(snap.Files), `"path":"about/index.html"`)
	assert.Contains(t, string(snap.Pages), `"slug":"about"`)
}

func TestPublishSnapshotDigestTracksContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	digest := func(id string) string {
		dep, err := f.db.GetDeployment(ctx, "s1", id)
		require.NoError(t, err)
		snap, err := f.db.GetSnapshot(ctx, dep.SnapshotID)
		require.NoError(t, err)
		return snap.Digest
	}

	_, err := f.o.Publish(ctx, "s1", "")
	require.NoError(t, err)
	_, err = f.o.Publish(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, digest("d1"), digest("d2"))

	require.NoError(t, f.db.SavePage(ctx, &db.Page{SiteID: "s1", Slug: "menu", Title: "Menu", Body: "Bread", Position: 3}))
	_, err = f.o.Publish(ctx, "s1", "")
	require.NoError(t, err)
	assert.NotEqual(t, digest("d2"), digest("d3"))
}

func TestPublishUploadFailureLeavesRoutingUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.Publish(ctx, "s1", "")
	require.NoError(t, err)
	sets := f.index.setCount()

	f.store.failPut = func(objectPath string) error {
		if objectPath == prefixOf("d2")+"/styles.css" {
			return errors.New("503 slow down")
		}
		return nil
	}

	_, err = f.o.Publish(ctx, "s1", "")
	assert.ErrorIs(t, err, ErrUpload)
	assert.Contains(t, err.Error(), "styles.css")

	assert.Equal(t, sets, f.index.setCount())
	assert.Equal(t, prefixOf("d1"), f.route(t, "bakery"))
	assert.Equal(t, []string{"d1"}, f.active(t))
	_, err = f.db.GetDeployment(ctx, "s1", "d2")
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.Equal(t, []reclaim.Message{{
		DeploymentID: "d2",
		SiteID:       "s1",
		Prefix:       prefixOf("d2"),
		Reason:       reclaim.ReasonOrphaned,
	}}, f.sched.messages())
}

func TestPublishCompilationFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(f.index, failingCompiler{})

	_, err := o.Publish(context.Background(), "s1", "")
	assert.ErrorIs(t, err, ErrCompilation)
	assert.Zero(t, f.store.puts)
	assert.Zero(t, f.index.setCount())
	assert.Empty(t, f.active(t))
	assert.Empty(t, f.sched.messages())
}

func TestPublishRequiresHomePage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.SaveSite(ctx, &db.Site{ID: "s2", TenantID: "t1", BusinessID: "b1", Slug: "empty"}))

	_, err := f.o.Publish(ctx, "s2", "")
	assert.ErrorIs(t, err, ErrCompilation)

	require.NoError(t, f.db.SavePage(ctx, &db.Page{SiteID: "s2", Slug: "about", Title: "About"}))
	_, err = f.o.Publish(ctx, "s2", "")
	assert.ErrorIs(t, err, ErrCompilation)
}

func TestPublishUnknownSite(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Publish(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrUnknownSite)
}

func TestPublishWithoutRoutingIndex(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(routing.Noop{}, f.o.compiler)

	res, err := o.Publish(context.Background(), "s1", "")
	require.NoError(t, err)
	assert.False(t, res.RoutingUpdated)
	assert.Equal(t, routing.StatusSkipped, res.RoutingStatus)
	assert.Empty(t, res.LiveURL)
	assert.Contains(t, res.Message, "no routing index")

	dep, err := f.db.GetDeployment(context.Background(), "s1", res.DeploymentID)
	require.NoError(t, err)
	assert.True(t, dep.Active)
	assert.False(t, dep.RoutingUpdated)
	assert.Equal(t, "skipped", dep.RoutingStatus)
}

func TestPublishRoutingFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.attachDomain(t, "www.bakery.example")
	f.index.failSet = func(name string) error {
		if name == "www.bakery.example" {
			return routing.ErrUnavailable
		}
		return nil
	}

	res, err := f.o.Publish(context.Background(), "s1", "")
	require.NoError(t, err)
	assert.False(t, res.RoutingUpdated)
	assert.Equal(t, routing.StatusFailed, res.RoutingStatus)
	assert.Empty(t, res.LiveURL)
	assert.Contains(t, res.Message, "routing update failed")

	assert.Equal(t, prefixOf("d1"), f.route(t, "bakery"))
	assert.Equal(t, []string{"d1"}, f.active(t))
}

func TestPublishRoutesEveryAttachedDomain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.attachDomain(t, "www.bakery.example")
	f.attachDomain(t, "bakery.example")
	require.NoError(t, f.db.SaveDomain(ctx, &db.SiteDomain{SiteID: "s1", Hostname: "pending.example", Attached: false}))

	res, err := f.o.Publish(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "https://bakery.example", res.LiveURL)

	for _, name := range []string{"bakery", "bakery.example", "www.bakery.example"} {
		assert.Equal(t, prefixOf("d1"), f.route(t, name), name)
	}
	_, err = f.index.Get(ctx, "pending.example")
	assert.ErrorIs(t, err, routing.ErrNotFound)
}

func TestPublishLedgerFailureAfterRoutingIsInconsistency(t *testing.T) {
	f := newFixture(t)
	f.faulty.publishErr = errors.New("deadlock detected")

	_, err := f.o.Publish(context.Background(), "s1", "")
	assert.ErrorIs(t, err, ErrLedgerInconsistency)
	assert.Equal(t, prefixOf("d1"), f.route(t, "bakery"))
	// the index references the prefix, so it must not be reclaimed
	assert.Empty(t, f.sched.messages())
}

func TestPublishLedgerFailureWithoutRoutingReclaimsOrphan(t *testing.T) {
	f := newFixture(t)
	f.faulty.publishErr = errors.New("deadlock detected")
	o := f.orchestrator(routing.Noop{}, f.o.compiler)

	_, err := o.Publish(context.Background(), "s1", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLedgerInconsistency)

	msgs := f.sched.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, reclaim.ReasonOrphaned, msgs[0].Reason)
}

func TestCompileSiteRejectsCollidingPages(t *testing.T) {
	f := newFixture(t)
	pages := []db.Page{
		{Slug: "home", IsHome: true},
		{Slug: "about"},
		{Slug: "about/"},
	}
	_, err := f.o.compileSite(context.Background(), db.Site{ID: "s1"}, pages)
	assert.ErrorIs(t, err, ErrCompilation)
	assert.True(t, strings.Contains(err.Error(), "both render"))

	_, err = f.o.compileSite(context.Background(), db.Site{ID: "s1"}, []db.Page{{Slug: "home", IsHome: true}, {Slug: "../up"}})
	assert.ErrorIs(t, err, ErrCompilation)
}

func TestRoutableNamesAndLiveURL(t *testing.T) {
	site := db.Site{Slug: "Bakery"}
	domains := []db.SiteDomain{
		{Hostname: "www.bakery.example.", Attached: true},
		{Hostname: "shop.bakery.example", Attached: true},
		{Hostname: "bakery", Attached: true},
		{Hostname: "old.example", Attached: false},
	}
	assert.Equal(t, []string{"bakery", "shop.bakery.example", "www.bakery.example"}, routableNames(site, domains))
	assert.Equal(t, "https://bakery", liveURL(site, domains[2:], "sites.example.com"))
	assert.Equal(t, "https://shop.bakery.example", liveURL(site, domains, ""))
	assert.Equal(t, "https://bakery.sites.example.com", liveURL(site, nil, "sites.example.com."))
	assert.Empty(t, liveURL(site, nil, ""))
}
