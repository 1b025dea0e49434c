package deploy

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/acorn-io/acorn-publish/pkg/artifacts"
	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/acorn-io/acorn-publish/pkg/reclaim"
	"github.com/acorn-io/acorn-publish/pkg/render"
	"github.com/acorn-io/acorn-publish/pkg/routing"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

// Compiler turns one page into html, css and js.
type Compiler interface {
	Compile(ctx context.Context, site db.Site, page db.Page) (render.Output, error)
}

// Reclaimer takes deleted or orphaned prefixes off the orchestrators' hands.
// Schedule must not block on the deletion itself.
type Reclaimer interface {
	Schedule(ctx context.Context, msgs ...reclaim.Message)
}

type Config struct {
	// BaseDomain is where a site without custom domains is served, as
	// {slug}.{BaseDomain}.
	BaseDomain        string
	UploadConcurrency int
	UploadTimeout     time.Duration
	RoutingTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 8
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 30 * time.Second
	}
	if c.RoutingTimeout <= 0 {
		c.RoutingTimeout = 10 * time.Second
	}
}

// Orchestrator runs publishes and rollbacks. The step that moves routes and
// commits the ledger runs under a per-site Locker. Behind the lock the
// ledger's site head version arbitrates: a commit only lands if no other
// commit happened since the head was read before routing.
// A publish that loses routes again; a rollback that loses hands its names
// to the winner and fails with ErrConcurrentChange.
type Orchestrator struct {
	db        db.Database
	store     artifacts.Store
	index     routing.Index
	routes    *routing.Retrier
	compiler  Compiler
	reclaimer Reclaimer
	locks     Locker
	cfg       Config
	newID     func() string
}

func New(database db.Database, store artifacts.Store, index routing.Index, compiler Compiler, reclaimer Reclaimer, cfg Config) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		db:        database,
		store:     store,
		index:     index,
		routes:    routing.NewRetrier(index, cfg.RoutingTimeout),
		compiler:  compiler,
		reclaimer: reclaimer,
		locks:     newLocalLocker(),
		cfg:       cfg,
		newID:     uuid.NewString,
	}
}

// WithLocker replaces the in-process site lock, for deployments running
// more than one replica.
func (o *Orchestrator) WithLocker(l Locker) *Orchestrator {
	o.locks = l
	return o
}

// routableNames is the site's slug plus every attached custom domain.
func routableNames(site db.Site, domains []db.SiteDomain) []string {
	set := map[string]struct{}{strings.ToLower(site.Slug): {}}
	for _, d := range domains {
		if d.Attached {
			set[strings.ToLower(strings.TrimSuffix(d.Hostname, "."))] = struct{}{}
		}
	}
	names := maps.Keys(set)
	sort.Strings(names)
	return names
}

// liveURL prefers the first attached custom domain.
func liveURL(site db.Site, domains []db.SiteDomain, baseDomain string) string {
	var custom []string
	for _, d := range domains {
		if d.Attached {
			custom = append(custom, strings.ToLower(strings.TrimSuffix(d.Hostname, ".")))
		}
	}
	if len(custom) > 0 {
		sort.Strings(custom)
		return "https://" + custom[0]
	}
	if baseDomain == "" {
		return ""
	}
	return "https://" + strings.ToLower(site.Slug) + "." + strings.Trim(baseDomain, ".")
}

// detach keeps values of ctx but not its cancellation, for cleanup that has
// to run even when the caller went away.
func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
