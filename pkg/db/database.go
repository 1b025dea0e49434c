package db

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleHead means another publish or rollback committed for the site
	// since the caller read its head.
	ErrStaleHead = errors.New("site head moved")
)

// AnyVersion skips the head version check of a commit.
const AnyVersion int64 = -1

type Database interface {
	GetSite(ctx context.Context, siteID string) (Site, error)
	// GetSiteByRoutableName resolves a bare slug or an attached custom domain.
	GetSiteByRoutableName(ctx context.Context, name string) (Site, error)
	ListPages(ctx context.Context, siteID string) ([]Page, error)
	ListAttachedDomains(ctx context.Context, siteID string) ([]SiteDomain, error)
	SaveSite(ctx context.Context, site *Site) error
	SavePage(ctx context.Context, page *Page) error
	SaveDomain(ctx context.Context, domain *SiteDomain) error

	// CreateSnapshot assigns the next sequence number for the site.
	CreateSnapshot(ctx context.Context, snapshot *ContentSnapshot) error
	GetSnapshot(ctx context.Context, id uint) (ContentSnapshot, error)

	// GetSiteHead returns the site's head row; a site that never committed
	// has version 0.
	GetSiteHead(ctx context.Context, siteID string) (SiteHead, error)
	// CommitPublish deactivates every deployment of the site and inserts d
	// as the active one, in one transaction. It fails with ErrStaleHead
	// unless the head is still at version, or version is AnyVersion.
	CommitPublish(ctx context.Context, d *Deployment, version int64) error
	// CommitRollback deactivates every deployment of the site, reactivates
	// the target and deletes the rows it superseded, in one transaction.
	// The deleted rows are returned so their artifacts can be reclaimed.
	// The head version check is the same as CommitPublish's.
	CommitRollback(ctx context.Context, siteID, targetID string, version int64) (Deployment, []Deployment, error)
	GetDeployment(ctx context.Context, siteID, deploymentID string) (Deployment, error)
	GetActiveDeployment(ctx context.Context, siteID string) (Deployment, error)
	ListDeployments(ctx context.Context, siteID string) ([]Deployment, error)
	PrefixReferenced(ctx context.Context, prefix string) (bool, error)

	// RecordReclamationFailure inserts or bumps the pending row for
	// p.Prefix and returns it with the updated attempt count.
	RecordReclamationFailure(ctx context.Context, p PendingReclamation, cause error, next time.Time) (PendingReclamation, error)
	DuePendingReclamations(ctx context.Context, now time.Time, limit int) ([]PendingReclamation, error)
	DeletePendingReclamation(ctx context.Context, id uint) error

	GetRoute(ctx context.Context, name string) (RouteEntry, error)
	// CompareAndSwapRoute writes value when the stored version equals
	// expected. expected == 0 means the row must not exist yet.
	CompareAndSwapRoute(ctx context.Context, name, value string, expected int64) (int64, bool, error)
	CompareAndDeleteRoute(ctx context.Context, name string, expected int64) (bool, error)
}
