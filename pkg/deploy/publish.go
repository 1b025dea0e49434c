package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/acorn-io/acorn-publish/pkg/artifacts"
	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/acorn-io/acorn-publish/pkg/reclaim"
	"github.com/acorn-io/acorn-publish/pkg/routing"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type PublishResult struct {
	DeploymentID   string
	ArtifactPrefix string
	SnapshotID     uint
	RoutingUpdated bool
	RoutingStatus  routing.Status
	// LiveURL is only set when every routable name was moved.
	LiveURL string
	Message string
}

// Publish compiles the site, uploads it under a fresh prefix, moves every
// routable name to it and records it as the active deployment. Each step
// starts only after the previous one finished; in particular no routing
// write is attempted until every upload has completed.
func (o *Orchestrator) Publish(ctx context.Context, siteID, label string) (PublishResult, error) {
	site, err := o.db.GetSite(ctx, siteID)
	if errors.Is(err, db.ErrNotFound) {
		return PublishResult{}, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	if err != nil {
		return PublishResult{}, err
	}

	pages, err := o.db.ListPages(ctx, site.ID)
	if err != nil {
		return PublishResult{}, err
	}
	domains, err := o.db.ListAttachedDomains(ctx, site.ID)
	if err != nil {
		return PublishResult{}, err
	}

	files, err := o.compileSite(ctx, site, pages)
	if err != nil {
		return PublishResult{}, err
	}

	snapshot, err := newSnapshot(site.ID, pages, files)
	if err != nil {
		return PublishResult{}, err
	}
	if err := o.db.CreateSnapshot(ctx, snapshot); err != nil {
		return PublishResult{}, err
	}

	id := o.newID()
	prefix := artifacts.DeploymentPrefix(site.TenantID, site.BusinessID, site.ID, id)
	log := logrus.WithFields(logrus.Fields{
		"site":       site.ID,
		"deployment": id,
		"prefix":     prefix,
		"snapshot":   snapshot.Sequence,
	})

	if err := o.upload(ctx, prefix, files); err != nil {
		log.Warnf("publish aborted during upload: %v", err)
		o.scheduleOrphan(ctx, site.ID, id, prefix)
		return PublishResult{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	log.Infof("uploaded %d files", len(files))

	dep := &db.Deployment{
		ID:         id,
		SiteID:     site.ID,
		Prefix:     prefix,
		Label:      label,
		SnapshotID: snapshot.ID,
	}
	unlock, err := o.locks.Lock(ctx, site.ID)
	if err != nil {
		o.scheduleOrphan(ctx, site.ID, id, prefix)
		return PublishResult{}, err
	}
	status, touched, err := o.routeAndCommit(ctx, log, routableNames(site, domains), dep)
	unlock()
	if err != nil {
		if touched {
			log.WithField("inconsistency", true).Errorf("routing index points at %s but the ledger commit failed; reconcile manually: %v", prefix, err)
			return PublishResult{}, fmt.Errorf("%w: deployment %s: %v", ErrLedgerInconsistency, id, err)
		}
		o.scheduleOrphan(ctx, site.ID, id, prefix)
		return PublishResult{}, fmt.Errorf("failed to record deployment %s: %w", id, err)
	}

	result := PublishResult{
		DeploymentID:   id,
		ArtifactPrefix: prefix,
		SnapshotID:     snapshot.ID,
		RoutingUpdated: dep.RoutingUpdated,
		RoutingStatus:  status,
	}
	switch status {
	case routing.StatusUpdated:
		result.LiveURL = liveURL(site, domains, o.cfg.BaseDomain)
		result.Message = "deployment is live"
	case routing.StatusSkipped:
		result.Message = "deployment stored; no routing index is configured so traffic was not moved"
	default:
		result.Message = "deployment stored but the routing update failed; traffic was not moved"
	}
	log.WithField("routingStatus", status).Infof("published")
	return result, nil
}

func (o *Orchestrator) upload(ctx context.Context, prefix string, files []File) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.UploadConcurrency)
	for _, f := range files {
		f := f
		g.Go(func() error {
			uctx, cancel := context.WithTimeout(gctx, o.cfg.UploadTimeout)
			defer cancel()
			if err := o.store.Put(uctx, artifacts.Join(prefix, f.Path), f.Body, f.ContentType); err != nil {
				return fmt.Errorf("%s: %w", f.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// routeAndCommit routes every name to dep.Prefix and records dep. The commit
// is conditional on the site head read before routing; when another publish
// or rollback committed in between, routing is redone so that the last
// commit for the site is also the last to have routed. Without any name
// moved there is nothing to order against and the commit is unconditional.
// Every retry follows a commit by someone else, so the loop ends once the
// concurrent writers do.
func (o *Orchestrator) routeAndCommit(ctx context.Context, log *logrus.Entry, names []string, dep *db.Deployment) (status routing.Status, touched bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return status, touched, err
		}
		head, err := o.db.GetSiteHead(ctx, dep.SiteID)
		if err != nil {
			return status, touched, err
		}

		var moved bool
		status, moved = o.routePublish(ctx, log, names, dep.Prefix)
		touched = touched || moved
		dep.RoutingStatus = string(status)
		dep.RoutingUpdated = status == routing.StatusUpdated

		version := head.Version
		if !moved {
			version = db.AnyVersion
		}
		err = o.db.CommitPublish(ctx, dep, version)
		if !errors.Is(err, db.ErrStaleHead) {
			return status, touched, err
		}
		log.Infof("site changed while publishing, routing again: %v", err)
	}
}

// routePublish points every name at prefix. Failures are not fatal to the
// publish. touched reports whether any name was actually moved.
func (o *Orchestrator) routePublish(ctx context.Context, log *logrus.Entry, names []string, prefix string) (status routing.Status, touched bool) {
	if !o.index.Enabled() {
		log.Infof("routing index not configured, skipping routing update")
		return routing.StatusSkipped, false
	}

	status = routing.StatusUpdated
	for _, name := range names {
		if _, err := o.routes.Set(ctx, name, prefix); err != nil {
			log.WithField("name", name).Warnf("failed to route name: %v", err)
			status = routing.StatusFailed
			continue
		}
		touched = true
	}
	return status, touched
}

func (o *Orchestrator) scheduleOrphan(ctx context.Context, siteID, id, prefix string) {
	ctx, cancel := detach(ctx, o.cfg.RoutingTimeout)
	defer cancel()
	o.reclaimer.Schedule(ctx, reclaim.Message{
		DeploymentID: id,
		SiteID:       siteID,
		Prefix:       prefix,
		Reason:       reclaim.ReasonOrphaned,
	})
}
