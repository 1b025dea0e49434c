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
)

type RollbackResult struct {
	RolledBackTo   string
	ArtifactPrefix string
	RoutingUpdated bool
	LiveURL        string
	Message        string
	// Superseded lists the deployments removed from the ledger whose
	// artifacts were scheduled for reclamation.
	Superseded []string
}

// routeChange is one name moved by a rollback, kept so it can be undone.
type routeChange struct {
	name     string
	current  string
	previous string
}

// Rollback makes an existing deployment of the site served at routableName
// active again. It either moves every routable name and commits the ledger,
// or leaves both as they were.
func (o *Orchestrator) Rollback(ctx context.Context, routableName, deploymentID string) (RollbackResult, error) {
	site, err := o.db.GetSiteByRoutableName(ctx, routableName)
	if errors.Is(err, db.ErrNotFound) {
		return RollbackResult{}, fmt.Errorf("%w: nothing is served at %s", ErrUnknownSite, routableName)
	}
	if err != nil {
		return RollbackResult{}, err
	}

	target, err := o.db.GetDeployment(ctx, site.ID, deploymentID)
	if errors.Is(err, db.ErrNotFound) {
		return RollbackResult{}, fmt.Errorf("%w: %s for site %s", ErrUnknownDeployment, deploymentID, site.ID)
	}
	if err != nil {
		return RollbackResult{}, err
	}

	log := logrus.WithFields(logrus.Fields{
		"site":       site.ID,
		"deployment": target.ID,
		"prefix":     target.Prefix,
	})

	ok, err := o.store.Exists(ctx, artifacts.EntryPath(target.Prefix))
	if err != nil {
		return RollbackResult{}, fmt.Errorf("failed to probe artifacts of %s: %w", target.ID, err)
	}
	if !ok {
		log.Warnf("refusing rollback, entry document is missing")
		return RollbackResult{}, fmt.Errorf("%w: %s", ErrArtifactsMissing, artifacts.EntryPath(target.Prefix))
	}

	unlock, err := o.locks.Lock(ctx, site.ID)
	if err != nil {
		return RollbackResult{}, err
	}
	defer unlock()

	// read before routing; the commit only lands if no other commit for the
	// site happened in between
	head, err := o.db.GetSiteHead(ctx, site.ID)
	if err != nil {
		return RollbackResult{}, err
	}
	log = log.WithField("from", head.ActiveDeploymentID)

	if !o.index.Enabled() {
		return RollbackResult{}, fmt.Errorf("%w: %w", ErrRoutingFailed, routing.ErrUnavailable)
	}

	domains, err := o.db.ListAttachedDomains(ctx, site.ID)
	if err != nil {
		return RollbackResult{}, err
	}

	var changes []routeChange
	for _, name := range routableNames(site, domains) {
		previous, err := o.routes.Set(ctx, name, target.Prefix)
		if err != nil {
			log.WithField("name", name).Warnf("rollback routing failed, restoring %d names: %v", len(changes), err)
			o.restore(ctx, log, site.ID, changes)
			return RollbackResult{}, fmt.Errorf("%w: %s: %w", ErrRoutingFailed, name, err)
		}
		changes = append(changes, routeChange{name: name, current: target.Prefix, previous: previous})
	}

	_, superseded, err := o.db.CommitRollback(ctx, site.ID, target.ID, head.Version)
	if err != nil {
		if !o.restore(ctx, log, site.ID, changes) {
			log.WithField("inconsistency", true).Errorf("routing index points at %s but the rollback commit failed and routing could not be restored; reconcile manually: %v", target.Prefix, err)
			return RollbackResult{}, fmt.Errorf("%w: rollback to %s: %v", ErrLedgerInconsistency, target.ID, err)
		}
		if errors.Is(err, db.ErrStaleHead) {
			log.Warnf("rollback lost to a concurrent commit, routing restored: %v", err)
			return RollbackResult{}, fmt.Errorf("%w: rollback to %s: %v", ErrConcurrentChange, target.ID, err)
		}
		if errors.Is(err, db.ErrNotFound) {
			return RollbackResult{}, fmt.Errorf("%w: %s was removed concurrently", ErrUnknownDeployment, target.ID)
		}
		return RollbackResult{}, fmt.Errorf("failed to record rollback to %s: %w", target.ID, err)
	}

	// only after the commit: these prefixes are no longer referenced
	var ids []string
	var msgs []reclaim.Message
	for _, dep := range superseded {
		ids = append(ids, dep.ID)
		msgs = append(msgs, reclaim.Message{
			DeploymentID: dep.ID,
			SiteID:       dep.SiteID,
			Prefix:       dep.Prefix,
			Reason:       reclaim.ReasonSuperseded,
		})
	}
	if len(msgs) > 0 {
		rctx, cancel := detach(ctx, o.cfg.RoutingTimeout)
		o.reclaimer.Schedule(rctx, msgs...)
		cancel()
	}

	log.WithField("superseded", ids).Infof("rolled back")
	return RollbackResult{
		RolledBackTo:   target.ID,
		ArtifactPrefix: target.Prefix,
		RoutingUpdated: true,
		LiveURL:        liveURL(site, domains, o.cfg.BaseDomain),
		Message:        fmt.Sprintf("rolled back to deployment %s", target.ID),
		Superseded:     ids,
	}, nil
}

// restore takes back the names this rollback moved and reports whether
// every one was settled. Each name still holding our target is pointed at
// the prefix of whatever deployment the ledger has active, or at the value
// it replaced when there is none. A commit landing meanwhile may have routed
// under us, so the pass repeats until the head stops moving. A name another
// writer moved belongs to that writer and counts as settled.
func (o *Orchestrator) restore(ctx context.Context, log *logrus.Entry, siteID string, changes []routeChange) bool {
	ctx, cancel := detach(ctx, o.cfg.RoutingTimeout*4)
	defer cancel()

	changes = append([]routeChange(nil), changes...)
	head, err := o.db.GetSiteHead(ctx, siteID)
	if err != nil {
		log.Warnf("failed to read site head, restoring previous routes: %v", err)
	}
	for {
		active := o.activePrefix(ctx, log, head)

		ok := true
		for i := len(changes) - 1; i >= 0; i-- {
			c := &changes[i]
			to := c.previous
			if active != "" {
				to = active
			}
			if c.current == "" || c.current == to {
				continue
			}
			err := o.routes.Restore(ctx, c.name, c.current, to)
			switch {
			case errors.Is(err, routing.ErrMoved):
				log.WithField("name", c.name).Infof("not restoring route, it was moved concurrently: %v", err)
				c.current = ""
			case err != nil:
				log.WithField("name", c.name).Errorf("failed to restore route to %q: %v", to, err)
				ok = false
			default:
				c.current = to
			}
		}
		if !ok || head.SiteID == "" {
			return ok
		}

		again, err := o.db.GetSiteHead(ctx, siteID)
		if err != nil || again.Version == head.Version {
			return true
		}
		head = again
	}
}

// activePrefix is the prefix of the deployment head has active, or "".
func (o *Orchestrator) activePrefix(ctx context.Context, log *logrus.Entry, head db.SiteHead) string {
	if head.ActiveDeploymentID == "" {
		return ""
	}
	dep, err := o.db.GetDeployment(ctx, head.SiteID, head.ActiveDeploymentID)
	if err != nil {
		log.Warnf("failed to read active deployment %s: %v", head.ActiveDeploymentID, err)
		return ""
	}
	return dep.Prefix
}
