package reclaim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acorn-io/acorn-publish/pkg/artifacts"
	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/sirupsen/logrus"
)

// Ledger is the part of the database the reclaimer reads and writes.
type Ledger interface {
	PrefixReferenced(ctx context.Context, prefix string) (bool, error)
	RecordReclamationFailure(ctx context.Context, p db.PendingReclamation, cause error, next time.Time) (db.PendingReclamation, error)
	DuePendingReclamations(ctx context.Context, now time.Time, limit int) ([]db.PendingReclamation, error)
	DeletePendingReclamation(ctx context.Context, id uint) error
}

// RouteChecker reports whether any routable name of a site still serves
// prefix.
type RouteChecker interface {
	PrefixRouted(ctx context.Context, siteID, prefix string) (bool, error)
}

// Worker deletes the artifacts of deployments that are no longer in the
// ledger.
type Worker struct {
	store   artifacts.Store
	ledger  Ledger
	routes  RouteChecker
	timeout time.Duration
	// BaseDelay and MaxDelay bound the backoff between retries of a failed
	// reclamation.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	now       func() time.Time
}

func NewWorker(store artifacts.Store, ledger Ledger, timeout time.Duration) *Worker {
	return &Worker{
		store:     store,
		ledger:    ledger,
		timeout:   timeout,
		BaseDelay: 30 * time.Second,
		MaxDelay:  time.Hour,
		now:       time.Now,
	}
}

// CheckRoutes makes the worker also refuse prefixes the routing index still
// serves.
func (w *Worker) CheckRoutes(rc RouteChecker) *Worker {
	w.routes = rc
	return w
}

// Run consumes q until ctx is done.
func (w *Worker) Run(ctx context.Context, q Queue) error {
	logrus.Infof("starting reclamation worker on %s queue, artifact store %s", q.Mode(), w.store.Mode())
	return q.Consume(ctx, w.Handle)
}

// Handle reclaims msg.Prefix and records a pending retry on failure.
func (w *Worker) Handle(ctx context.Context, msg Message) error {
	err := w.reclaim(ctx, msg)
	if err == nil {
		return nil
	}
	w.recordFailure(ctx, pendingFor(msg), err)
	return err
}

func (w *Worker) reclaim(ctx context.Context, msg Message) error {
	log := logrus.WithFields(logrus.Fields{
		"site":       msg.SiteID,
		"deployment": msg.DeploymentID,
		"prefix":     msg.Prefix,
		"reason":     msg.Reason,
	})

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	// the prefix may have been re-referenced since the message was queued
	referenced, err := w.ledger.PrefixReferenced(ctx, msg.Prefix)
	if err != nil {
		return fmt.Errorf("failed to check ledger for %s: %w", msg.Prefix, err)
	}
	if referenced {
		log.Warnf("refusing to reclaim prefix still referenced by the ledger")
		return nil
	}

	if w.routes != nil {
		routed, err := w.routes.PrefixRouted(ctx, msg.SiteID, msg.Prefix)
		if err != nil {
			return fmt.Errorf("failed to check routing for %s: %w", msg.Prefix, err)
		}
		if routed {
			log.WithField("inconsistency", true).Errorf("refusing to reclaim prefix still served by the routing index")
			return nil
		}
	}

	n, err := w.store.DeleteAll(ctx, msg.Prefix)
	if errors.Is(err, artifacts.ErrUnsafePrefix) {
		log.Errorf("refusing to reclaim: %v", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s after %d objects: %w", msg.Prefix, n, err)
	}

	log.Infof("reclaimed %d objects", n)
	return nil
}

func (w *Worker) recordFailure(ctx context.Context, p db.PendingReclamation, cause error) db.PendingReclamation {
	next := w.now().Add(w.delay(p.Attempts + 1))
	got, err := w.ledger.RecordReclamationFailure(ctx, p, cause, next)
	if err != nil {
		logrus.Errorf("failed to record pending reclamation of %s (%v): %v", p.Prefix, cause, err)
		return p
	}
	logrus.WithField("prefix", p.Prefix).Warnf("reclamation attempt %d failed, retrying after %s: %v",
		got.Attempts, next.Format(time.RFC3339), cause)
	return got
}

// delay is the wait before the given attempt: BaseDelay doubled per
// previous attempt, capped at MaxDelay.
func (w *Worker) delay(attempt int) time.Duration {
	d := w.BaseDelay
	for i := 1; i < attempt && d < w.MaxDelay; i++ {
		d *= 2
	}
	if d > w.MaxDelay {
		d = w.MaxDelay
	}
	return d
}

func pendingFor(msg Message) db.PendingReclamation {
	return db.PendingReclamation{
		Prefix:       msg.Prefix,
		SiteID:       msg.SiteID,
		DeploymentID: msg.DeploymentID,
		Reason:       string(msg.Reason),
	}
}

func messageFor(p db.PendingReclamation) Message {
	return Message{
		DeploymentID: p.DeploymentID,
		SiteID:       p.SiteID,
		Prefix:       p.Prefix,
		Reason:       Reason(p.Reason),
	}
}
