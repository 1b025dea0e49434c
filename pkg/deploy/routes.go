package deploy

import (
	"context"
	"errors"

	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/acorn-io/acorn-publish/pkg/routing"
)

// PrefixRouted reports whether any routable name of the site points at
// prefix. The reclamation worker asks before deleting anything.
func (o *Orchestrator) PrefixRouted(ctx context.Context, siteID, prefix string) (bool, error) {
	if !o.index.Enabled() {
		return false, nil
	}

	site, err := o.db.GetSite(ctx, siteID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	domains, err := o.db.ListAttachedDomains(ctx, site.ID)
	if err != nil {
		return false, err
	}

	for _, name := range routableNames(site, domains) {
		e, err := o.index.Get(ctx, name)
		if errors.Is(err, routing.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if e.Value == prefix {
			return true, nil
		}
	}
	return false, nil
}
