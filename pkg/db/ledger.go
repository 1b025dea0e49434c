package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxSequenceAttempts = 3

func (d *database) CreateSnapshot(ctx context.Context, snapshot *ContentSnapshot) error {
	var err error
	for i := 0; i < maxSequenceAttempts; i++ {
		err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var last int64
			err := tx.Model(&ContentSnapshot{}).Where("site_id = ?", snapshot.SiteID).
				Select("COALESCE(MAX(sequence), 0)").Scan(&last).Error
			if err != nil {
				return err
			}

			snapshot.ID = 0
			snapshot.Sequence = last + 1
			return tx.Create(snapshot).Error
		})
		if err == nil {
			return nil
		}
		logrus.Warnf("retrying snapshot sequence for site %s: %v", snapshot.SiteID, err)
	}
	return fmt.Errorf("failed to create snapshot for site %s: %w", snapshot.SiteID, err)
}

func (d *database) GetSnapshot(ctx context.Context, id uint) (ContentSnapshot, error) {
	var s ContentSnapshot
	err := d.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	return s, notFound(err, "snapshot %d", id)
}

// lockHead makes sure the site's head row exists and locks it for the rest
// of the transaction.
func (d *database) lockHead(tx *gorm.DB, siteID string) (SiteHead, error) {
	head := SiteHead{SiteID: siteID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&head).Error; err != nil {
		return head, err
	}
	err := d.forUpdate(tx).Where("site_id = ?", siteID).Take(&head).Error
	return head, err
}

func saveHead(tx *gorm.DB, head SiteHead, activeID string) error {
	return tx.Model(&SiteHead{}).Where("site_id = ?", head.SiteID).Updates(map[string]interface{}{
		"active_deployment_id": activeID,
		"version":              head.Version + 1,
		"updated_at":           time.Now(),
	}).Error
}

func checkHead(head SiteHead, version int64) error {
	if version != AnyVersion && head.Version != version {
		return fmt.Errorf("%w: site %s is at version %d, expected %d", ErrStaleHead, head.SiteID, head.Version, version)
	}
	return nil
}

func (d *database) GetSiteHead(ctx context.Context, siteID string) (SiteHead, error) {
	head := SiteHead{SiteID: siteID}
	err := d.db.WithContext(ctx).Where("site_id = ?", siteID).Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SiteHead{SiteID: siteID}, nil
	}
	return head, err
}

func (d *database) CommitPublish(ctx context.Context, dep *Deployment, version int64) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		head, err := d.lockHead(tx, dep.SiteID)
		if err != nil {
			return err
		}
		if err := checkHead(head, version); err != nil {
			return err
		}

		err = tx.Model(&Deployment{}).Where("site_id = ? AND active = ?", dep.SiteID, true).
			Update("active", false).Error
		if err != nil {
			return err
		}

		dep.Active = true
		if err := tx.Create(dep).Error; err != nil {
			return err
		}

		return saveHead(tx, head, dep.ID)
	})
}

func (d *database) CommitRollback(ctx context.Context, siteID, targetID string, version int64) (Deployment, []Deployment, error) {
	var (
		target     Deployment
		superseded []Deployment
	)
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		superseded = nil

		head, err := d.lockHead(tx, siteID)
		if err != nil {
			return err
		}
		if err := checkHead(head, version); err != nil {
			return err
		}

		if err := tx.Where("id = ? AND site_id = ?", targetID, siteID).Take(&target).Error; err != nil {
			return notFound(err, "deployment %s", targetID)
		}

		var previous []Deployment
		if err := tx.Where("site_id = ? AND active = ?", siteID, true).Find(&previous).Error; err != nil {
			return err
		}

		err = tx.Model(&Deployment{}).Where("site_id = ? AND active = ?", siteID, true).
			Update("active", false).Error
		if err != nil {
			return err
		}

		if err := tx.Model(&Deployment{}).Where("id = ?", target.ID).Update("active", true).Error; err != nil {
			return err
		}
		target.Active = true

		for _, p := range previous {
			if p.ID == target.ID {
				continue
			}
			if err := tx.Delete(&Deployment{}, "id = ?", p.ID).Error; err != nil {
				return err
			}
			p.Active = false
			superseded = append(superseded, p)
		}

		return saveHead(tx, head, target.ID)
	})
	if err != nil {
		return Deployment{}, nil, err
	}
	return target, superseded, nil
}

func (d *database) GetDeployment(ctx context.Context, siteID, deploymentID string) (Deployment, error) {
	var dep Deployment
	err := d.db.WithContext(ctx).Where("id = ? AND site_id = ?", deploymentID, siteID).Take(&dep).Error
	return dep, notFound(err, "deployment %s", deploymentID)
}

func (d *database) GetActiveDeployment(ctx context.Context, siteID string) (Deployment, error) {
	var dep Deployment
	err := d.db.WithContext(ctx).Where("site_id = ? AND active = ?", siteID, true).
		Order("created_at desc").Take(&dep).Error
	return dep, notFound(err, "active deployment for site %s", siteID)
}

func (d *database) ListDeployments(ctx context.Context, siteID string) ([]Deployment, error) {
	var deps []Deployment
	err := d.db.WithContext(ctx).Where("site_id = ?", siteID).
		Order("created_at desc, id").Find(&deps).Error
	return deps, err
}

func (d *database) PrefixReferenced(ctx context.Context, prefix string) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&Deployment{}).Where("prefix = ?", prefix).Count(&n).Error
	return n > 0, err
}
