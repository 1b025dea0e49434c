package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

func (d *database) RecordReclamationFailure(ctx context.Context, p PendingReclamation, cause error, next time.Time) (PendingReclamation, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var out PendingReclamation
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("prefix = ?", p.Prefix).Take(&out).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = PendingReclamation{
				Prefix:        p.Prefix,
				SiteID:        p.SiteID,
				DeploymentID:  p.DeploymentID,
				Reason:        p.Reason,
				Attempts:      1,
				LastError:     msg,
				NextAttemptAt: next,
			}
			return tx.Create(&out).Error
		}
		if err != nil {
			return err
		}

		out.Attempts++
		out.LastError = msg
		out.NextAttemptAt = next
		return tx.Save(&out).Error
	})
	return out, err
}

func (d *database) DuePendingReclamations(ctx context.Context, now time.Time, limit int) ([]PendingReclamation, error) {
	var pending []PendingReclamation
	err := d.db.WithContext(ctx).Where("next_attempt_at <= ?", now).
		Order("next_attempt_at").Limit(limit).Find(&pending).Error
	return pending, err
}

func (d *database) DeletePendingReclamation(ctx context.Context, id uint) error {
	return d.db.WithContext(ctx).Delete(&PendingReclamation{}, id).Error
}
