package db

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (d *database) GetRoute(ctx context.Context, name string) (RouteEntry, error) {
	var e RouteEntry
	err := d.db.WithContext(ctx).Where("name = ?", name).Take(&e).Error
	return e, notFound(err, "route %s", name)
}

func (d *database) CompareAndSwapRoute(ctx context.Context, name, value string, expected int64) (int64, bool, error) {
	tx := d.db.WithContext(ctx)

	if expected == 0 {
		e := RouteEntry{Name: name, Value: value, Version: 1}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
		if res.Error != nil {
			return 0, false, res.Error
		}
		return 1, res.RowsAffected == 1, nil
	}

	res := tx.Model(&RouteEntry{}).Where("name = ? AND version = ?", name, expected).Updates(map[string]interface{}{
		"value":      value,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return 0, false, res.Error
	}
	return expected + 1, res.RowsAffected == 1, nil
}

func (d *database) CompareAndDeleteRoute(ctx context.Context, name string, expected int64) (bool, error) {
	res := d.db.WithContext(ctx).Where("name = ? AND version = ?", name, expected).Delete(&RouteEntry{})
	return res.RowsAffected == 1, res.Error
}
