package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type database struct {
	db      *gorm.DB
	dialect string
}

// New creates a new database connection and migrates the schema.
func New(ctx context.Context, dialect string, dsn string, config *gorm.Config) (Database, error) {
	if config == nil {
		config = &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		}
	}

	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, err
	}

	if dialect == "sqlite" {
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, err
		}
		// sqlite has one writer; a single connection keeps transactions
		// from failing with SQLITE_BUSY under concurrent commits.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.WithContext(ctx).AutoMigrate(
		&Site{},
		&Page{},
		&SiteDomain{},
		&ContentSnapshot{},
		&Deployment{},
		&SiteHead{},
		&PendingReclamation{},
		&RouteEntry{},
	); err != nil {
		return nil, err
	}

	return &database{
		db:      db,
		dialect: dialect,
	}, nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return err
}

func (d *database) GetSite(ctx context.Context, siteID string) (Site, error) {
	var site Site
	err := d.db.WithContext(ctx).Where("id = ?", siteID).Take(&site).Error
	return site, notFound(err, "site %s", siteID)
}

func (d *database) GetSiteByRoutableName(ctx context.Context, name string) (Site, error) {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	tx := d.db.WithContext(ctx)

	var site Site
	err := tx.Where("slug = ?", name).Take(&site).Error
	if err == nil {
		return site, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return site, err
	}

	var domain SiteDomain
	err = tx.Where("hostname = ? AND attached = ?", name, true).Take(&domain).Error
	if err != nil {
		return site, notFound(err, "routable name %s", name)
	}
	return d.GetSite(ctx, domain.SiteID)
}

func (d *database) ListPages(ctx context.Context, siteID string) ([]Page, error) {
	var pages []Page
	err := d.db.WithContext(ctx).Where("site_id = ?", siteID).
		Order("position, slug").Find(&pages).Error
	return pages, err
}

func (d *database) ListAttachedDomains(ctx context.Context, siteID string) ([]SiteDomain, error) {
	var domains []SiteDomain
	err := d.db.WithContext(ctx).Where("site_id = ? AND attached = ?", siteID, true).
		Order("hostname").Find(&domains).Error
	return domains, err
}

func (d *database) SaveSite(ctx context.Context, site *Site) error {
	return d.db.WithContext(ctx).Save(site).Error
}

func (d *database) SavePage(ctx context.Context, page *Page) error {
	return d.db.WithContext(ctx).Save(page).Error
}

func (d *database) SaveDomain(ctx context.Context, domain *SiteDomain) error {
	domain.Hostname = strings.ToLower(domain.Hostname)
	return d.db.WithContext(ctx).Save(domain).Error
}

// forUpdate adds a row lock where the dialect has one. sqlite serializes
// writers on its own.
func (d *database) forUpdate(tx *gorm.DB) *gorm.DB {
	if d.dialect == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
