package db

import (
	"time"

	"gorm.io/datatypes"
)

// Site, Page and SiteDomain mirror the platform's catalog tables. This
// service only reads them; the Save helpers exist for seeding and tests.
type Site struct {
	ID         string `gorm:"primaryKey;size:64"`
	TenantID   string `gorm:"size:64;index"`
	BusinessID string `gorm:"size:64"`
	Slug       string `gorm:"uniqueIndex;size:128"`
	Name       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Page struct {
	ID        uint   `gorm:"primarykey"`
	SiteID    string `gorm:"size:64;uniqueIndex:idx_page_slug,priority:1"`
	Slug      string `gorm:"size:128;uniqueIndex:idx_page_slug,priority:2"`
	Title     string
	Body      string `gorm:"type:text"`
	CSS       string `gorm:"type:text"`
	JS        string `gorm:"type:text"`
	IsHome    bool
	Position  int
	UpdatedAt time.Time
}

// SiteDomain is a custom domain. Only attached domains are routable.
type SiteDomain struct {
	ID        uint   `gorm:"primarykey"`
	SiteID    string `gorm:"size:64;index"`
	Hostname  string `gorm:"uniqueIndex;size:255"`
	Attached  bool
	CreatedAt time.Time
}

// ContentSnapshot is written once per publish attempt and never updated.
type ContentSnapshot struct {
	ID        uint   `gorm:"primarykey"`
	SiteID    string `gorm:"size:64;uniqueIndex:idx_snapshot_seq,priority:1"`
	Sequence  int64  `gorm:"uniqueIndex:idx_snapshot_seq,priority:2"`
	Digest    string `gorm:"size:64"`
	Pages     datatypes.JSON
	Files     datatypes.JSON
	CreatedAt time.Time
}

type Deployment struct {
	ID             string `gorm:"primaryKey;size:64"`
	SiteID         string `gorm:"size:64;index"`
	Prefix         string `gorm:"uniqueIndex;size:255"`
	Label          string
	Active         bool   `gorm:"index"`
	RoutingStatus  string `gorm:"size:16"`
	RoutingUpdated bool
	SnapshotID     uint `gorm:"index"`
	CreatedAt      time.Time
}

// SiteHead is the per-site row every ledger transaction locks first. It
// serializes commits for a site and mirrors the active deployment id.
type SiteHead struct {
	SiteID             string `gorm:"primaryKey;size:64"`
	ActiveDeploymentID string `gorm:"size:64"`
	Version            int64
	UpdatedAt          time.Time
}

// PendingReclamation is a prefix whose deletion failed and is waiting for
// the sweeper.
type PendingReclamation struct {
	ID            uint   `gorm:"primarykey"`
	Prefix        string `gorm:"uniqueIndex;size:255"`
	SiteID        string `gorm:"size:64"`
	DeploymentID  string `gorm:"size:64"`
	Reason        string `gorm:"size:32"`
	Attempts      int
	LastError     string    `gorm:"type:text"`
	NextAttemptAt time.Time `gorm:"index"`
	CreatedAt     time.Time
}

// RouteEntry backs the relational routing index. Version is the
// compare-and-swap token.
type RouteEntry struct {
	Name      string `gorm:"primaryKey;size:255"`
	Value     string `gorm:"size:255"`
	Version   int64
	UpdatedAt time.Time
}
