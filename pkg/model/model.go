package model

import "time"

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeUnknownSite         = "unknown_site"
	CodeUnknownDeployment   = "unknown_deployment"
	CodeArtifactsMissing    = "artifacts_missing"
	CodeRoutingUpdateFailed = "routing_update_failed"
	CodeRoutingConflict     = "routing_conflict"
	CodeConcurrentChange    = "concurrent_change"
	CodeLedgerInconsistency = "ledger_inconsistency"
	CodeCompilationFailed   = "compilation_failed"
	CodeUploadFailed        = "upload_failed"
	CodeInternal            = "internal"
	CodeNotFound            = "not_found"
)

type PublishRequest struct {
	Label string `json:"label,omitempty" validate:"max=255"`
}

type PublishResponse struct {
	DeploymentID   string `json:"deploymentId"`
	ArtifactPrefix string `json:"artifactPrefix"`
	RoutingUpdated bool   `json:"routingUpdated"`
	// RoutingStatus is skipped, failed or updated.
	RoutingStatus string `json:"routingStatus"`
	LiveURL       string `json:"liveUrl,omitempty"`
	Message       string `json:"message,omitempty"`
}

type RollbackRequest struct {
	RoutableName string `json:"routableName" validate:"required,max=255"`
	DeploymentID string `json:"deploymentId" validate:"required,max=64"`
}

type RollbackResponse struct {
	RolledBackTo   string `json:"rolledBackTo"`
	ArtifactPrefix string `json:"artifactPrefix"`
	RoutingUpdated bool   `json:"routingUpdated"`
	LiveURL        string `json:"liveUrl,omitempty"`
	Message        string `json:"message,omitempty"`
}

type DeploymentResponse struct {
	ID             string    `json:"id"`
	Label          string    `json:"label,omitempty"`
	ArtifactPrefix string    `json:"artifactPrefix"`
	Active         bool      `json:"active"`
	RoutingStatus  string    `json:"routingStatus,omitempty"`
	RoutingUpdated bool      `json:"routingUpdated"`
	SnapshotID     uint      `json:"snapshotId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type DeploymentListResponse struct {
	SiteID      string               `json:"siteId"`
	Deployments []DeploymentResponse `json:"deployments"`
}

type RouteResponse struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Version string `json:"version,omitempty"`
	Backend string `json:"backend"`
}

type SignedURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ErrorResponse struct {
	Status  int         `json:"status,omitempty"`
	Message string      `json:"msg,omitempty"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
