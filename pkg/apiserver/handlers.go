package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/acorn-io/acorn-publish/pkg/artifacts"
	"github.com/acorn-io/acorn-publish/pkg/model"
	"github.com/acorn-io/acorn-publish/pkg/version"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

const (
	defaultURLTTL = 15 * time.Minute
	maxURLTTL     = 24 * time.Hour
)

type handler struct {
	svc      Services
	validate *validator.Validate
}

func newHandler(svc Services) *handler {
	return &handler{
		svc:      svc,
		validate: validator.New(),
	}
}

func (h *handler) root(w http.ResponseWriter, r *http.Request) {
	v := version.Get()
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(500)
		_, _ = w.Write([]byte(`{"success": false}`))
	}
}

// decode reads an optional JSON body into v and validates it.
func (h *handler) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return h.validate.Struct(v)
}

func (h *handler) publish(w http.ResponseWriter, r *http.Request) {
	var input model.PublishRequest
	if err := h.decode(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, err)
		return
	}

	res, err := h.svc.Deployer.Publish(r.Context(), mux.Vars(r)["site"], input.Label)
	if err != nil {
		handleError(w, err)
		return
	}

	writeSuccess(w, res.Response())
}

func (h *handler) rollback(w http.ResponseWriter, r *http.Request) {
	var input model.RollbackRequest
	if err := h.decode(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, err)
		return
	}

	res, err := h.svc.Deployer.Rollback(r.Context(), input.RoutableName, input.DeploymentID)
	if err != nil {
		handleError(w, err)
		return
	}

	writeSuccess(w, res.Response())
}

func (h *handler) listDeployments(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["site"]
	if _, err := h.svc.Ledger.GetSite(r.Context(), siteID); err != nil {
		handleError(w, err)
		return
	}

	deps, err := h.svc.Ledger.ListDeployments(r.Context(), siteID)
	if err != nil {
		handleError(w, err)
		return
	}

	resp := model.DeploymentListResponse{
		SiteID:      siteID,
		Deployments: make([]model.DeploymentResponse, 0, len(deps)),
	}
	for _, d := range deps {
		resp.Deployments = append(resp.Deployments, model.DeploymentResponse{
			ID:             d.ID,
			Label:          d.Label,
			ArtifactPrefix: d.Prefix,
			Active:         d.Active,
			RoutingStatus:  d.RoutingStatus,
			RoutingUpdated: d.RoutingUpdated,
			SnapshotID:     d.SnapshotID,
			CreatedAt:      d.CreatedAt,
		})
	}
	writeSuccess(w, resp)
}

func (h *handler) getRoute(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Index.Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		handleError(w, err)
		return
	}
	writeSuccess(w, model.RouteResponse{
		Name:    e.Key,
		Value:   e.Value,
		Version: e.Version,
		Backend: h.svc.Index.Mode(),
	})
}

func (h *handler) signedURL(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dep, err := h.svc.Ledger.GetDeployment(r.Context(), vars["site"], vars["deployment"])
	if err != nil {
		handleError(w, err)
		return
	}

	ttl := defaultURLTTL
	if v := r.URL.Query().Get("ttl"); v != "" {
		ttl, err = time.ParseDuration(v)
		if err != nil || ttl <= 0 || ttl > maxURLTTL {
			writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, fmt.Errorf("ttl must be a duration up to %v", maxURLTTL))
			return
		}
	}

	// cleaning against a root keeps the path inside the deployment
	rel := path.Clean("/" + r.URL.Query().Get("path"))[1:]
	if rel == "" {
		rel = "index.html"
	}

	u, err := h.svc.Store.SignedURL(r.Context(), artifacts.Join(dep.Prefix, rel), ttl)
	if err != nil {
		handleError(w, err)
		return
	}
	writeSuccess(w, model.SignedURLResponse{
		URL:       u,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	})
}
