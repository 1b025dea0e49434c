package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/acorn-io/acorn-publish/pkg/artifacts"
	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/acorn-io/acorn-publish/pkg/deploy"
	"github.com/acorn-io/acorn-publish/pkg/model"
	"github.com/acorn-io/acorn-publish/pkg/routing"
	"github.com/sirupsen/logrus"
)

func writeError(w http.ResponseWriter, httpStatus int, code string, err error) {
	if httpStatus >= http.StatusInternalServerError {
		logrus.Errorf("got a response error: %v", err)
	} else {
		logrus.Debugf("got a response error: %v", err)
	}
	o := model.ErrorResponse{
		Status:  httpStatus,
		Message: err.Error(),
		Code:    code,
	}
	res, _ := json.Marshal(o)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_, _ = w.Write(res)
}

// handleError maps the orchestrators' error kinds to a status and code.
// Order matters: a rollback conflict is also a routing failure.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deploy.ErrUnknownSite):
		writeError(w, http.StatusNotFound, model.CodeUnknownSite, err)
	case errors.Is(err, deploy.ErrUnknownDeployment):
		writeError(w, http.StatusNotFound, model.CodeUnknownDeployment, err)
	case errors.Is(err, deploy.ErrArtifactsMissing):
		writeError(w, http.StatusUnprocessableEntity, model.CodeArtifactsMissing, err)
	case errors.Is(err, deploy.ErrCompilation):
		writeError(w, http.StatusUnprocessableEntity, model.CodeCompilationFailed, err)
	case errors.Is(err, deploy.ErrConcurrentChange):
		writeError(w, http.StatusConflict, model.CodeConcurrentChange, err)
	case errors.Is(err, routing.ErrConflict):
		writeError(w, http.StatusConflict, model.CodeRoutingConflict, err)
	case errors.Is(err, routing.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, model.CodeRoutingUpdateFailed, err)
	case errors.Is(err, deploy.ErrRoutingFailed):
		writeError(w, http.StatusBadGateway, model.CodeRoutingUpdateFailed, err)
	case errors.Is(err, deploy.ErrUpload):
		writeError(w, http.StatusBadGateway, model.CodeUploadFailed, err)
	case errors.Is(err, deploy.ErrLedgerInconsistency):
		writeError(w, http.StatusInternalServerError, model.CodeLedgerInconsistency, err)
	case errors.Is(err, db.ErrNotFound), errors.Is(err, routing.ErrNotFound):
		writeError(w, http.StatusNotFound, model.CodeNotFound, err)
	case errors.Is(err, artifacts.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, model.CodeInternal, err)
	}
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	res, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.CodeInternal, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(res)
}
