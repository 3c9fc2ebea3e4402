package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"shellcache/internal/lifecycle"
	"shellcache/internal/logger"
	"shellcache/internal/registry"
)

type errorResponse struct {
	Message string `json:"message"`
}

type storesResponse struct {
	Stores []registry.StoreID `json:"stores"`
}

type deployRequest struct {
	Version    string   `json:"version"`
	CoreAssets []string `json:"core_assets,omitempty"`
}

type reportResponse struct {
	Kept    []registry.StoreID          `json:"kept"`
	Deleted []registry.StoreID          `json:"deleted"`
	Failed  map[registry.StoreID]string `json:"failed,omitempty"`
}

func toReportResponse(r lifecycle.Report) reportResponse {
	out := reportResponse{Kept: r.Kept, Deleted: r.Deleted}
	if len(r.Failed) > 0 {
		out.Failed = make(map[registry.StoreID]string, len(r.Failed))
		for id, err := range r.Failed {
			out.Failed[id] = err.Error()
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Message: msg})
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Host.Status())
}

func (s *server) listStores(w http.ResponseWriter, r *http.Request) {
	ids, err := s.opts.Registry.Keys(r.Context())
	if err != nil {
		logger.ErrorCtx(r.Context(), "listing stores failed", logger.KeyError, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []registry.StoreID{}
	}
	writeJSON(w, http.StatusOK, storesResponse{Stores: ids})
}

func (s *server) deleteStore(w http.ResponseWriter, r *http.Request) {
	var id registry.StoreID
	if err := runtime.BindStyledParameterWithLocation("simple", false, "storeId", runtime.ParamLocationPath, chi.URLParam(r, "storeId"), &id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid format for parameter storeId: "+err.Error())
		return
	}

	existed, err := s.opts.Registry.Delete(r.Context(), id)
	if err != nil {
		logger.ErrorCtx(r.Context(), "deleting store failed", logger.KeyStore, id, logger.KeyError, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "store not found")
		return
	}
	logger.InfoCtx(r.Context(), "store deleted by admin", logger.KeyStore, id)

	// Executors only write into existing stores, so an active store comes
	// back empty and refills from later requests.
	if scope, ok := s.opts.Host.Scope(); ok && (id == scope.Static || id == scope.Dynamic) {
		if _, err := s.opts.Registry.Open(detach(r.Context()), id); err != nil {
			logger.WarnCtx(r.Context(), "reopening active store failed", logger.KeyStore, id, logger.KeyError, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) deploy(w http.ResponseWriter, r *http.Request) {
	var body deployRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Version == "" {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	if s.opts.Deployments == nil {
		writeError(w, http.StatusNotImplemented, "deployments are not enabled")
		return
	}

	dep, err := s.opts.Deployments(body.Version, body.CoreAssets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.opts.Host.Deploy(detach(r.Context()), dep)
	switch {
	case errors.Is(err, lifecycle.ErrInstall):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusCreated
	if c.State() == lifecycle.StateWaiting {
		status = http.StatusAccepted
	}
	writeJSON(w, status, s.opts.Host.Status())
}

func (s *server) activate(w http.ResponseWriter, r *http.Request) {
	report, err := s.opts.Host.ActivateWaiting(detach(r.Context()))
	switch {
	case errors.Is(err, lifecycle.ErrNoWaiting):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(report))
}
