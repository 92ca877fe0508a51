package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/fieldpipe/syncengine/internal/errs"
	"github.com/fieldpipe/syncengine/internal/model"
	"github.com/fieldpipe/syncengine/internal/service"
)

type createItemRequest struct {
	EntityType      string        `json:"entity_type"`
	EntityID        string        `json:"entity_id,omitempty"`
	Operation       string        `json:"operation"`
	Payload         model.Payload `json:"payload,omitempty"`
	Owner           string        `json:"owner"`
	Organization    string        `json:"organization"`
	ClientTimestamp time.Time     `json:"client_timestamp,omitempty"`
	Version         int64         `json:"version,omitempty"`
}

type resolveRequest struct {
	Strategy     string        `json:"strategy"`
	ResolvedData model.Payload `json:"resolved_data,omitempty"`
}

type fullSyncRequest struct {
	Owner        string `json:"owner"`
	Organization string `json:"organization"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	id, err := s.svc.CreateSyncItem(r.Context(), service.CreateSyncItemInput{
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Operation:       model.Operation(req.Operation),
		Payload:         req.Payload,
		Owner:           req.Owner,
		Organization:    req.Organization,
		ClientTimestamp: req.ClientTimestamp,
		Version:         req.Version,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	org := r.URL.Query().Get("organization")
	items, err := s.svc.GetPendingItems(r.Context(), owner, org)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []model.SyncItem{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad item id")
		return
	}
	if err := s.svc.RetryItem(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	org := r.URL.Query().Get("organization")
	conflicts, err := s.svc.GetConflicts(r.Context(), owner, org)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []model.SyncConflict{}
	}
	s.writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad conflict id")
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	if err := s.svc.ResolveConflict(r.Context(), id, model.Strategy(req.Strategy), req.ResolvedData); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	var req fullSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	sum, err := s.svc.PerformFullSync(r.Context(), req.Owner, req.Organization)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case strings.HasPrefix(err.Error(), "validation:"):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrAlreadyExists):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
