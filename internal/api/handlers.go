package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/repositories"
	"github.com/prudhvinik1/optisync/internal/services"
)

func (s *Server) applyMutation(w http.ResponseWriter, r *http.Request) {
	var req models.MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.MutationResponse{
			Rejection: &models.Rejection{Reason: services.ReasonValidation},
		})
		return
	}
	if req.MutationID == "" {
		req.MutationID = r.Header.Get("Idempotency-Key")
	}

	resp, err := s.mutations.Apply(r.Context(), req)
	switch {
	case errors.Is(err, services.ErrContention):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.log.WithError(err).WithField("mutation_id", req.MutationID).Error("failed to apply mutation")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, mutationStatus(resp), resp)
}

func mutationStatus(resp *models.MutationResponse) int {
	if !resp.Rejected() {
		return http.StatusOK
	}
	if resp.Rejection.Reason == services.ReasonValidation {
		return http.StatusUnprocessableEntity
	}
	return http.StatusConflict
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	key := models.NewEntityKey(chi.URLParam(r, "type"), chi.URLParam(r, "id"))

	rec, err := s.mutations.Snapshot(r.Context(), key)
	if errors.Is(err, repositories.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("key", key.String()).Error("failed to load entity")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, models.Snapshot{
		Key:     rec.Key,
		Version: rec.Version,
		Data:    rec.Data,
		Found:   true,
	})
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	records, err := s.mutations.List(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		s.log.WithError(err).Error("failed to list entities")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []*models.EntityRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	events, err := s.mutations.Changes(r.Context(), since, int(limit))
	if err != nil {
		s.log.WithError(err).Error("failed to list changes")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []*models.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.presence.ListPresence(r.Context())
	if err != nil {
		s.log.WithError(err).Error("failed to list clients")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if clients == nil {
		clients = []*models.Presence{}
	}
	writeJSON(w, http.StatusOK, clients)
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
