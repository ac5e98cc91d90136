package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"notification-engine/internal/models"
)

type upsertCampaignRequest struct {
	Campaign models.Campaign       `json:"campaign"`
	Patch    *models.CampaignPatch `json:"patch"`
}

func (s *Server) handleUpsertCampaign(w http.ResponseWriter, r *http.Request) {
	var req upsertCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.store.UpsertCampaign(r.Context(), req.Campaign, req.Patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	active, ok := queryBool(r, "active")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid active")
		return
	}
	sliding, ok := queryBool(r, "sliding")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid sliding")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	page, err := s.store.GetCampaigns(r.Context(), models.CampaignFilter{Active: active, Sliding: sliding}, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if page.Data == nil {
		page.Data = []models.Campaign{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCampaignByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var patch models.CampaignPatch
	if !decode(w, r, &patch) {
		return
	}
	c, err := s.store.UpdateCampaign(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRemoveCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveCampaign(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIncrementCampaign(w http.ResponseWriter, r *http.Request) {
	var counters models.CampaignCounters
	if !decode(w, r, &counters) {
		return
	}
	if err := s.store.IncrementCampaign(r.Context(), chi.URLParam(r, "id"), counters); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type popCampaignRequest struct {
	Now int64 `json:"now"`
}

// handlePopCampaign answers 204 when nothing is due so pollers can tell an
// idle tick from a missing route.
func (s *Server) handlePopCampaign(w http.ResponseWriter, r *http.Request) {
	var req popCampaignRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.Now <= 0 {
		req.Now = time.Now().UnixMilli()
	}
	c, err := s.store.PopCampaign(r.Context(), req.Now)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if c == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUnsuccessful(w http.ResponseWriter, r *http.Request) {
	withoutReaction, ok := queryBool(r, "sent_without_reaction")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid sent_without_reaction")
		return
	}
	out, err := s.store.GetUnsuccessfulSubscribersByCampaign(r.Context(), chi.URLParam(r, "id"),
		withoutReaction != nil && *withoutReaction, r.URL.Query().Get("page_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(out))
}

type byIDsRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleCampaignsByIDs(w http.ResponseWriter, r *http.Request) {
	var req byIDsRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.store.GetCampaignsByIDs(r.Context(), req.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(out))
}
