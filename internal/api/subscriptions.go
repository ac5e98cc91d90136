package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"notification-engine/internal/models"
)

type removedResponse struct {
	Removed []string `json:"removed"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	err := s.store.Subscribe(r.Context(), chi.URLParam(r, "senderID"), chi.URLParam(r, "pageID"), chi.URLParam(r, "tag"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request, tag string) {
	removed, err := s.store.Unsubscribe(r.Context(), chi.URLParam(r, "senderID"), chi.URLParam(r, "pageID"), tag)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: removed})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.unsubscribe(w, r, chi.URLParam(r, "tag"))
}

func (s *Server) handleUnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	s.unsubscribe(w, r, "")
}

type tagsResponse struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleSenderSubscriptions(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.GetSenderSubscriptions(r.Context(), chi.URLParam(r, "senderID"), chi.URLParam(r, "pageID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, tagsResponse{Tags: tags})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	q := r.URL.Query()
	page, err := s.store.GetSubscriptions(r.Context(), queryList(r, "include"), queryList(r, "exclude"),
		limit, q.Get("page_id"), q.Get("cursor"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if page.Data == nil {
		page.Data = []models.Target{}
	}
	writeJSON(w, http.StatusOK, page)
}

type countResponse struct {
	Count int64 `json:"count"`
}

func (s *Server) handleCountSubscriptions(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.GetSubscriptionsCount(r.Context(), queryList(r, "include"), queryList(r, "exclude"), r.URL.Query().Get("page_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetTags(r.Context(), r.URL.Query().Get("page_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(out))
}
