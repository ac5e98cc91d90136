package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"notification-engine/internal/models"
)

type pushRequest struct {
	Tasks []models.Task `json:"tasks"`
}

func (s *Server) handlePushTasks(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.store.PushTasks(r.Context(), req.Tasks)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(out))
}

type popRequest struct {
	Limit int   `json:"limit"`
	Until int64 `json:"until"`
}

func (s *Server) handlePopTasks(w http.ResponseWriter, r *http.Request) {
	req := popRequest{Limit: 1}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	out, err := s.store.PopTasks(r.Context(), req.Limit, req.Until)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(out))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch models.TaskPatch
	if !decode(w, r, &patch) {
		return
	}
	t, err := s.store.UpdateTask(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type watermarkRequest struct {
	SenderID  string           `json:"sender_id"`
	PageID    string           `json:"page_id"`
	Watermark int64            `json:"watermark"`
	Event     models.TaskEvent `json:"event"`
	// TS is the event time in unix millis; zero means now.
	TS int64 `json:"ts"`
}

func (s *Server) handleWatermark(w http.ResponseWriter, r *http.Request) {
	var req watermarkRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TS <= 0 {
		req.TS = time.Now().UnixMilli()
	}
	out, err := s.store.UpdateTasksByWatermark(r.Context(), req.SenderID, req.PageID, req.Watermark, req.Event, req.TS)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(out))
}

func (s *Server) handleSentTask(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := s.store.GetSentTask(r.Context(), q.Get("page_id"), q.Get("sender_id"), q.Get("campaign_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "no sent task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSentCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ids, err := s.store.GetSentCampaignIDs(r.Context(), q.Get("page_id"), q.Get("sender_id"), queryList(r, "candidates"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(ids))
}
