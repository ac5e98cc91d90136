package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"notification-engine/internal/cursor"
	"notification-engine/internal/notify"
	"notification-engine/internal/ratelimit"
	"notification-engine/internal/telemetry"
)

// Limiter gates the dispatcher pop endpoint.
type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for dispatchers, schedulers and audience tools.
type Server struct {
	store       notify.Store
	limiter     Limiter
	log         *zap.Logger
	corsOrigins []string
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(st notify.Store, limiter Limiter, log *zap.Logger, corsOrigins []string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store:       st,
		limiter:     limiter,
		log:         log,
		corsOrigins: corsOrigins,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", dispatcherHeader},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handlePushTasks)
			r.With(s.rateLimited).Post("/pop", s.handlePopTasks)
			r.Post("/watermark", s.handleWatermark)
			r.Get("/sent", s.handleSentTask)
			r.Get("/sent-campaigns", s.handleSentCampaigns)
			r.Patch("/{id}", s.handleUpdateTask)
		})
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleUpsertCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Post("/pop", s.handlePopCampaign)
			r.Post("/by-ids", s.handleCampaignsByIDs)
			r.Get("/{id}", s.handleGetCampaign)
			r.Patch("/{id}", s.handleUpdateCampaign)
			r.Delete("/{id}", s.handleRemoveCampaign)
			r.Post("/{id}/increment", s.handleIncrementCampaign)
			r.Get("/{id}/unsuccessful", s.handleUnsuccessful)
		})
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", s.handleListSubscriptions)
			r.Get("/count", s.handleCountSubscriptions)
			r.Get("/{pageID}/{senderID}", s.handleSenderSubscriptions)
			r.Delete("/{pageID}/{senderID}", s.handleUnsubscribeAll)
			r.Put("/{pageID}/{senderID}/tags/{tag}", s.handleSubscribe)
			r.Delete("/{pageID}/{senderID}/tags/{tag}", s.handleUnsubscribe)
		})
		r.Get("/tags", s.handleTags)
	})
	return r
}

const dispatcherHeader = "X-Dispatcher-ID"

func dispatcherFromRequest(r *http.Request) string {
	if v := r.Header.Get(dispatcherHeader); v != "" {
		return v
	}
	return "default"
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Take(r.Context(), dispatcherFromRequest(r))
		if err != nil {
			s.log.Error("rate limit check failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(d.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, notify.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, notify.ErrInvalidEvent),
		errors.Is(err, notify.ErrInvalidArgument),
		errors.Is(err, cursor.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil && n >= 0
}

func queryBool(r *http.Request, key string) (*bool, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, false
	}
	return &b, true
}

func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}

func list[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Data: items}
}
