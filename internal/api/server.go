package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/adwatch/internal/filters"
	"github.com/JakeFAU/adwatch/internal/metrics"
	"github.com/JakeFAU/adwatch/internal/supervisor"
)

const defaultRequestTimeout = 60 * time.Second

// Tracking is the supervisor surface the API drives.
type Tracking interface {
	StartTracking(ctx context.Context, subscriberID, filterName string) error
	StopTracking(ctx context.Context, subscriberID string) bool
	ActiveFilter(subscriberID string) (string, bool)
	Subscriptions() []supervisor.Subscription
}

// FilterStore is the filter registry surface the API drives.
type FilterStore interface {
	Read(ctx context.Context) (map[string]string, error)
	Upsert(ctx context.Context, name, rawURL string) error
	Delete(ctx context.Context, name string) (bool, error)
}

// Server wires HTTP handlers to the supervisor and filter registry.
type Server struct {
	router   chi.Router
	tracking Tracking
	filters  FilterStore
	logger   *zap.Logger
}

// Option customizes a Server.
type Option func(*options)

type options struct {
	requestTimeout time.Duration
}

// WithRequestTimeout bounds each request. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tracking Tracking, filterStore FilterStore, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{requestTimeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{
		tracking: tracking,
		filters:  filterStore,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if o.requestTimeout > 0 {
		r.Use(timeoutMiddleware(o.requestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/filters", func(r chi.Router) {
			r.Get("/", s.listFilters)
			r.Put("/{name}", s.putFilter)
			r.Delete("/{name}", s.deleteFilter)
		})
		r.Route("/subscribers/{id}/tracking", func(r chi.Router) {
			r.Post("/", s.startTracking)
			r.Delete("/", s.stopTracking)
			r.Get("/", s.trackingStatus)
		})
		r.Get("/subscriptions", s.subscriptions)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once the filter store can be read.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.filters.Read(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "filter store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listFilters(w http.ResponseWriter, r *http.Request) {
	data, err := s.filters.Read(r.Context())
	if err != nil {
		s.logger.Error("list filters failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read filters")
		return
	}
	if data == nil {
		data = map[string]string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"filters": data})
}

type putFilterRequest struct {
	URL string `json:"url"`
}

func (s *Server) putFilter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req putFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.filters.Upsert(r.Context(), name, req.URL); err != nil {
		if errors.Is(err, filters.ErrInvalidFilter) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("upsert filter failed", zap.String("filter", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to save filter")
		return
	}
	s.writeJSON(w, http.StatusOK, filters.Filter{Name: name, URL: req.URL})
}

func (s *Server) deleteFilter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	existed, err := s.filters.Delete(r.Context(), name)
	if err != nil {
		s.logger.Error("delete filter failed", zap.String("filter", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to delete filter")
		return
	}
	if !existed {
		s.writeError(w, http.StatusNotFound, "filter not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startTrackingRequest struct {
	Filter string `json:"filter"`
}

func (s *Server) startTracking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req startTrackingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filter == "" {
		s.writeError(w, http.StatusBadRequest, "missing filter name")
		return
	}
	err := s.tracking.StartTracking(r.Context(), id, req.Filter)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"subscriber_id": id,
			"filter":        req.Filter,
		})
	case errors.Is(err, supervisor.ErrFilterNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, supervisor.ErrCapacityExceeded):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("start tracking failed",
			zap.String("subscriber_id", id),
			zap.String("filter", req.Filter),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "failed to start tracking")
	}
}

func (s *Server) stopTracking(w http.ResponseWriter, r *http.Request) {
	stopped := s.tracking.StopTracking(r.Context(), chi.URLParam(r, "id"))
	s.writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

type trackingStatusResponse struct {
	Running bool   `json:"running"`
	Filter  string `json:"filter,omitempty"`
}

func (s *Server) trackingStatus(w http.ResponseWriter, r *http.Request) {
	filter, running := s.tracking.ActiveFilter(chi.URLParam(r, "id"))
	s.writeJSON(w, http.StatusOK, trackingStatusResponse{Running: running, Filter: filter})
}

func (s *Server) subscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.tracking.Subscriptions()
	if subs == nil {
		subs = []supervisor.Subscription{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("panic", rec),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
