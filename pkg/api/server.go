// Package api serves detection and anomaly lookups over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/ocppguard/pkg/detectors"
	"github.com/hed1ad/ocppguard/pkg/features"
	"github.com/hed1ad/ocppguard/pkg/metrics"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
	"github.com/hed1ad/ocppguard/pkg/scoring"
	"github.com/hed1ad/ocppguard/pkg/store"
)

// maxDetectBody bounds POST /api/v1/detect payloads.
const maxDetectBody = 10 << 20

// AnomalyStore is the persistent anomaly log.
type AnomalyStore interface {
	ListAnomalies(ctx context.Context, q store.AnomalyQuery) ([]scoring.AnomalyRecord, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// RecentCache returns recently cached anomalies for a charger.
type RecentCache interface {
	Recent(ctx context.Context, chargerID string, limit int) ([]scoring.AnomalyRecord, error)
}

// Server represents the API server.
type Server struct {
	scorer  *scoring.Scorer
	store   AnomalyStore
	cache   RecentCache
	metrics *metrics.Collector
	ready   func() bool
	router  *mux.Router
	log     logrus.FieldLogger
}

// Option configures a Server.
type Option func(*Server)

// WithStore enables the anomaly listing and stats endpoints.
func WithStore(s AnomalyStore) Option {
	return func(srv *Server) {
		srv.store = s
	}
}

// WithCache serves per-charger lookups from the cache when it has data.
func WithCache(c RecentCache) Option {
	return func(srv *Server) {
		srv.cache = c
	}
}

// WithMetrics instruments requests and exposes /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(srv *Server) {
		srv.metrics = c
	}
}

// WithReadiness reports model readiness on /health.
func WithReadiness(ready func() bool) Option {
	return func(srv *Server) {
		srv.ready = ready
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(srv *Server) {
		srv.log = l
	}
}

// NewServer creates a new API server.
func NewServer(scorer *scoring.Scorer, opts ...Option) *Server {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Server{
		scorer: scorer,
		router: mux.NewRouter(),
		log:    discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	api.HandleFunc("/anomalies", s.handleListAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/{charger_id}", s.handleChargerAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.Use(jsonMiddleware)

	if s.metrics != nil {
		s.router.Path("/metrics").Handler(s.metrics.Handler())
	}

	s.router.Use(s.loggingMiddleware)
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, endpoint, rec.status, elapsed)
		}
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": elapsed,
		}).Debug("request")
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int    `json:"total,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Source  string `json:"source,omitempty"`
	QueryMs int64  `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{"status": "healthy"}
	if s.ready != nil {
		ready := s.ready()
		body["model_ready"] = ready
		if !ready {
			body["status"] = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, body)
}

type detectRequest struct {
	Records []ocpp.RawRecord `json:"records"`
}

// DetectResponse is the body of a successful detect call.
type DetectResponse struct {
	Records   int                     `json:"records"`
	Scored    int                     `json:"scored"`
	Unscored  int                     `json:"unscored"`
	Skipped   int                     `json:"skipped"`
	Anomalies []scoring.AnomalyRecord `json:"anomalies"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxDetectBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Records) == 0 {
		respondError(w, http.StatusBadRequest, "records are required")
		return
	}

	report, err := s.scorer.Detect(req.Records)
	switch {
	case errors.Is(err, detectors.ErrNotTrained), errors.Is(err, features.ErrNotFitted):
		respondError(w, http.StatusServiceUnavailable, "model not trained")
		return
	case err != nil:
		s.log.WithError(err).Error("detect failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveReport(report)
	}

	unscored := report.Unscored()
	anomalies := report.Anomalies
	if anomalies == nil {
		anomalies = []scoring.AnomalyRecord{}
	}
	respondJSON(w, http.StatusOK, DetectResponse{
		Records:   len(req.Records),
		Scored:    len(report.Verdicts) - unscored,
		Unscored:  unscored,
		Skipped:   report.Skipped,
		Anomalies: anomalies,
	})
}

func parseQuery(r *http.Request) (store.AnomalyQuery, error) {
	var q store.AnomalyQuery
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return q, errors.New("invalid limit")
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errors.New("invalid since, expected RFC3339")
		}
		q.Since = t
	}
	return q, nil
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "no anomaly store configured")
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	anomalies, err := s.store.ListAnomalies(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithMeta(w, anomalies, &meta{
		Total:   len(anomalies),
		Limit:   q.Limit,
		Source:  "store",
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleChargerAnomalies(w http.ResponseWriter, r *http.Request) {
	chargerID := mux.Vars(r)["charger_id"]
	q, err := parseQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.ChargerID = chargerID
	start := time.Now()

	if s.cache != nil && q.Since.IsZero() {
		anomalies, err := s.cache.Recent(r.Context(), chargerID, q.Limit)
		if err != nil {
			s.log.WithError(err).WithField("charger_id", chargerID).Warn("anomaly cache lookup failed")
		} else if len(anomalies) > 0 || s.store == nil {
			respondWithMeta(w, anomalies, &meta{
				Total:   len(anomalies),
				Limit:   q.Limit,
				Source:  "cache",
				QueryMs: time.Since(start).Milliseconds(),
			})
			return
		}
	}

	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "no anomaly store configured")
		return
	}
	anomalies, err := s.store.ListAnomalies(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithMeta(w, anomalies, &meta{
		Total:   len(anomalies),
		Limit:   q.Limit,
		Source:  "store",
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "no anomaly store configured")
		return
	}
	st, err := s.store.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}
