package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/raymondelooff/device-reading-aggregator/aggregator"
)

// Registry is the part of aggregator.Registry the HTTP boundary uses
type Registry interface {
	Ingest(ctx context.Context, source string, batch aggregator.Batch) (aggregator.IngestResult, error)
	Latest(ctx context.Context, deviceID string) (aggregator.Reading, error)
	CumulativeCount(ctx context.Context, deviceID string) (int64, error)
}

// Server serves the readings API
type Server struct {
	registry     Registry
	policy       aggregator.CountPolicy
	metrics      *aggregator.Metrics
	gatherer     prometheus.Gatherer
	maxBodyBytes int64
	logger       *zap.SugaredLogger
}

// Handler builds the router with all routes and middleware
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/hello", s.handleHello)
	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/readings", s.handlePostReadings)

	r.Route("/{deviceID}", func(r chi.Router) {
		r.Get("/latest", s.handleLatest)
		r.Get("/cumulative_count", s.handleCumulativeCount)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHello(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // connection may already be closed
	io.WriteString(w, "Hello, World!")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Status: "ok"})
}

// handlePostReadings adds a batch of readings to the aggregator of a device.
// Every entry is validated before any of them is applied.
func (s *Server) handlePostReadings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		writeMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	batch, err := aggregator.DecodeBatch(body, s.policy)
	if err != nil {
		s.reject(w, err)
		return
	}

	if err := aggregator.ValidateDeviceID(batch.DeviceID); err != nil {
		s.reject(w, err)
		return
	}

	if _, err := s.registry.Ingest(r.Context(), aggregator.SourceHTTP, batch); err != nil {
		if errors.Is(err, aggregator.ErrValidation) {
			s.reject(w, err)
			return
		}

		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Status: "ok"})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	reading, err := s.registry.Latest(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"latest_timestamp": aggregator.FormatTimestamp(reading.Timestamp()),
	})
}

func (s *Server) handleCumulativeCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.registry.CumulativeCount(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{
		"cumulative_count": count,
	})
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	s.metrics.RejectedBatches.WithLabelValues(aggregator.SourceHTTP).Inc()
	s.fail(w, err)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorw("request failed", "error", err)
	}

	writeMessage(w, status, err.Error())
}

// NewServer creates a new Server. gatherer may be nil to disable /metrics.
func NewServer(registry Registry, policy aggregator.CountPolicy, maxBodyBytes int64, metrics *aggregator.Metrics, gatherer prometheus.Gatherer, logger *zap.SugaredLogger) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}

	return &Server{
		registry:     registry,
		policy:       policy,
		metrics:      metrics,
		gatherer:     gatherer,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}
