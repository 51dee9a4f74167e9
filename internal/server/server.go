// Package server exposes bounding-box imagery retrieval over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/quadsnap/quadsnap/internal/imagery"
)

// Retriever is the slice of the imagery session the HTTP layer needs.
type Retriever interface {
	Retrieve(ctx context.Context, lat1, lng1, lat2, lng2 float64, maxLevel int) (image.Image, error)
}

// Server implements the HTTP API.
type Server struct {
	startTime time.Time
	version   string
	baseCfg   imagery.Config
	log       *logrus.Logger

	// newRetriever builds a session for one request's effective config.
	// Swapped out in tests.
	newRetriever func(cfg imagery.Config) (Retriever, error)
}

// New creates a server whose requests inherit defaults from baseCfg.
func New(version string, baseCfg imagery.Config, log *logrus.Logger) *Server {
	return &Server{
		startTime: time.Now(),
		version:   version,
		baseCfg:   baseCfg,
		log:       log,
		newRetriever: func(cfg imagery.Config) (Retriever, error) {
			return imagery.NewRetriever(cfg, imagery.WithLogger(log))
		},
	}
}

// Routes builds the router with the API mounted under /api/v1.
func (s *Server) Routes(timeout time.Duration) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.GetHealth)
		r.Get("/imagery", s.GetImagery)
	})

	return r
}

// healthResponse is the health endpoint payload.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    int       `json:"uptime"`
	Version   string    `json:"version"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// GetHealth implements the health check endpoint.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    int(time.Since(s.startTime).Seconds()),
		Version:   s.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.WithError(err).Error("encoding health response")
	}
}

// GetImagery composes and streams the image for the requested box.
// Query parameters: lat1, lng1, lat2, lng2 (required), level, labels,
// culture, format, cache.
func (s *Server) GetImagery(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	lat1, lng1, lat2, lng2, err := parseCorners(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_COORDINATES", err.Error(), requestID)
		return
	}

	maxLevel := 18
	if v := r.URL.Query().Get("level"); v != "" {
		maxLevel, err = strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_LEVEL", fmt.Sprintf("level: %v", err), requestID)
			return
		}
	}

	cfg, err := s.requestConfig(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), requestID)
		return
	}

	retriever, err := s.newRetriever(cfg)
	if err != nil {
		s.handleRetrievalError(w, err, requestID)
		return
	}

	img, err := retriever.Retrieve(r.Context(), lat1, lng1, lat2, lng2, maxLevel)
	if err != nil {
		s.handleRetrievalError(w, err, requestID)
		return
	}

	switch cfg.Format {
	case imagery.FormatJPEG:
		w.Header().Set("Content-Type", "image/jpeg")
	default:
		w.Header().Set("Content-Type", "image/png")
	}
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)

	if err := imagery.EncodeFormat(w, img, cfg.Format); err != nil {
		s.log.WithError(err).Error("writing image response")
	}
}

// requestConfig derives the effective session config for one request.
func (s *Server) requestConfig(r *http.Request) (imagery.Config, error) {
	cfg := s.baseCfg
	q := r.URL.Query()

	if v := q.Get("labels"); v != "" {
		labeled, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("labels: %v", err)
		}
		cfg.Labeled = labeled
	}
	if v := q.Get("cache"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("cache: %v", err)
		}
		cfg.CacheEnabled = enabled
	}
	if v := q.Get("culture"); v != "" {
		cfg.Culture = v
	}
	if v := q.Get("format"); v != "" {
		format, err := imagery.ParseFormat(v)
		if err != nil {
			return cfg, err
		}
		cfg.Format = format
	}
	return cfg, nil
}

func parseCorners(r *http.Request) (lat1, lng1, lat2, lng2 float64, err error) {
	q := r.URL.Query()
	var values [4]float64
	for i, name := range []string{"lat1", "lng1", "lat2", "lng2"} {
		raw := q.Get(name)
		if raw == "" {
			return 0, 0, 0, 0, fmt.Errorf("%s is required", name)
		}
		values[i], err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("%s: %v", name, err)
		}
	}
	return values[0], values[1], values[2], values[3], nil
}

// handleRetrievalError maps retrieval failures to HTTP statuses.
func (s *Server) handleRetrievalError(w http.ResponseWriter, err error, requestID string) {
	var verr *imagery.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), requestID)
	case errors.Is(err, imagery.ErrNoResolution):
		s.writeError(w, http.StatusNotFound, "NO_RESOLUTION", err.Error(), requestID)
	default:
		s.log.WithError(err).Error("imagery retrieval failed")
		s.writeError(w, http.StatusBadGateway, "RETRIEVAL_FAILED", err.Error(), requestID)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}); err != nil {
		s.log.WithError(err).Error("encoding error response")
	}
}
