// Package server exposes the OCR engine as a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/folio/pkg/budget"
	"github.com/pario-ai/folio/pkg/models"
	"github.com/pario-ai/folio/pkg/ocr"
	"github.com/pario-ai/folio/pkg/render"
	"github.com/pario-ai/folio/pkg/scheduler"
	"github.com/pario-ai/folio/pkg/tracker"
)

const maxBodyBytes = 1 << 20

// Engine is the part of ocr.Service the API calls into.
type Engine interface {
	ExtractText(ctx context.Context, doc models.Document, startPage, endPage int, params models.ExtractParams) (*models.ExtractResponse, error)
	DefaultParams() models.ExtractParams
	PurgeCache(ctx context.Context, retention time.Duration) (int64, error)
	CacheStats(ctx context.Context) (models.CacheStats, error)
}

// BudgetReporter reports usage against the configured token caps.
type BudgetReporter interface {
	Status(ctx context.Context) ([]models.BudgetStatus, error)
}

// Options configures a Server. Tracker and Budget may be nil.
type Options struct {
	Listen    string
	Retention time.Duration
	Tracker   tracker.Tracker
	Budget    BudgetReporter
	Logger    zerolog.Logger
}

// Server is the folio HTTP API.
type Server struct {
	engine    Engine
	tracker   tracker.Tracker
	budget    BudgetReporter
	listen    string
	retention time.Duration
	log       zerolog.Logger
	mux       *http.ServeMux
}

// New creates a Server with all routes registered.
func New(engine Engine, opts Options) *Server {
	s := &Server{
		engine:    engine,
		tracker:   opts.Tracker,
		budget:    opts.Budget,
		listen:    opts.Listen,
		retention: opts.Retention,
		log:       opts.Logger.With().Str("component", "http").Logger(),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/extract", s.handleExtract)
	s.mux.HandleFunc("/v1/cache/purge", s.handlePurge)
	s.mux.HandleFunc("/v1/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("/v1/usage", s.handleUsage)
	s.mux.HandleFunc("/v1/budget", s.handleBudget)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("took", time.Since(start)).
		Msg("request")
}

// ListenAndServe starts the server and shuts it down gracefully when ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.listen).Msg("folio api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ExtractRequest is the body of POST /v1/extract.
type ExtractRequest struct {
	Path       string `json:"path"`
	DocumentID string `json:"document_id"`
	StartPage  int    `json:"start_page"`
	EndPage    int    `json:"end_page"`
	Model      string `json:"model"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req ExtractRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	if req.EndPage == 0 {
		req.EndPage = req.StartPage
	}

	params := s.engine.DefaultParams()
	if req.Model != "" {
		params.Model = req.Model
	}
	doc := models.Document{ID: req.DocumentID, Path: req.Path}

	resp, err := s.engine.ExtractText(r.Context(), doc, req.StartPage, req.EndPage, params)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, ocr.ErrInvalidRange), errors.Is(err, render.ErrPageOutOfRange):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, budget.ErrBudgetExceeded):
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		writeJSONError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, scheduler.ErrCancelled):
		// The client is usually gone; finished pages are already cached.
		writeJSONError(w, http.StatusServiceUnavailable, "extraction interrupted")
	default:
		s.log.Error().Err(err).Str("path", req.Path).Msg("extraction failed")
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

// PurgeRequest is the body of POST /v1/cache/purge. An empty retention uses
// the configured one.
type PurgeRequest struct {
	Retention string `json:"retention"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req PurgeRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	retention := s.retention
	if req.Retention != "" {
		d, err := time.ParseDuration(req.Retention)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid retention: %v", err))
			return
		}
		retention = d
	}
	if retention <= 0 {
		writeJSONError(w, http.StatusBadRequest, "retention must be positive")
		return
	}

	n, err := s.engine.PurgeCache(r.Context(), retention)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n, "retention": retention.String()})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.engine.CacheStats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "cache stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.tracker == nil {
		writeJSONError(w, http.StatusNotFound, "usage tracking is not configured")
		return
	}
	rows, err := s.tracker.Summary(r.Context(), r.URL.Query().Get("document"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	if rows == nil {
		rows = []models.UsageSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": rows})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.budget == nil {
		writeJSONError(w, http.StatusNotFound, "budgets are not configured")
		return
	}
	statuses, err := s.budget.Status(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "budget query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": statuses})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"folio_error","code":%d}}`, message, code)
}
