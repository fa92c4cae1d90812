package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cwygoda/fetcher/internal/domain"
)

const maxBodyBytes = 1 << 20

// ActiveJobs reports the jobs in flight, keyed by id with their start
// times.
type ActiveJobs interface {
	Snapshot() map[string]time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithSecret requires POST /jobs to be signed with secret.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

// WithMetrics serves h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server is the HTTP adapter for health, status and submission.
type Server struct {
	svc     *domain.JobService
	active  ActiveJobs
	metrics http.Handler
	mux     *http.ServeMux
	handler http.Handler
	server  *http.Server
	secret  string
	log     zerolog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, active ActiveJobs, addr string, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		active: active,
		mux:    http.NewServeMux(),
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	s.handler = otelhttp.NewHandler(s.mux, "fetcher",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/metrics"
		}),
	)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleSubmit)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// submitResponse is the JSON response for POST /jobs.
type submitResponse struct {
	ID        string `json:"id"`
	Protocol  string `json:"protocol"`
	MediaType string `json:"media_type"`
	SourceURI string `json:"source_uri"`
}

// jobResponse is the JSON response for GET /jobs/{id}.
type jobResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Stage     string `json:"stage,omitempty"`
	Progress  int    `json:"progress"`
	Runs      int    `json:"runs"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type healthResponse struct {
	Status     string `json:"status"`
	ActiveJobs int    `json:"active_jobs"`
	// OldestJobSeconds is how long the longest-running job has run.
	OldestJobSeconds int64 `json:"oldest_job_seconds,omitempty"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if s.secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			s.log.Warn().Err(err).Msg("submit verification failed")
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	var media domain.Media
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&media); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := s.svc.Submit(r.Context(), media)
	if err != nil {
		if domain.IsPermanent(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("submit failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{
		ID:        job.ID,
		Protocol:  string(job.Protocol),
		MediaType: string(job.MediaType),
		SourceURI: job.SourceURI,
	})
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	// SHA256("${timestamp}\n${body}\n${secret}")
	if signature != Sign(timestamp, body, s.secret) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes the X-Signature value for a submission.
func Sign(timestamp string, body []byte, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s", timestamp, string(body), secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error().Err(err).Msg("get job failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, recordToResponse(rec))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jobs := s.active.Snapshot()
	resp := healthResponse{Status: "ok", ActiveJobs: len(jobs)}
	for _, started := range jobs {
		if age := int64(time.Since(started).Seconds()); age > resp.OldestJobSeconds {
			resp.OldestJobSeconds = age
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func recordToResponse(rec *domain.JobRecord) jobResponse {
	return jobResponse{
		ID:        rec.ID,
		Status:    string(rec.Status),
		Stage:     string(rec.Stage),
		Progress:  rec.Progress,
		Runs:      rec.Runs,
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt: rec.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}
