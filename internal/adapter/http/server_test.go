package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwygoda/fetcher/internal/domain"
)

// mockRepo implements domain.StatusRepository for testing.
type mockRepo struct {
	records map[string]*domain.JobRecord
	getErr  error
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[string]*domain.JobRecord)}
}

func (m *mockRepo) EmitStatus(ctx context.Context, jobID string, status domain.Status, detail string) error {
	now := time.Now()
	rec, ok := m.records[jobID]
	if !ok {
		rec = &domain.JobRecord{ID: jobID, CreatedAt: now}
		m.records[jobID] = rec
	}
	rec.Status = status
	rec.Error = detail
	rec.UpdatedAt = now
	return nil
}

func (m *mockRepo) EmitProgress(ctx context.Context, jobID string, stage domain.Stage, percent int) error {
	return nil
}

func (m *mockRepo) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, ok := m.records[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return rec, nil
}

func (m *mockRepo) RecoverStale(ctx context.Context) (int64, error) { return 0, nil }

// mockPublisher implements domain.Publisher for testing.
type mockPublisher struct {
	topics []string
	err    error
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	if m.err != nil {
		return m.err
	}
	m.topics = append(m.topics, topic)
	return nil
}

type fixedJobs map[string]time.Time

func (j fixedJobs) Snapshot() map[string]time.Time { return j }

func setupTestServer(opts ...Option) (*Server, *mockRepo, *mockPublisher) {
	repo := newMockRepo()
	pub := &mockPublisher{}
	svc := domain.NewJobService(repo, pub, "newMedia")
	jobs := fixedJobs{
		"a": time.Now().Add(-90 * time.Second),
		"b": time.Now().Add(-10 * time.Second),
	}
	return NewServer(svc, jobs, ":3401", opts...), repo, pub
}

const movieBody = `{"id":"your-name","type":"movie","download":"[https](https://example.com/Your%20Name.mkv)"}`

func TestServer_Submit_Success(t *testing.T) {
	srv, repo, pub := setupTestServer()

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(movieBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var resp submitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.ID != "your-name" || resp.Protocol != "http" || resp.MediaType != "movie" {
		t.Errorf("response = %+v", resp)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "newMedia" {
		t.Errorf("published topics = %v", pub.topics)
	}
	if repo.records["your-name"].Status != domain.StatusInit {
		t.Errorf("ledger status = %q, want init", repo.records["your-name"].Status)
	}
}

func TestServer_Submit_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", `not json`},
		{"missing id", `{"download":"[http](http://x/a.mkv)"}`},
		{"unsafe id", `{"id":"../etc","download":"[http](http://x/a.mkv)"}`},
		{"malformed descriptor", `{"id":"a","download":"http://x/a.mkv"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, pub := setupTestServer()
			req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()

			srv.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if len(pub.topics) != 0 {
				t.Errorf("published %v for a bad request", pub.topics)
			}
		})
	}
}

func TestServer_Submit_PublishError(t *testing.T) {
	srv, _, pub := setupTestServer()
	pub.err = errors.New("redis down")

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(movieBody))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestServer_Submit_Signature(t *testing.T) {
	srv, _, _ := setupTestServer(WithSecret("s3cret"))
	ts := time.Now().UTC().Format(time.RFC3339)

	tests := []struct {
		name      string
		timestamp string
		signature string
		want      int
	}{
		{"valid", ts, Sign(ts, []byte(movieBody), "s3cret"), http.StatusAccepted},
		{"missing timestamp", "", "x", http.StatusUnauthorized},
		{"stale timestamp", time.Now().Add(-time.Hour).UTC().Format(time.RFC3339), "x", http.StatusUnauthorized},
		{"wrong signature", ts, Sign(ts, []byte(movieBody), "other"), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(movieBody))
			if tt.timestamp != "" {
				req.Header.Set("X-Timestamp", tt.timestamp)
			}
			req.Header.Set("X-Signature", tt.signature)
			rec := httptest.NewRecorder()

			srv.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestServer_GetJob_Success(t *testing.T) {
	srv, repo, _ := setupTestServer()
	repo.EmitStatus(context.Background(), "job-1", domain.StatusStalled, domain.StallCode)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp jobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.ID != "job-1" || resp.Status != "stalled" || resp.Error != domain.StallCode {
		t.Errorf("response = %+v", resp)
	}
}

func TestServer_GetJob_NotFound(t *testing.T) {
	srv, _, _ := setupTestServer()

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServer_GetJob_StoreError(t *testing.T) {
	srv, repo, _ := setupTestServer()
	repo.getErr = errors.New("disk I/O error")

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := setupTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.ActiveJobs != 2 {
		t.Errorf("response = %+v, want ok with 2 active jobs", resp)
	}
	if resp.OldestJobSeconds < 90 || resp.OldestJobSeconds > 120 {
		t.Errorf("OldestJobSeconds = %d, want about 90", resp.OldestJobSeconds)
	}
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fetcher_job_status_total 1\n"))
	})
	srv, _, _ := setupTestServer(WithMetrics(metrics))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "fetcher_job_status_total") {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}

	srv, _, _ = setupTestServer()
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without metrics = %d, want 404", rec.Code)
	}
}

func TestServer_Port(t *testing.T) {
	srv, _, _ := setupTestServer()
	if srv.Port() != 3401 {
		t.Errorf("Port() = %d, want 3401", srv.Port())
	}
}
