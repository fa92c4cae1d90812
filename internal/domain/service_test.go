package domain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// mockRepo implements StatusRepository for testing.
type mockRepo struct {
	records map[string]*JobRecord
	emitErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[string]*JobRecord)}
}

func (m *mockRepo) EmitProgress(ctx context.Context, jobID string, stage Stage, percent int) error {
	rec := m.record(jobID)
	rec.Stage = stage
	rec.Progress = percent
	return m.emitErr
}

func (m *mockRepo) EmitStatus(ctx context.Context, jobID string, status Status, detail string) error {
	rec := m.record(jobID)
	rec.Status = status
	rec.Error = detail
	return m.emitErr
}

func (m *mockRepo) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	rec, ok := m.records[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return rec, nil
}

func (m *mockRepo) RecoverStale(ctx context.Context) (int64, error) {
	var count int64
	for _, rec := range m.records {
		if !rec.Status.Terminal() && rec.Status != StatusInit {
			rec.Status = StatusInit
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) record(id string) *JobRecord {
	rec, ok := m.records[id]
	if !ok {
		rec = &JobRecord{ID: id, CreatedAt: time.Now()}
		m.records[id] = rec
	}
	return rec
}

type published struct {
	topic   string
	payload []byte
}

type mockPublisher struct {
	sent []published
	err  error
}

func (p *mockPublisher) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, payload: payload})
	return nil
}

func TestJobService_Submit(t *testing.T) {
	tests := []struct {
		name    string
		media   Media
		wantErr error
	}{
		{
			name:  "valid descriptor",
			media: Media{ID: "card-1", Download: "[magnet](magnet:?xt=urn:btih:abc)"},
		},
		{
			name:    "unsafe id",
			media:   Media{ID: "../x", Download: "[http](https://a/b.mp4)"},
			wantErr: ErrInvalidDescriptor,
		},
		{
			name:    "no source",
			media:   Media{ID: "card-1"},
			wantErr: ErrInvalidDescriptor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockRepo()
			pub := &mockPublisher{}
			svc := NewJobService(repo, pub, "newMedia")

			job, err := svc.Submit(context.Background(), tt.media)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Submit() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				if len(pub.sent) != 0 {
					t.Errorf("published %d messages for invalid descriptor", len(pub.sent))
				}
				return
			}

			if job.ID != tt.media.ID {
				t.Errorf("job.ID = %q, want %q", job.ID, tt.media.ID)
			}
			if len(pub.sent) != 1 || pub.sent[0].topic != "newMedia" {
				t.Fatalf("published = %+v, want one message on newMedia", pub.sent)
			}

			var msg NewMediaMessage
			if err := json.Unmarshal(pub.sent[0].payload, &msg); err != nil {
				t.Fatalf("payload is not a NewMediaMessage: %v", err)
			}
			if msg.Media.ID != tt.media.ID {
				t.Errorf("payload media id = %q", msg.Media.ID)
			}

			rec, _ := svc.Get(context.Background(), job.ID)
			if rec.Status != StatusInit {
				t.Errorf("status = %q, want %q", rec.Status, StatusInit)
			}
		})
	}
}

func TestJobService_Submit_PublishError(t *testing.T) {
	repo := newMockRepo()
	pub := &mockPublisher{err: errors.New("redis down")}
	svc := NewJobService(repo, pub, "newMedia")

	_, err := svc.Submit(context.Background(), Media{ID: "a", Source: "http", SourceURI: "https://x/y.mp4"})
	if err == nil {
		t.Fatal("Submit() error = nil, want publish error")
	}
	rec, err := svc.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != StatusFailed || rec.Error == "" {
		t.Errorf("record = %+v, want failed with the publish error", rec)
	}
}

// workerPublisher reports progress for the job inside Publish, the way a
// fast worker can before Submit returns.
type workerPublisher struct {
	repo *mockRepo
}

func (p *workerPublisher) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	var msg NewMediaMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	p.repo.EmitStatus(ctx, msg.ID, StatusRunning, "")
	p.repo.EmitStatus(ctx, msg.ID, StatusDone, "")
	return nil
}

func TestJobService_Submit_InitBeforePublish(t *testing.T) {
	repo := newMockRepo()
	svc := NewJobService(repo, &workerPublisher{repo: repo}, "newMedia")
	ctx := context.Background()

	job, err := svc.Submit(ctx, Media{ID: "fast", Download: "[http](https://a/b.mp4)"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != StatusDone {
		t.Errorf("status = %q, want %q", rec.Status, StatusDone)
	}
}

func TestJobService_Submit_LedgerError(t *testing.T) {
	repo := newMockRepo()
	repo.emitErr = errors.New("disk full")
	pub := &mockPublisher{}
	svc := NewJobService(repo, pub, "newMedia")

	if _, err := svc.Submit(context.Background(), Media{ID: "a", Download: "[http](https://a/b.mp4)"}); err != nil {
		t.Fatalf("Submit() error = %v, want nil when only the ledger fails", err)
	}
	if len(pub.sent) != 1 {
		t.Errorf("published %d messages, want 1", len(pub.sent))
	}
}

func TestJobService_Get(t *testing.T) {
	repo := newMockRepo()
	svc := NewJobService(repo, &mockPublisher{}, "newMedia")
	ctx := context.Background()

	repo.EmitStatus(ctx, "a", StatusUploading, "")
	repo.EmitProgress(ctx, "a", StageUpload, 75)

	rec, err := svc.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Progress != 75 || rec.Stage != StageUpload {
		t.Errorf("Get() = %+v", rec)
	}

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrJobNotFound)
	}
}

func TestJobService_RecoverStale(t *testing.T) {
	repo := newMockRepo()
	svc := NewJobService(repo, &mockPublisher{}, "newMedia")
	ctx := context.Background()

	repo.EmitStatus(ctx, "a", StatusDownloading, "")
	repo.EmitStatus(ctx, "b", StatusDone, "")

	n, err := svc.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverStale() = %d, want 1", n)
	}
}
