package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// JobService exposes job submission and status lookups.
type JobService struct {
	repo  StatusRepository
	pub   Publisher
	topic string
	now   func() time.Time
	log   zerolog.Logger
}

// ServiceOption configures a JobService.
type ServiceOption func(*JobService)

// WithServiceLogger sets the logger for ledger write failures.
func WithServiceLogger(log zerolog.Logger) ServiceOption {
	return func(s *JobService) {
		s.log = log
	}
}

// NewJobService creates a JobService publishing submissions to topic.
func NewJobService(repo StatusRepository, pub Publisher, topic string, opts ...ServiceOption) *JobService {
	s := &JobService{repo: repo, pub: pub, topic: topic, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates a media descriptor and enqueues it.
func (s *JobService) Submit(ctx context.Context, m Media) (*Job, error) {
	job, err := NewJob(m)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(NewMediaMessage{ID: job.ID, CreatedAt: s.now().UTC(), Media: m})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	// init must land before a worker can claim the message, or it would
	// overwrite whatever the worker has already reported.
	s.emit(ctx, job.ID, StatusInit, "")
	if err := s.pub.Publish(ctx, s.topic, body, nil); err != nil {
		err = fmt.Errorf("publish %s: %w", s.topic, err)
		s.emit(ctx, job.ID, StatusFailed, err.Error())
		return nil, err
	}
	return job, nil
}

// emit records a status without failing the caller.
func (s *JobService) emit(ctx context.Context, jobID string, status Status, detail string) {
	if err := s.repo.EmitStatus(ctx, jobID, status, detail); err != nil {
		s.log.Warn().Err(err).Str("job", jobID).Str("status", string(status)).Msg("ledger write failed")
	}
}

// Get retrieves the last reported state of a job.
func (s *JobService) Get(ctx context.Context, id string) (*JobRecord, error) {
	return s.repo.Get(ctx, id)
}

// RecoverStale resets jobs left mid-run by a crash.
func (s *JobService) RecoverStale(ctx context.Context) (int64, error) {
	return s.repo.RecoverStale(ctx)
}
