// Package pipeline runs a job through the download, filter and upload
// stages and stages the selected originals in object storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cwygoda/fetcher/internal/domain"
)

const doneMarker = "done"

// Downloaders resolves a protocol tag to its downloader.
type Downloaders interface {
	Lookup(p domain.Protocol) (domain.Downloader, error)
}

// Config locates the local and remote staging areas.
type Config struct {
	DownloadDir   string
	StagingBucket string
}

// StageContext is handed to every stage. Everything but Previous is fixed
// for the run; Previous holds the last stage's result.
type StageContext struct {
	JobID      string
	MediaType  domain.MediaType
	Job        *domain.Job
	WorkDir    string
	Downloader domain.Downloader
	Previous   any
}

// DownloadResult is the download stage's output.
type DownloadResult struct {
	LocalPath string
}

// FilterResult is the filter stage's output.
type FilterResult struct {
	Files           []string
	SourceDirectory string
}

// UploadResult is the upload stage's output.
type UploadResult struct {
	Keys []string
}

type stageFunc func(ctx context.Context, sc *StageContext) (any, error)

type stage struct {
	name   domain.Stage
	status domain.Status
	// checkpoint is the progress reported once the stage finished.
	checkpoint int
	run        stageFunc
}

var stageOrder = []domain.Stage{domain.StageDownload, domain.StageFilter, domain.StageUpload}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithTracer sets the tracer used for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// Pipeline executes jobs. It is safe for concurrent use.
type Pipeline struct {
	downloaders Downloaders
	store       domain.ObjectStore
	telemetry   domain.Telemetry
	cfg         Config
	stages      []stage
	log         zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// New builds the pipeline and its stage table.
func New(downloaders Downloaders, store domain.ObjectStore, telemetry domain.Telemetry, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		downloaders: downloaders,
		store:       store,
		telemetry:   telemetry,
		cfg:         cfg,
		log:         zerolog.Nop(),
		tracer:      otel.Tracer("github.com/cwygoda/fetcher/internal/pipeline"),
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}

	handlers := map[domain.Stage]stage{
		domain.StageDownload: {status: domain.StatusDownloading, checkpoint: 50, run: p.download},
		domain.StageFilter:   {status: domain.StatusFiltering, checkpoint: 50, run: p.filter},
		domain.StageUpload:   {status: domain.StatusUploading, checkpoint: 100, run: p.upload},
	}
	for _, name := range stageOrder {
		s, ok := handlers[name]
		if !ok {
			panic(fmt.Sprintf("pipeline: no handler for stage %q", name))
		}
		s.name = name
		p.stages = append(p.stages, s)
	}
	return p
}

// MarkerKey is the object whose presence means every original of jobID is
// staged.
func MarkerKey(jobID string) string {
	return originalPrefix(jobID) + doneMarker
}

func originalPrefix(jobID string) string {
	return jobID + "/original/"
}

// Run executes job and returns the follow-on convert request. A job whose
// done marker already exists is not downloaded again. lease may be nil.
func (p *Pipeline) Run(ctx context.Context, job *domain.Job, lease domain.Lease) (*domain.ConvertRequest, error) {
	log := p.log.With().Str("job", job.ID).Str("type", string(job.MediaType)).Logger()

	dl, err := p.downloaders.Lookup(job.Protocol)
	if err != nil {
		return nil, err
	}

	workDir := filepath.Join(p.cfg.DownloadDir, job.WorkDirName())
	// Files left by a crashed run must not be staged as this run's originals.
	if err := os.RemoveAll(workDir); err != nil {
		return nil, fmt.Errorf("clear work dir: %w", err)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer p.removeWorkDir(log, workDir)

	_, err = p.store.StatObject(ctx, p.cfg.StagingBucket, MarkerKey(job.ID))
	switch {
	case err == nil:
		log.Info().Msg("originals already staged, resuming")
		p.emitStatus(ctx, log, job.ID, domain.StatusResumable, "")
		return p.convertRequest(job), nil
	case errors.Is(err, domain.ErrObjectNotFound):
	default:
		return nil, fmt.Errorf("check done marker: %w", err)
	}

	p.emitStatus(ctx, log, job.ID, domain.StatusRunning, "")

	sc := &StageContext{
		JobID:      job.ID,
		MediaType:  job.MediaType,
		Job:        job,
		WorkDir:    workDir,
		Downloader: dl,
	}
	for _, s := range p.stages {
		if err := p.runStage(ctx, log, s, sc); err != nil {
			return nil, err
		}
		p.emitProgress(ctx, log, job.ID, s.name, s.checkpoint)
		if lease != nil {
			if err := lease.KeepAlive(ctx); err != nil {
				log.Warn().Err(err).Str("stage", string(s.name)).Msg("lease keep-alive failed")
			}
		}
	}

	return p.convertRequest(job), nil
}

// removeWorkDir deletes workDir and its creator parent once that is empty.
func (p *Pipeline) removeWorkDir(log zerolog.Logger, workDir string) {
	if err := os.RemoveAll(workDir); err != nil {
		log.Warn().Err(err).Str("dir", workDir).Msg("failed to remove work dir")
		return
	}
	if parent := filepath.Dir(workDir); parent != filepath.Clean(p.cfg.DownloadDir) {
		// Fails while another job of the same creator is still running.
		_ = os.Remove(parent)
	}
}

func (p *Pipeline) runStage(ctx context.Context, log zerolog.Logger, s stage, sc *StageContext) error {
	ctx, span := p.tracer.Start(ctx, "stage."+string(s.name), trace.WithAttributes(
		attribute.String("job.id", sc.JobID),
		attribute.String("media.type", string(sc.MediaType)),
	))
	defer span.End()

	p.emitStatus(ctx, log, sc.JobID, s.status, "")
	start := time.Now()

	out, err := s.run(ctx, sc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s stage: %w", s.name, err)
	}
	sc.Previous = out

	log.Info().Str("stage", string(s.name)).Dur("took", time.Since(start)).Msg("stage finished")
	return nil
}

func (p *Pipeline) convertRequest(job *domain.Job) *domain.ConvertRequest {
	return &domain.ConvertRequest{
		ID:        job.ID,
		CreatedAt: p.now().UTC(),
		Media:     job.Media,
	}
}

func (p *Pipeline) emitStatus(ctx context.Context, log zerolog.Logger, jobID string, status domain.Status, detail string) {
	if err := p.telemetry.EmitStatus(ctx, jobID, status, detail); err != nil {
		log.Warn().Err(err).Str("status", string(status)).Msg("failed to emit status")
	}
}

func (p *Pipeline) emitProgress(ctx context.Context, log zerolog.Logger, jobID string, stage domain.Stage, percent int) {
	if err := p.telemetry.EmitProgress(ctx, jobID, stage, percent); err != nil {
		log.Warn().Err(err).Int("percent", percent).Msg("failed to emit progress")
	}
}
