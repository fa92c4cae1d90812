package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/cwygoda/fetcher/internal/domain"
	"github.com/cwygoda/fetcher/internal/pipeline"
)

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job *domain.Job, lease domain.Lease) (*domain.ConvertRequest, error)
}

// Config controls consumption.
type Config struct {
	InboundTopic  string
	OutboundTopic string
	Concurrency   int
	// MaxAttempts caps redeliveries; a failure on the last attempt is acked.
	MaxAttempts int
	// Heartbeat is how often an in-flight delivery's lease is renewed.
	Heartbeat time.Duration
	// BusyDelay is how long a delivery that collides with a running job
	// is held before it goes back to the queue.
	BusyDelay time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithPropagator sets how trace context travels in message headers.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(w *Worker) { w.propagator = p }
}

// Worker consumes new-media messages, runs them and publishes convert
// requests.
type Worker struct {
	queue      domain.Queue
	runner     Runner
	telemetry  domain.Telemetry
	active     *ActiveJobs
	cfg        Config
	log        zerolog.Logger
	propagator propagation.TextMapPropagator
}

// New creates a new worker.
func New(queue domain.Queue, runner Runner, telemetry domain.Telemetry, active *ActiveJobs, cfg Config, opts ...Option) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = 15 * time.Second
	}
	w := &Worker{
		queue:      queue,
		runner:     runner,
		telemetry:  telemetry,
		active:     active,
		cfg:        cfg,
		log:        zerolog.Nop(),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run consumes until ctx is cancelled and every in-flight job settled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Str("topic", w.cfg.InboundTopic).
		Int("concurrency", w.cfg.Concurrency).
		Msg("worker started")
	err := w.queue.Consume(ctx, w.cfg.InboundTopic, w.cfg.Concurrency, w.handle)
	w.log.Info().Msg("worker stopped")
	return err
}

func (w *Worker) handle(ctx context.Context, d *domain.Delivery) {
	ctx = w.propagator.Extract(ctx, propagation.MapCarrier(d.Headers))
	// Settlement must outlive a shutdown-cancelled ctx.
	settleCtx := context.WithoutCancel(ctx)

	log := w.log.With().Str("delivery", d.ID).Int("attempt", d.Attempts).Logger()

	job, err := domain.DecodeNewMedia(d.Body)
	if err != nil {
		log.Error().Err(err).Msg("dropping undecodable message")
		w.settle(settleCtx, log, d, true)
		return
	}
	log = log.With().Str("job", job.ID).Str("type", string(job.MediaType)).Logger()

	if !w.active.Add(job.ID, job.WorkDirName()) {
		w.busy(ctx, settleCtx, log, d)
		return
	}
	defer w.active.Remove(job.ID)

	stop := w.heartbeat(ctx, log, d)
	req, err := w.runner.Run(ctx, job, &deliveryLease{queue: w.queue, delivery: d})
	stop()

	if err != nil {
		w.fail(ctx, settleCtx, log, d, job, err)
		return
	}

	if err := w.publish(settleCtx, req); err != nil {
		log.Error().Err(err).Msg("publish convert request failed")
		w.emitStatus(settleCtx, log, job.ID, domain.StatusFailed, err.Error())
		w.settle(settleCtx, log, d, d.Attempts >= w.cfg.MaxAttempts)
		return
	}
	w.settle(settleCtx, log, d, true)
	w.emitStatus(settleCtx, log, job.ID, domain.StatusDone, "")
	log.Info().Msg("job done")
}

// busy settles a delivery whose job or work directory is held by a running
// job. It waits first so a free slot does not spin on the same message,
// and drops it once attempts run out; the running job settles its own copy.
func (w *Worker) busy(ctx, settleCtx context.Context, log zerolog.Logger, d *domain.Delivery) {
	last := d.Attempts >= w.cfg.MaxAttempts
	log.Warn().Bool("dropped", last).Msg("job or work dir busy")
	if last {
		w.settle(settleCtx, log, d, true)
		return
	}
	t := time.NewTimer(w.cfg.BusyDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	w.settle(settleCtx, log, d, false)
}

func (w *Worker) fail(ctx, settleCtx context.Context, log zerolog.Logger, d *domain.Delivery, job *domain.Job, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		log.Warn().Err(err).Msg("job interrupted by shutdown")
		w.settle(settleCtx, log, d, false)
		return
	}

	outcome := pipeline.Classify(err)
	detail := err.Error()
	if outcome.Status == domain.StatusStalled {
		detail = domain.StallCode
	}
	log.Error().Err(err).Str("status", string(outcome.Status)).Bool("ack", outcome.Ack).Msg("job failed")
	w.emitStatus(settleCtx, log, job.ID, outcome.Status, detail)

	ack := outcome.Ack
	if !ack && d.Attempts >= w.cfg.MaxAttempts {
		log.Warn().Int("max_attempts", w.cfg.MaxAttempts).Msg("giving up on message")
		ack = true
	}
	w.settle(settleCtx, log, d, ack)
}

func (w *Worker) publish(ctx context.Context, req *domain.ConvertRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	headers := make(map[string]string)
	w.propagator.Inject(ctx, propagation.MapCarrier(headers))
	return w.queue.Publish(ctx, w.cfg.OutboundTopic, payload, headers)
}

func (w *Worker) settle(ctx context.Context, log zerolog.Logger, d *domain.Delivery, ack bool) {
	var err error
	if ack {
		err = w.queue.Ack(ctx, d)
	} else {
		err = w.queue.Nack(ctx, d)
	}
	if err != nil {
		log.Error().Err(err).Bool("ack", ack).Msg("settle failed")
	}
}

func (w *Worker) emitStatus(ctx context.Context, log zerolog.Logger, jobID string, status domain.Status, detail string) {
	if err := w.telemetry.EmitStatus(ctx, jobID, status, detail); err != nil {
		log.Warn().Err(err).Str("status", string(status)).Msg("failed to emit status")
	}
}

// heartbeat renews the delivery's lease until the returned func is called.
func (w *Worker) heartbeat(ctx context.Context, log zerolog.Logger, d *domain.Delivery) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Touch(ctx, d); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("lease renewal failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

type deliveryLease struct {
	queue    domain.Queue
	delivery *domain.Delivery
}

func (l *deliveryLease) KeepAlive(ctx context.Context) error {
	return l.queue.Touch(ctx, l.delivery)
}
