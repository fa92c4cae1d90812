package telemetry

import (
	"context"
	"errors"

	"github.com/cwygoda/fetcher/internal/domain"
)

// Fanout forwards every event to all sinks, joining their errors.
type Fanout []domain.Telemetry

var _ domain.Telemetry = Fanout(nil)

func (f Fanout) EmitProgress(ctx context.Context, jobID string, stage domain.Stage, percent int) error {
	var errs []error
	for _, t := range f {
		errs = append(errs, t.EmitProgress(ctx, jobID, stage, percent))
	}
	return errors.Join(errs...)
}

func (f Fanout) EmitStatus(ctx context.Context, jobID string, status domain.Status, detail string) error {
	var errs []error
	for _, t := range f {
		errs = append(errs, t.EmitStatus(ctx, jobID, status, detail))
	}
	return errors.Join(errs...)
}
