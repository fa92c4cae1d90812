package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Janitor periodically removes work directories left behind by crashed
// runs.
type Janitor struct {
	dir    string
	maxAge time.Duration
	active *ActiveJobs
	cron   *cron.Cron
	log    zerolog.Logger
	now    func() time.Time
}

// NewJanitor schedules sweeps of dir on a cron spec such as "@every 1h".
func NewJanitor(dir, schedule string, maxAge time.Duration, active *ActiveJobs, log zerolog.Logger) (*Janitor, error) {
	j := &Janitor{
		dir:    dir,
		maxAge: maxAge,
		active: active,
		cron:   cron.New(),
		log:    log,
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep() }); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts scheduling and waits for a running sweep or ctx.
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep removes entries of the download dir older than maxAge that no
// running job owns. It returns how many were removed.
func (j *Janitor) Sweep() int {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.Error().Err(err).Str("dir", j.dir).Msg("janitor: read dir failed")
		}
		return 0
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, e := range entries {
		if j.active.UsesWorkDir(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			j.log.Warn().Err(err).Str("path", path).Msg("janitor: remove failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		j.log.Info().Int("count", removed).Msg("janitor: removed stale work dirs")
	}
	return removed
}
