package download

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwygoda/fetcher/internal/domain"
	"github.com/cwygoda/fetcher/internal/watchdog"
)

// Transfer is one torrent in the client.
type Transfer interface {
	InfoHash() string
	// GotInfo is closed once metadata arrived.
	GotInfo() <-chan struct{}
	// Progress is the completed fraction in [0, 1].
	Progress() float64
	// Done is closed when every piece is downloaded.
	Done() <-chan struct{}
	Failed() <-chan error
}

// TorrentClient is the process-wide torrent engine shared by all jobs.
type TorrentClient interface {
	Add(ctx context.Context, source, dir string) (Transfer, error)
	Remove(infoHash string) error
}

// TorrentDownloader downloads magnet links and .torrent URLs.
type TorrentDownloader struct {
	client    TorrentClient
	telemetry domain.Telemetry
	opts      options

	mu     sync.Mutex
	hashes map[string]string
	locks  map[string]*sourceLock
}

type sourceLock struct {
	mu   sync.Mutex
	refs int
}

// NewTorrentDownloader creates a downloader over a shared client.
func NewTorrentDownloader(client TorrentClient, telemetry domain.Telemetry, opts ...Option) *TorrentDownloader {
	return &TorrentDownloader{
		client:    client,
		telemetry: telemetry,
		opts:      newOptions(opts),
		hashes:    make(map[string]string),
		locks:     make(map[string]*sourceLock),
	}
}

// Protocol returns the torrent tag.
func (d *TorrentDownloader) Protocol() domain.Protocol {
	return domain.ProtocolTorrent
}

// Download adds source to the client and blocks until it completes, fails,
// stalls or never produces metadata.
func (d *TorrentDownloader) Download(ctx context.Context, source, jobID, destDir string) error {
	unlock := d.lockSource(source)
	defer unlock()

	log := d.opts.logger.With().Str("job", jobID).Logger()
	log.Info().Str("url", truncate(source, 25)).Msg("adding torrent")

	d.evict(source, log)

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	t, err := d.client.Add(ctx, source, destDir)
	if err != nil {
		return fmt.Errorf("add torrent: %w", err)
	}
	hash := t.InfoHash()
	d.remember(source, hash)
	defer d.release(source, hash, log)

	log.Debug().Str("hash", hash).Msg("waiting for metadata")

	meta := time.NewTimer(d.opts.metadataTimeout)
	select {
	case <-t.GotInfo():
		meta.Stop()
	case <-meta.C:
		log.Warn().Dur("timeout", d.opts.metadataTimeout).Msg("no metadata, giving up")
		return fmt.Errorf("%w after %s", domain.ErrMetadataTimeout, d.opts.metadataTimeout)
	case err := <-t.Failed():
		meta.Stop()
		return fmt.Errorf("torrent %s: %w", hash, err)
	case <-ctx.Done():
		meta.Stop()
		return ctx.Err()
	}

	return d.watch(ctx, t, jobID, log)
}

func (d *TorrentDownloader) watch(ctx context.Context, t Transfer, jobID string, log zerolog.Logger) error {
	// Download is the first half of overall job progress.
	sampler := watchdog.NewSampler(d.opts.progressInterval,
		func() float64 { return t.Progress() * 50 },
		func(pct int) {
			log.Info().Int("progress", pct).Msg("download progress")
			if err := d.telemetry.EmitProgress(ctx, jobID, domain.StageDownload, pct); err != nil {
				log.Warn().Err(err).Msg("emit progress")
			}
		})
	defer sampler.Stop()

	stall := watchdog.NewStallTimer(d.opts.stallInterval, t.Progress)
	defer stall.Stop()

	select {
	case <-t.Done():
		log.Debug().Msg("finished, clearing watchers")
		return nil
	case err := <-t.Failed():
		log.Error().Err(err).Msg("torrent error")
		return fmt.Errorf("torrent %s: %w", t.InfoHash(), err)
	case <-stall.Stalled():
		v, since := stall.Last()
		log.Warn().Float64("progress", v).Time("since", since).Msg("download stalled")
		return &domain.StallError{JobID: jobID, Progress: v, Since: since}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockSource serializes jobs that share a source so one job's cleanup
// cannot remove another's torrent.
func (d *TorrentDownloader) lockSource(source string) func() {
	d.mu.Lock()
	l, ok := d.locks[source]
	if !ok {
		l = &sourceLock{}
		d.locks[source] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, source)
		}
		d.mu.Unlock()
	}
}

// evict removes a torrent left in the client by an earlier attempt.
func (d *TorrentDownloader) evict(source string, log zerolog.Logger) {
	d.mu.Lock()
	hash, ok := d.hashes[source]
	delete(d.hashes, source)
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := d.client.Remove(hash); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("failed to remove already processed torrent from the client")
	}
}

func (d *TorrentDownloader) remember(source, hash string) {
	d.mu.Lock()
	d.hashes[source] = hash
	d.mu.Unlock()
}

func (d *TorrentDownloader) release(source, hash string, log zerolog.Logger) {
	if err := d.client.Remove(hash); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("remove torrent")
	}
	d.mu.Lock()
	if d.hashes[source] == hash {
		delete(d.hashes, source)
	}
	d.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
