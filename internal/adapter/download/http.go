package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cwygoda/fetcher/internal/domain"
	"github.com/cwygoda/fetcher/internal/watchdog"
)

// HTTPDownloader streams a single remote resource to disk. URLs naming a
// .torrent file are handed to the torrent downloader.
type HTTPDownloader struct {
	client    *http.Client
	torrent   domain.Downloader
	telemetry domain.Telemetry
	opts      options
}

// NewHTTPDownloader creates an HTTP downloader. torrent may be nil, in
// which case .torrent URLs are unsupported.
func NewHTTPDownloader(client *http.Client, torrent domain.Downloader, telemetry domain.Telemetry, opts ...Option) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDownloader{
		client:    client,
		torrent:   torrent,
		telemetry: telemetry,
		opts:      newOptions(opts),
	}
}

// Protocol returns the http tag.
func (d *HTTPDownloader) Protocol() domain.Protocol {
	return domain.ProtocolHTTP
}

// Download fetches resourceURL into destDir, named after the URL's path.
func (d *HTTPDownloader) Download(ctx context.Context, resourceURL, jobID, destDir string) error {
	log := d.opts.logger.With().Str("job", jobID).Logger()

	u, err := url.Parse(resourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: not an http url %q", domain.ErrInvalidDescriptor, resourceURL)
	}

	if strings.EqualFold(path.Ext(u.Path), ".torrent") {
		if d.torrent == nil {
			return fmt.Errorf("%w: torrent", domain.ErrUnsupportedProtocol)
		}
		log.Info().Msg("downloading a .torrent, chaining to torrent downloader")
		return d.torrent.Download(ctx, resourceURL, jobID, destDir)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: unexpected status %s", u.Redacted(), resp.Status)
	}

	output := filepath.Join(destDir, fileNameFromPath(u.Path))
	log.Info().Str("output", output).Int64("size", resp.ContentLength).Msg("http download")

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}

	counter := &byteCounter{}
	stall := watchdog.NewStallTimer(d.opts.stallInterval, counter.value)
	go func() {
		select {
		case <-stall.Stalled():
			cancel()
		case <-reqCtx.Done():
		}
	}()

	if total := resp.ContentLength; total > 0 {
		sampler := watchdog.NewSampler(d.opts.progressInterval,
			func() float64 { return counter.value() / float64(total) * 50 },
			func(pct int) {
				if err := d.telemetry.EmitProgress(ctx, jobID, domain.StageDownload, pct); err != nil {
					log.Warn().Err(err).Msg("emit progress")
				}
			})
		defer sampler.Stop()
	}

	_, copyErr := io.Copy(f, io.TeeReader(resp.Body, counter))
	closeErr := f.Close()
	stall.Stop()

	if copyErr != nil {
		select {
		case <-stall.Stalled():
			v, since := stall.Last()
			return &domain.StallError{JobID: jobID, Progress: progressOf(v, resp.ContentLength), Since: since}
		default:
		}
		return fmt.Errorf("download %s: %w", u.Redacted(), copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", output, closeErr)
	}
	return nil
}

// byteCounter counts bytes written through it.
type byteCounter struct {
	n atomic.Int64
}

func (c *byteCounter) Write(p []byte) (int, error) {
	c.n.Add(int64(len(p)))
	return len(p), nil
}

func (c *byteCounter) value() float64 {
	return float64(c.n.Load())
}

func progressOf(bytes float64, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return bytes / float64(total)
}

func fileNameFromPath(p string) string {
	name := path.Base(p)
	switch name {
	case "", ".", "..", "/":
		return "download"
	}
	return name
}
