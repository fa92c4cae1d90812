package download

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/cwygoda/fetcher/internal/domain"
)

// FileDownloader copies a local file:// URI into the download directory.
// It reads the worker's filesystem on behalf of job data, so it refuses to
// run unless explicitly allowed.
type FileDownloader struct {
	allow bool
	opts  options
}

// NewFileDownloader creates a file downloader.
func NewFileDownloader(allow bool, opts ...Option) *FileDownloader {
	return &FileDownloader{allow: allow, opts: newOptions(opts)}
}

// Protocol returns the file tag.
func (d *FileDownloader) Protocol() domain.Protocol {
	return domain.ProtocolFile
}

// Download copies the file named by resourceURL into destDir.
func (d *FileDownloader) Download(ctx context.Context, resourceURL, jobID, destDir string) error {
	if !d.allow {
		return domain.ErrFileURLsDisabled
	}

	src, err := filePathFromURI(resourceURL)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	dst := filepath.Join(destDir, filepath.Base(src))
	d.opts.logger.Debug().Str("job", jobID).Str("src", src).Str("dst", dst).Msg("file copy")
	return copyFile(src, dst)
}

func filePathFromURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("%w: not a file uri %q", domain.ErrInvalidDescriptor, raw)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("%w: remote file host %q", domain.ErrInvalidDescriptor, u.Host)
	}
	if u.Path == "" || u.Path == "/" {
		return "", fmt.Errorf("%w: empty file path", domain.ErrInvalidDescriptor)
	}
	return filepath.FromSlash(u.Path), nil
}

// copyFile streams src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
