package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cwygoda/fetcher/internal/domain"
)

// StoreFactory opens an object store for a remote endpoint.
type StoreFactory func(ctx context.Context, endpoint, accessKey, secretKey string) (domain.ObjectStore, error)

// BucketSource is a parsed bucket:// pseudo-URL.
type BucketSource struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	SubFolder string
}

// ParseBucketURI parses bucket://endpoint,bucketName,accessKey,secretKey,subFolder.
func ParseBucketURI(raw string) (BucketSource, error) {
	params := strings.Split(strings.TrimPrefix(raw, "bucket://"), ",")
	if len(params) != 5 {
		return BucketSource{}, fmt.Errorf("%w: bucket uri needs 5 fields, got %d", domain.ErrInvalidDescriptor, len(params))
	}
	src := BucketSource{
		Endpoint:  params[0],
		Bucket:    params[1],
		AccessKey: params[2],
		SecretKey: params[3],
		SubFolder: params[4],
	}
	if src.Endpoint == "" || src.Bucket == "" {
		return BucketSource{}, fmt.Errorf("%w: bucket uri missing endpoint or bucket", domain.ErrInvalidDescriptor)
	}
	return src, nil
}

// Prefix is the listing prefix for the sub-folder, with a trailing slash.
func (s BucketSource) Prefix() string {
	p := strings.Trim(s.SubFolder, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// BucketDownloader copies every object under a remote bucket sub-folder.
type BucketDownloader struct {
	open StoreFactory
	opts options
}

// NewBucketDownloader creates a bucket downloader.
func NewBucketDownloader(open StoreFactory, opts ...Option) *BucketDownloader {
	return &BucketDownloader{open: open, opts: newOptions(opts)}
}

// Protocol returns the bucket tag.
func (d *BucketDownloader) Protocol() domain.Protocol {
	return domain.ProtocolBucket
}

// Download mirrors the sub-folder's layout under destDir.
func (d *BucketDownloader) Download(ctx context.Context, resourceURL, jobID, destDir string) error {
	src, err := ParseBucketURI(resourceURL)
	if err != nil {
		return err
	}
	log := d.opts.logger.With().Str("job", jobID).Str("bucket", src.Bucket).Logger()
	log.Info().Str("endpoint", src.Endpoint).Msg("using s3 endpoint")

	store, err := d.open(ctx, src.Endpoint, src.AccessKey, src.SecretKey)
	if err != nil {
		return fmt.Errorf("open bucket endpoint %s: %w", src.Endpoint, err)
	}

	prefix := src.Prefix()
	items, err := store.ListObjects(ctx, src.Bucket, prefix)
	if err != nil {
		return fmt.Errorf("list %s/%s: %w", src.Bucket, prefix, err)
	}

	root, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Key == "" || strings.HasSuffix(item.Key, "/") {
			continue
		}
		rel := strings.TrimPrefix(item.Key, prefix)
		target := filepath.Join(root, filepath.FromSlash(rel))
		if !within(root, target) {
			return fmt.Errorf("%w: object key %q escapes download dir", domain.ErrInvalidDescriptor, item.Key)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}

		log.Info().Str("key", item.Key).Str("target", target).Msg("downloading object")
		if err := store.FGetObject(ctx, src.Bucket, item.Key, target); err != nil {
			return fmt.Errorf("fetch %s: %w", item.Key, err)
		}
	}
	return nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
