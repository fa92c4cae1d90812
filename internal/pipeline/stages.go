package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/cwygoda/fetcher/internal/domain"
	"github.com/cwygoda/fetcher/internal/mediafiles"
)

func (p *Pipeline) download(ctx context.Context, sc *StageContext) (any, error) {
	p.emitProgress(ctx, p.log, sc.JobID, domain.StageDownload, 0)
	if err := sc.Downloader.Download(ctx, sc.Job.SourceURI, sc.JobID, sc.WorkDir); err != nil {
		return nil, err
	}
	return DownloadResult{LocalPath: sc.WorkDir}, nil
}

func (p *Pipeline) filter(ctx context.Context, sc *StageContext) (any, error) {
	prev, ok := sc.Previous.(DownloadResult)
	if !ok {
		return nil, fmt.Errorf("filter: unexpected input %T", sc.Previous)
	}
	files, err := mediafiles.Select(prev.LocalPath, sc.MediaType)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", domain.ErrEmptySelection, prev.LocalPath)
	}
	return FilterResult{Files: files, SourceDirectory: prev.LocalPath}, nil
}

// upload replaces whatever a crashed attempt left under the job's original
// prefix, then writes the done marker once every file is stored.
func (p *Pipeline) upload(ctx context.Context, sc *StageContext) (any, error) {
	prev, ok := sc.Previous.(FilterResult)
	if !ok {
		return nil, fmt.Errorf("upload: unexpected input %T", sc.Previous)
	}
	bucket := p.cfg.StagingBucket

	exists, err := p.store.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := p.store.MakeBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}

	prefix := originalPrefix(sc.JobID)
	stale, err := p.store.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		keys := make([]string, len(stale))
		for i, o := range stale {
			keys[i] = o.Key
		}
		if err := p.store.RemoveObjects(ctx, bucket, keys); err != nil {
			return nil, fmt.Errorf("remove stale originals: %w", err)
		}
	}

	total := len(prev.Files)
	keys := make([]string, 0, total)
	for i, f := range prev.Files {
		key := prefix + filepath.Base(f)
		if err := p.store.FPutObject(ctx, bucket, key, f); err != nil {
			return nil, err
		}
		keys = append(keys, key)
		p.emitProgress(ctx, p.log, sc.JobID, domain.StageUpload, 50+50*(i+1)/total)
	}

	if err := p.store.PutObject(ctx, bucket, MarkerKey(sc.JobID), bytes.NewReader(nil), 0); err != nil {
		return nil, fmt.Errorf("write done marker: %w", err)
	}
	return UploadResult{Keys: keys}, nil
}
