package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// MediaType selects the file selection heuristics for a job.
type MediaType string

const (
	MediaTV    MediaType = "tv"
	MediaMovie MediaType = "movie"
)

// Protocol is the normalized tag selecting a downloader.
type Protocol string

const (
	ProtocolHTTP    Protocol = "http"
	ProtocolTorrent Protocol = "torrent"
	ProtocolFile    Protocol = "file"
	ProtocolBucket  Protocol = "bucket"
)

// Stage identifies a pipeline stage in telemetry.
type Stage string

const (
	StageDownload Stage = "download"
	StageFilter   Stage = "filter"
	StageUpload   Stage = "upload"
)

// Status is the externally reported state of a job.
type Status string

const (
	StatusInit        Status = "init"
	StatusResumable   Status = "resumable"
	StatusRunning     Status = "running"
	StatusDownloading Status = "downloading"
	StatusFiltering   Status = "filtering"
	StatusUploading   Status = "uploading"
	StatusDone        Status = "done"
	StatusStalled     Status = "stalled"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions follow s for this run.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusStalled || s == StatusFailed
}

var (
	safeIDPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	descriptorPattern = regexp.MustCompile(`^\[([A-Za-z]+)\]\((.+)\)$`)
)

// Job is one unit of work, built from a decoded queue message.
type Job struct {
	ID        string
	CreatorID string
	SourceURI string
	Protocol  Protocol
	MediaType MediaType
	Media     Media
}

// NewJob validates a media descriptor and resolves its source.
func NewJob(m Media) (*Job, error) {
	if !safeIDPattern.MatchString(m.ID) {
		return nil, fmt.Errorf("%w: unsafe id %q", ErrInvalidDescriptor, m.ID)
	}
	if m.CreatorID != "" && !safeIDPattern.MatchString(m.CreatorID) {
		return nil, fmt.Errorf("%w: unsafe creatorId %q", ErrInvalidDescriptor, m.CreatorID)
	}

	proto, uri, err := ResolveSource(m.Source, m.SourceURI, m.Download)
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:        m.ID,
		CreatorID: m.CreatorID,
		SourceURI: uri,
		Protocol:  proto,
		MediaType: m.MediaType(),
		Media:     m,
	}, nil
}

// WorkDirName is the job's transient local download directory, relative
// to the download root. Jobs of one creator share a parent but never a
// directory.
func (j *Job) WorkDirName() string {
	if j.CreatorID != "" {
		return filepath.Join(j.CreatorID, j.ID)
	}
	return j.ID
}

// NormalizeProtocol lower-cases a protocol tag and folds aliases.
func NormalizeProtocol(s string) Protocol {
	p := strings.ToLower(strings.TrimSpace(s))
	switch p {
	case "https":
		return ProtocolHTTP
	case "magnet":
		return ProtocolTorrent
	}
	return Protocol(p)
}

// ParseDescriptor splits a "[protocol](url)" download field.
func ParseDescriptor(s string) (Protocol, string, error) {
	m := descriptorPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", fmt.Errorf("%w: malformed download field %q", ErrInvalidDescriptor, s)
	}
	return NormalizeProtocol(m[1]), m[2], nil
}

// ResolveSource picks the protocol and source URI for a job. An explicit
// source wins over the download descriptor; the descriptor's url fills an
// empty sourceURI.
func ResolveSource(source, sourceURI, download string) (Protocol, string, error) {
	proto := NormalizeProtocol(source)
	uri := strings.TrimSpace(sourceURI)

	if download != "" {
		dp, durl, err := ParseDescriptor(download)
		if err != nil && proto == "" {
			return "", "", err
		}
		if err == nil {
			if proto == "" {
				proto = dp
			}
			if uri == "" {
				uri = durl
			}
		}
	}

	if proto == "" {
		return "", "", fmt.Errorf("%w: no protocol", ErrInvalidDescriptor)
	}
	if uri == "" {
		return "", "", fmt.Errorf("%w: no source uri", ErrInvalidDescriptor)
	}
	return proto, uri, nil
}

// JobRecord is the ledger view of a job's last reported state.
type JobRecord struct {
	ID        string
	Status    Status
	Stage     Stage
	Progress  int
	Runs      int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
