package download

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults for the transfer watchdogs.
const (
	DefaultMetadataTimeout  = 240 * time.Second
	DefaultProgressInterval = 30 * time.Second
	DefaultStallInterval    = 240 * time.Second
)

type options struct {
	logger           zerolog.Logger
	metadataTimeout  time.Duration
	progressInterval time.Duration
	stallInterval    time.Duration
}

// Option configures a downloader.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger:           zerolog.Nop(),
		metadataTimeout:  DefaultMetadataTimeout,
		progressInterval: DefaultProgressInterval,
		stallInterval:    DefaultStallInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetadataTimeout bounds how long a torrent may take to produce metadata.
func WithMetadataTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.metadataTimeout = d
		}
	}
}

// WithProgressInterval sets how often transfer progress is sampled.
func WithProgressInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.progressInterval = d
		}
	}
}

// WithStallInterval sets the window after which unchanged progress is a stall.
func WithStallInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stallInterval = d
		}
	}
}
