package domain

import (
	"context"
	"io"
	"time"
)

// Downloader fetches a source into a destination directory. One
// implementation exists per protocol tag.
type Downloader interface {
	Protocol() Protocol
	Download(ctx context.Context, sourceURI, jobID, destDir string) error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the driven port for S3-like storage. StatObject and
// GetObject return ErrObjectNotFound for missing keys.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	FPutObject(ctx context.Context, bucket, key, path string) error
	StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	FGetObject(ctx context.Context, bucket, key, path string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	RemoveObjects(ctx context.Context, bucket string, keys []string) error
	RemoveBucket(ctx context.Context, bucket string) error
}

// Delivery is one message handed out by a Queue. Receipt is the broker's
// opaque handle for acking it.
type Delivery struct {
	ID       string
	Topic    string
	Body     []byte
	Headers  map[string]string
	Attempts int
	Receipt  string
}

// Handler processes one delivery and settles it through the Queue.
type Handler func(ctx context.Context, d *Delivery)

// Publisher publishes payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error
}

// Queue is the driven port for the message broker.
type Queue interface {
	Publisher
	Consume(ctx context.Context, topic string, concurrency int, h Handler) error
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery) error
	// Touch renews the delivery's lease so the broker does not hand it
	// to another worker.
	Touch(ctx context.Context, d *Delivery) error
}

// Lease keeps an in-flight delivery owned by this worker.
type Lease interface {
	KeepAlive(ctx context.Context) error
}

// Telemetry receives job progress and status updates.
type Telemetry interface {
	EmitProgress(ctx context.Context, jobID string, stage Stage, percent int) error
	EmitStatus(ctx context.Context, jobID string, status Status, detail string) error
}

// StatusRepository is the persisted view of reported job states.
type StatusRepository interface {
	Telemetry
	Get(ctx context.Context, jobID string) (*JobRecord, error)
	RecoverStale(ctx context.Context) (int64, error)
}
