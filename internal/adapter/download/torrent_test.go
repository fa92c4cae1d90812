package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwygoda/fetcher/internal/domain"
)

// mockTelemetry records progress emissions.
type mockTelemetry struct {
	mu       sync.Mutex
	progress []int
}

func (m *mockTelemetry) EmitProgress(ctx context.Context, jobID string, stage domain.Stage, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, percent)
	return nil
}

func (m *mockTelemetry) EmitStatus(ctx context.Context, jobID string, status domain.Status, detail string) error {
	return nil
}

func (m *mockTelemetry) emitted() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.progress...)
}

type mockTransfer struct {
	hash     string
	gotInfo  chan struct{}
	done     chan struct{}
	failed   chan error
	progress atomic.Value
	reads    atomic.Int64
}

func newMockTransfer(hash string) *mockTransfer {
	t := &mockTransfer{
		hash:    hash,
		gotInfo: make(chan struct{}),
		done:    make(chan struct{}),
		failed:  make(chan error, 1),
	}
	t.progress.Store(0.0)
	return t
}

func (t *mockTransfer) InfoHash() string         { return t.hash }
func (t *mockTransfer) GotInfo() <-chan struct{} { return t.gotInfo }
func (t *mockTransfer) Done() <-chan struct{}    { return t.done }
func (t *mockTransfer) Failed() <-chan error     { return t.failed }
func (t *mockTransfer) setProgress(v float64)    { t.progress.Store(v) }
func (t *mockTransfer) Progress() float64 {
	t.reads.Add(1)
	return t.progress.Load().(float64)
}

type mockClient struct {
	mu      sync.Mutex
	next    *mockTransfer
	addErr  error
	added   []string
	removed []string
}

func (c *mockClient) Add(ctx context.Context, source, dir string) (Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addErr != nil {
		return nil, c.addErr
	}
	c.added = append(c.added, source)
	return c.next, nil
}

func (c *mockClient) Remove(infoHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, infoHash)
	return nil
}

func (c *mockClient) removedHashes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

func fastOptions() []Option {
	return []Option{
		WithMetadataTimeout(50 * time.Millisecond),
		WithProgressInterval(5 * time.Millisecond),
		WithStallInterval(30 * time.Millisecond),
	}
}

func TestTorrentDownloader_Success(t *testing.T) {
	tr := newMockTransfer("hash-1")
	client := &mockClient{next: tr}
	tele := &mockTelemetry{}
	d := NewTorrentDownloader(client, tele, fastOptions()...)

	go func() {
		close(tr.gotInfo)
		for _, p := range []float64{0.2, 0.6, 1.0} {
			time.Sleep(10 * time.Millisecond)
			tr.setProgress(p)
		}
		time.Sleep(10 * time.Millisecond)
		close(tr.done)
	}()

	if err := d.Download(context.Background(), "magnet:?xt=urn:btih:1", "job", t.TempDir()); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	if got := client.removedHashes(); len(got) != 1 || got[0] != "hash-1" {
		t.Errorf("removed = %v, want [hash-1]", got)
	}
	if d.tracked() != 0 {
		t.Errorf("tracked() = %d, want 0 after completion", d.tracked())
	}

	emitted := tele.emitted()
	if len(emitted) == 0 {
		t.Fatal("no progress emitted")
	}
	for i := 1; i < len(emitted); i++ {
		if emitted[i] == emitted[i-1] {
			t.Errorf("duplicate progress emission %v", emitted)
		}
	}
	for _, p := range emitted {
		if p < 0 || p > 50 {
			t.Errorf("progress %d outside the download half", p)
		}
	}
}

func TestTorrentDownloader_Stall(t *testing.T) {
	tr := newMockTransfer("hash-stall")
	tr.setProgress(0.42)
	close(tr.gotInfo)
	client := &mockClient{next: tr}
	d := NewTorrentDownloader(client, &mockTelemetry{}, fastOptions()...)

	err := d.Download(context.Background(), "magnet:?xt=urn:btih:dead", "job", t.TempDir())
	if !errors.Is(err, domain.ErrStalled) {
		t.Fatalf("Download() error = %v, want ErrStalled", err)
	}
	var stall *domain.StallError
	if !errors.As(err, &stall) || stall.Code() != domain.StallCode {
		t.Errorf("error %v does not carry the stall code", err)
	}
	if stall != nil && stall.Progress != 0.42 {
		t.Errorf("StallError.Progress = %v, want 0.42", stall.Progress)
	}

	reads := tr.reads.Load()
	time.Sleep(50 * time.Millisecond)
	if got := tr.reads.Load(); got != reads {
		t.Errorf("progress read %d times after Download returned, timers still running", got-reads)
	}
	if got := client.removedHashes(); len(got) != 1 || got[0] != "hash-stall" {
		t.Errorf("removed = %v, want [hash-stall]", got)
	}
}

func TestTorrentDownloader_MetadataTimeout(t *testing.T) {
	tr := newMockTransfer("hash-meta")
	client := &mockClient{next: tr}
	d := NewTorrentDownloader(client, &mockTelemetry{}, fastOptions()...)

	err := d.Download(context.Background(), "magnet:?xt=urn:btih:nopeers", "job", t.TempDir())
	if !errors.Is(err, domain.ErrMetadataTimeout) {
		t.Fatalf("Download() error = %v, want ErrMetadataTimeout", err)
	}
	if domain.IsStall(err) {
		t.Error("metadata timeout classified as stall")
	}
	if got := client.removedHashes(); len(got) != 1 {
		t.Errorf("removed = %v, want torrent removed", got)
	}
}

func TestTorrentDownloader_TransferError(t *testing.T) {
	tr := newMockTransfer("hash-err")
	close(tr.gotInfo)
	tr.failed <- errors.New("tracker exploded")
	client := &mockClient{next: tr}
	d := NewTorrentDownloader(client, &mockTelemetry{}, fastOptions()...)

	err := d.Download(context.Background(), "magnet:?xt=urn:btih:err", "job", t.TempDir())
	if err == nil || domain.IsStall(err) {
		t.Fatalf("Download() error = %v, want transfer error", err)
	}
}

func TestTorrentDownloader_AddError(t *testing.T) {
	client := &mockClient{addErr: errors.New("invalid magnet")}
	d := NewTorrentDownloader(client, &mockTelemetry{}, fastOptions()...)

	if err := d.Download(context.Background(), "magnet:bad", "job", t.TempDir()); err == nil {
		t.Fatal("Download() error = nil, want add error")
	}
	if d.tracked() != 0 {
		t.Errorf("tracked() = %d, want 0", d.tracked())
	}
}

func TestTorrentDownloader_EvictsPreviousSubmission(t *testing.T) {
	tr := newMockTransfer("hash-new")
	close(tr.gotInfo)
	close(tr.done)
	client := &mockClient{next: tr}
	d := NewTorrentDownloader(client, &mockTelemetry{}, fastOptions()...)

	// a mapping left behind by an attempt that never cleaned up
	d.remember("magnet:?xt=urn:btih:same", "hash-old")

	if err := d.Download(context.Background(), "magnet:?xt=urn:btih:same", "job", t.TempDir()); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	got := client.removedHashes()
	if len(got) != 2 || got[0] != "hash-old" || got[1] != "hash-new" {
		t.Errorf("removed = %v, want [hash-old hash-new]", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("magnet:?xt=urn:btih:0123456789abcdef", 10); got != "magnet:?xt..." {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
}

// tracked reports how many sources currently map to a torrent.
func (d *TorrentDownloader) tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hashes)
}
