// Package bittorrent adapts the anacrolix torrent engine to the
// download.TorrentClient port.
package bittorrent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/rs/zerolog"

	"github.com/cwygoda/fetcher/internal/adapter/download"
)

// Config holds engine settings.
type Config struct {
	DataDir    string
	ListenPort int
	// Seed keeps uploading after a transfer completes.
	Seed bool
	// PollInterval is how often completion is checked.
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

// Client is the process-wide torrent engine. Each added torrent gets file
// storage rooted at its job's download directory.
type Client struct {
	cl   *torrent.Client
	http *http.Client
	poll time.Duration
	log  zerolog.Logger

	mu       sync.Mutex
	storages map[string]storage.ClientImplCloser
}

var _ download.TorrentClient = (*Client)(nil)

// New starts the engine.
func New(cfg Config) (*Client, error) {
	tc := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		tc.DataDir = cfg.DataDir
	}
	tc.ListenPort = cfg.ListenPort
	tc.Seed = cfg.Seed

	cl, err := torrent.NewClient(tc)
	if err != nil {
		return nil, fmt.Errorf("start torrent client: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: time.Minute}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &Client{
		cl:       cl,
		http:     hc,
		poll:     poll,
		log:      cfg.Logger,
		storages: make(map[string]storage.ClientImplCloser),
	}, nil
}

// Add registers a magnet link or .torrent URL, storing its files under dir.
func (c *Client) Add(ctx context.Context, source, dir string) (download.Transfer, error) {
	spec, err := c.specFor(ctx, source)
	if err != nil {
		return nil, err
	}

	store := storage.NewFile(dir)
	spec.Storage = store

	t, isNew, err := c.cl.AddTorrentSpec(spec)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("add torrent: %w", err)
	}

	hash := t.InfoHash().HexString()
	if isNew {
		c.mu.Lock()
		c.storages[hash] = store
		c.mu.Unlock()
	} else {
		// Already in the client under its original storage.
		store.Close()
	}
	c.log.Debug().Str("infohash", hash).Str("dir", dir).Msg("torrent added")

	tr := &transfer{t: t, done: make(chan struct{}), failed: make(chan error, 1)}
	go tr.watch(c.poll)
	return tr, nil
}

// Remove drops the torrent and releases its storage. Unknown hashes are
// ignored.
func (c *Client) Remove(infoHash string) error {
	if t, ok := c.cl.Torrent(metainfo.NewHashFromHex(infoHash)); ok {
		t.Drop()
	}

	c.mu.Lock()
	store, ok := c.storages[infoHash]
	delete(c.storages, infoHash)
	c.mu.Unlock()

	if ok {
		c.log.Debug().Str("infohash", infoHash).Msg("torrent removed")
		return store.Close()
	}
	return nil
}

// Close stops the engine.
func (c *Client) Close() error {
	c.mu.Lock()
	for h, s := range c.storages {
		s.Close()
		delete(c.storages, h)
	}
	c.mu.Unlock()
	return errors.Join(c.cl.Close()...)
}

func (c *Client) specFor(ctx context.Context, source string) (*torrent.TorrentSpec, error) {
	if strings.HasPrefix(source, "magnet:") {
		spec, err := torrent.TorrentSpecFromMagnetUri(source)
		if err != nil {
			return nil, fmt.Errorf("parse magnet: %w", err)
		}
		return spec, nil
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		mi, err := c.fetchMetaInfo(ctx, source)
		if err != nil {
			return nil, err
		}
		return torrent.TorrentSpecFromMetaInfoErr(mi)
	}
	return nil, fmt.Errorf("unsupported torrent source %q", source)
}

func (c *Client) fetchMetaInfo(ctx context.Context, url string) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch torrent file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch torrent file: status %d", resp.StatusCode)
	}

	mi, err := metainfo.Load(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("parse torrent file: %w", err)
	}
	return mi, nil
}

type transfer struct {
	t      *torrent.Torrent
	done   chan struct{}
	failed chan error
}

func (tr *transfer) InfoHash() string         { return tr.t.InfoHash().HexString() }
func (tr *transfer) GotInfo() <-chan struct{} { return tr.t.GotInfo() }
func (tr *transfer) Done() <-chan struct{}    { return tr.done }
func (tr *transfer) Failed() <-chan error     { return tr.failed }

func (tr *transfer) Progress() float64 {
	if tr.t.Info() == nil {
		return 0
	}
	return fraction(tr.t.BytesCompleted(), tr.t.Length())
}

// watch starts fetching every piece once metadata is in, then closes done
// on completion or reports a dropped torrent as failed.
func (tr *transfer) watch(poll time.Duration) {
	select {
	case <-tr.t.GotInfo():
	case <-tr.t.Closed():
		tr.failed <- errors.New("torrent dropped before metadata")
		return
	}
	tr.t.DownloadAll()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if tr.t.BytesCompleted() >= tr.t.Length() {
			close(tr.done)
			return
		}
		select {
		case <-ticker.C:
		case <-tr.t.Closed():
			tr.failed <- errors.New("torrent dropped")
			return
		}
	}
}

func fraction(completed, total int64) float64 {
	if total <= 0 {
		return 1
	}
	f := float64(completed) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}
