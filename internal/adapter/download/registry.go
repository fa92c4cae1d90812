// Package download implements the protocol downloaders and the registry
// the pipeline dispatches through.
package download

import (
	"fmt"
	"sort"

	"github.com/cwygoda/fetcher/internal/domain"
)

// Registry maps normalized protocol tags to downloaders.
type Registry struct {
	downloaders map[domain.Protocol]domain.Downloader
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{downloaders: make(map[domain.Protocol]domain.Downloader)}
}

// Register adds d under its protocol, replacing any previous entry.
func (r *Registry) Register(d domain.Downloader) {
	r.downloaders[domain.NormalizeProtocol(string(d.Protocol()))] = d
}

// Lookup returns the downloader for a protocol tag.
func (r *Registry) Lookup(p domain.Protocol) (domain.Downloader, error) {
	d, ok := r.downloaders[domain.NormalizeProtocol(string(p))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProtocol, p)
	}
	return d, nil
}

// Protocols returns the registered tags in sorted order.
func (r *Registry) Protocols() []domain.Protocol {
	out := make([]domain.Protocol, 0, len(r.downloaders))
	for p := range r.downloaders {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
