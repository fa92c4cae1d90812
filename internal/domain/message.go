package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Media is the media descriptor carried by pipeline messages. Fields the
// worker does not read travel through Metadata untouched.
type Media struct {
	ID        string         `json:"id"`
	CreatorID string         `json:"creatorId,omitempty"`
	Name      string         `json:"name,omitempty"`
	Type      string         `json:"type,omitempty"`
	Labels    []string       `json:"labels,omitempty"`
	Source    string         `json:"source,omitempty"`
	SourceURI string         `json:"sourceURI,omitempty"`
	Download  string         `json:"download,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MediaType classifies the descriptor. An explicit type wins; otherwise a
// "Movie" label marks a movie and everything else is treated as tv.
func (m Media) MediaType() MediaType {
	switch strings.ToLower(strings.TrimSpace(m.Type)) {
	case string(MediaMovie):
		return MediaMovie
	case string(MediaTV):
		return MediaTV
	}
	for _, l := range m.Labels {
		if strings.EqualFold(l, "movie") {
			return MediaMovie
		}
	}
	return MediaTV
}

// NewMediaMessage is the inbound "new media" payload.
type NewMediaMessage struct {
	ID        string    `json:"id,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Media     Media     `json:"media"`
}

// ConvertRequest is the follow-on payload published once the original
// files are staged. Publishing is at-least-once: consumers of the
// convert topic must tolerate duplicates.
type ConvertRequest struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Media     Media     `json:"media"`
}

// DecodeNewMedia decodes an inbound message body into a validated job.
func DecodeNewMedia(body []byte) (*Job, error) {
	var msg NewMediaMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if msg.Media.ID == "" {
		msg.Media.ID = msg.ID
	}
	return NewJob(msg.Media)
}
