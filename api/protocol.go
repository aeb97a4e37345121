package api

import (
	"encoding/json"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

const (
	publishMaxSize = 256 * 1024
	storeMaxSize   = 1024 * 1024
	callMaxSize    = 1024 * 1024
	txMaxSize      = 256 * 1024
)

// POST /api/events/publish
type publishRequest struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
	Options   publishOptions  `json:"options,omitempty"`
}

type publishOptions struct {
	Source         string `json:"source,omitempty"`
	CorrelationID  string `json:"correlationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type publishResponse struct {
	EventID string `json:"eventId"`
}

// POST /api/events/store
type storeRequest struct {
	StreamID string       `json:"streamId"`
	Events   []eventInput `json:"events"`
	// ExpectedVersion defaults to -1 (unconditional append) when absent.
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

type eventInput struct {
	Type     string               `json:"type"`
	Data     json.RawMessage      `json:"data,omitempty"`
	Metadata domain.EventMetadata `json:"metadata,omitempty"`
}

// POST /api/events/rebuild
type rebuildRequest struct {
	StreamID      string `json:"streamId"`
	AggregateType string `json:"aggregateType"`
	// FromSnapshot defaults to true when absent.
	FromSnapshot *bool `json:"fromSnapshot,omitempty"`
}

// POST /api/mesh/call
type callRequest struct {
	ServiceName   string            `json:"serviceName"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	SourceService string            `json:"sourceService,omitempty"`
	TimeoutMs     int               `json:"timeoutMs,omitempty"`
}

type callResponse struct {
	Status int         `json:"status"`
	Body   interface{} `json:"body,omitempty"`
}

// POST /api/mesh/register
type registerRequest struct {
	Name      string   `json:"name"`
	Endpoints []string `json:"endpoints"`
}
