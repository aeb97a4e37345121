package domain

import "encoding/json"

// Event is the unit of everything that moves through the core: bus
// deliveries, stream appends and transaction phase records. Events are
// immutable once published.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata EventMetadata   `json:"metadata"`
	// Version is the position of the event inside its stream, 1-indexed.
	// Zero for events that only ever existed on the bus.
	Version int64 `json:"version,omitempty"`
}

// EventMetadata carries the delivery context stamped at publish time.
type EventMetadata struct {
	Source        string `json:"source,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	// Timestamp is unix nanoseconds, strictly monotonic per process.
	Timestamp int64 `json:"timestamp"`
}

// Snapshot is a materialized aggregate state at a given stream version.
// Snapshots are never mutated, only superseded at a higher version.
type Snapshot struct {
	StreamID string          `json:"streamId"`
	Version  int64           `json:"version"`
	State    json.RawMessage `json:"state"`
}

// DeadLetterEntry retains an event whose delivery exhausted its retry
// budget, together with enough failure context to triage it.
type DeadLetterEntry struct {
	Event          Event  `json:"event"`
	SubscriptionID string `json:"subscriptionId"`
	EventType      string `json:"eventType"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"lastError"`
	FailedAt       int64  `json:"failedAt"`
}
