package eventstore

import (
	"context"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

// AnyVersion is the expectedVersion sentinel for an unconditional append.
const AnyVersion int64 = -1

// AppendResult reports a successful atomic append.
type AppendResult struct {
	StreamID       string   `json:"streamId"`
	NewVersion     int64    `json:"newVersion"`
	StoredEventIDs []string `json:"storedEventIds"`
}

// StreamSlice is one page of a stream read.
type StreamSlice struct {
	Events        []domain.Event `json:"events"`
	IsEndOfStream bool           `json:"isEndOfStream"`
}

// Rebuilt is the outcome of an aggregate rebuild.
type Rebuilt struct {
	State   interface{} `json:"state"`
	Version int64       `json:"version"`
}

// Statistics summarizes the stored data set.
type Statistics struct {
	TotalStreams        int64   `json:"totalStreams"`
	TotalEvents         int64   `json:"totalEvents"`
	SnapshotCount       int64   `json:"snapshotCount"`
	AverageStreamLength float64 `json:"averageStreamLength"`
}

// Backend is the persistence layer beneath the Store. Append must be
// atomic: either every event becomes visible with gap-free monotonic
// versions, or none do. Backends report optimistic-concurrency mismatches
// as domain.ConflictError and I/O failures wrapped in
// domain.ErrStorageUnavailable.
type Backend interface {
	// Append assigns versions curr+1..curr+len(events) and persists the
	// events. expectedVersion AnyVersion skips the conflict check.
	Append(ctx context.Context, streamID string, events []domain.Event, expectedVersion int64) (int64, error)
	// Read returns up to maxCount events strictly after fromVersion in
	// ascending version order, and whether the end of stream was reached.
	Read(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]domain.Event, bool, error)
	SaveSnapshot(ctx context.Context, snap domain.Snapshot) error
	// LatestSnapshot returns the highest-version snapshot, if any.
	LatestSnapshot(ctx context.Context, streamID string) (domain.Snapshot, bool, error)
	Statistics(ctx context.Context) (Statistics, error)
}
