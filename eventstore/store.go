package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/primoscope/Spotify-echo-sub018/config"
	"github.com/primoscope/Spotify-echo-sub018/domain"
	"github.com/primoscope/Spotify-echo-sub018/metrics"
)

// Notifier receives every successfully stored event. The orchestrator
// wires this to the event bus; notification failures are logged and never
// fail the append.
type Notifier interface {
	EventStored(ev domain.Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev domain.Event)

func (f NotifierFunc) EventStored(ev domain.Event) { f(ev) }

// Store is the append-only event store service: validation, optimistic
// concurrency, snapshotting and aggregate rebuilds over a pluggable
// persistence backend.
type Store struct {
	cfg      config.StoreConfig
	backend  Backend
	label    string
	reducers *ReducerRegistry
	cache    *RebuildCache
	notifier Notifier
	logger   *log.Logger
}

// StoreOption configures optional collaborators on a Store.
type StoreOption func(*Store)

// WithRebuildCache attaches a redis-backed rebuild cache.
func WithRebuildCache(c *RebuildCache) StoreOption { return func(s *Store) { s.cache = c } }

// WithNotifier attaches the post-append notifier.
func WithNotifier(n Notifier) StoreOption { return func(s *Store) { s.notifier = n } }

// NewStore creates a Store over the given backend. label names the
// backend in metrics.
func NewStore(cfg config.StoreConfig, backend Backend, label string, reducers *ReducerRegistry, logger *log.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = log.New()
	}
	if reducers == nil {
		reducers = NewReducerRegistry()
	}
	if cfg.DefaultReadLimit <= 0 {
		cfg.DefaultReadLimit = 100
	}
	s := &Store{cfg: cfg, backend: backend, label: label, reducers: reducers, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reducers exposes the registry for startup-time registration.
func (s *Store) Reducers() *ReducerRegistry { return s.reducers }

// SetNotifier attaches the post-append notifier. Call before serving
// traffic; the store is constructed ahead of the bus in the init order.
func (s *Store) SetNotifier(n Notifier) { s.notifier = n }

// Append stores all events atomically at the tail of the stream.
// expectedVersion AnyVersion (-1) appends unconditionally; any other
// value must equal the stream's current version or the append is rejected
// with a concurrency conflict and no state change.
func (s *Store) Append(ctx context.Context, streamID string, events []domain.Event, expectedVersion int64) (AppendResult, error) {
	if streamID == "" {
		return AppendResult{}, fmt.Errorf("%w: stream id is required", domain.ErrInvalidInput)
	}
	if len(events) == 0 {
		return AppendResult{}, fmt.Errorf("%w: at least one event is required", domain.ErrInvalidInput)
	}
	if expectedVersion < AnyVersion {
		return AppendResult{}, fmt.Errorf("%w: expected version %d is not a valid version", domain.ErrInvalidInput, expectedVersion)
	}

	stamped := make([]domain.Event, len(events))
	ids := make([]string, len(events))
	now := time.Now().UTC().UnixNano()
	for i := range events {
		ev := events[i]
		if ev.Type == "" {
			return AppendResult{}, fmt.Errorf("%w: event %d has no type", domain.ErrInvalidInput, i)
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.Metadata.Timestamp == 0 {
			ev.Metadata.Timestamp = now + int64(i)
		}
		stamped[i] = ev
		ids[i] = ev.ID
	}

	newVersion, err := s.backend.Append(ctx, streamID, stamped, expectedVersion)
	if err != nil {
		var conflict domain.ConflictError
		if errors.As(err, &conflict) {
			metrics.AppendConflicts.Inc()
		}
		return AppendResult{}, err
	}
	metrics.EventsAppended.WithLabelValues(s.label).Add(float64(len(stamped)))
	s.cache.evict(ctx, streamID)

	if s.notifier != nil {
		base := newVersion - int64(len(stamped))
		for i := range stamped {
			stamped[i].Version = base + int64(i) + 1
			s.notifier.EventStored(stamped[i])
		}
	}
	return AppendResult{StreamID: streamID, NewVersion: newVersion, StoredEventIDs: ids}, nil
}

// ReadStream returns events strictly after fromVersion, ascending, capped
// at maxCount (default from config).
func (s *Store) ReadStream(ctx context.Context, streamID string, fromVersion int64, maxCount int) (StreamSlice, error) {
	if streamID == "" {
		return StreamSlice{}, fmt.Errorf("%w: stream id is required", domain.ErrInvalidInput)
	}
	if fromVersion < 0 {
		return StreamSlice{}, fmt.Errorf("%w: fromVersion must not be negative", domain.ErrInvalidInput)
	}
	if maxCount <= 0 {
		maxCount = s.cfg.DefaultReadLimit
	}
	events, end, err := s.backend.Read(ctx, streamID, fromVersion, maxCount)
	if err != nil {
		return StreamSlice{}, err
	}
	if events == nil {
		events = []domain.Event{}
	}
	return StreamSlice{Events: events, IsEndOfStream: end}, nil
}

// Rebuild reconstructs the aggregate state of a stream by folding its
// events through the reducer registered for aggregateType. When
// fromSnapshot is true the fold starts from the cached state or the
// latest snapshot; otherwise it replays from version 0.
func (s *Store) Rebuild(ctx context.Context, streamID, aggregateType string, fromSnapshot bool) (Rebuilt, error) {
	if streamID == "" {
		return Rebuilt{}, fmt.Errorf("%w: stream id is required", domain.ErrInvalidInput)
	}
	reducer, ok := s.reducers.Lookup(aggregateType)
	if !ok {
		return Rebuilt{}, fmt.Errorf("%w: no reducer registered for aggregate type %q", domain.ErrInvalidInput, aggregateType)
	}

	start := time.Now()
	state := reducer.Initial
	if state == nil {
		state = json.RawMessage("null")
	}
	var version int64

	if fromSnapshot {
		if entry, hit := s.cache.load(ctx, streamID, aggregateType); hit {
			state, version = entry.State, entry.Version
		} else if snap, found, err := s.backend.LatestSnapshot(ctx, streamID); err != nil {
			return Rebuilt{}, err
		} else if found {
			state, version = snap.State, snap.Version
		}
	}

	replayed := 0
	for {
		events, end, err := s.backend.Read(ctx, streamID, version, s.cfg.DefaultReadLimit)
		if err != nil {
			return Rebuilt{}, err
		}
		for _, ev := range events {
			next, err := reducer.Apply(state, ev)
			if err != nil {
				return Rebuilt{}, fmt.Errorf("%w: reducer %s failed at %s v%d: %v",
					domain.ErrFatal, aggregateType, streamID, ev.Version, err)
			}
			state = next
			version = ev.Version
			replayed++
		}
		if end {
			break
		}
	}
	metrics.RebuildDuration.Observe(float64(time.Since(start)) / float64(time.Millisecond))

	if fromSnapshot {
		s.cache.store(ctx, streamID, cachedRebuild{AggregateType: aggregateType, Version: version, State: state})
		if s.cfg.SnapshotEvery > 0 && int64(replayed) >= s.cfg.SnapshotEvery {
			if err := s.SaveSnapshot(ctx, domain.Snapshot{StreamID: streamID, Version: version, State: state}); err != nil {
				s.logger.WithError(err).WithField("stream", streamID).Warn("automatic snapshot failed")
			}
		}
	}
	return Rebuilt{State: state, Version: version}, nil
}

// SaveSnapshot persists a snapshot. Snapshots are never mutated, only
// superseded at a higher version.
func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if snap.StreamID == "" {
		return fmt.Errorf("%w: stream id is required", domain.ErrInvalidInput)
	}
	if snap.Version <= 0 {
		return fmt.Errorf("%w: snapshot version must be positive", domain.ErrInvalidInput)
	}
	if err := s.backend.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	metrics.SnapshotsSaved.Inc()
	return nil
}

// Statistics reports store-wide counters.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	return s.backend.Statistics(ctx)
}
