package eventstore

import (
	"context"
	"sync"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

// MemoryBackend keeps streams in process memory. It is the default
// backend for single-instance deployments and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	streams map[string]*memStream
}

type memStream struct {
	mu        sync.Mutex
	events    []domain.Event
	snapshots []domain.Snapshot
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{streams: make(map[string]*memStream)}
}

func (m *MemoryBackend) stream(streamID string, create bool) *memStream {
	m.mu.RLock()
	s := m.streams[streamID]
	m.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.streams[streamID]; s == nil {
		s = &memStream{}
		m.streams[streamID] = s
	}
	return s
}

func (m *MemoryBackend) Append(ctx context.Context, streamID string, events []domain.Event, expectedVersion int64) (int64, error) {
	s := m.stream(streamID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(len(s.events))
	if expectedVersion != AnyVersion && expectedVersion != current {
		return 0, domain.ConflictError{StreamID: streamID, Expected: expectedVersion, Actual: current}
	}
	for i := range events {
		ev := events[i]
		ev.Version = current + int64(i) + 1
		s.events = append(s.events, ev)
	}
	return int64(len(s.events)), nil
}

func (m *MemoryBackend) Read(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]domain.Event, bool, error) {
	s := m.stream(streamID, false)
	if s == nil {
		return nil, true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := int64(len(s.events))
	if fromVersion >= total {
		return nil, true, nil
	}
	end := fromVersion + int64(maxCount)
	if end > total {
		end = total
	}
	out := make([]domain.Event, end-fromVersion)
	copy(out, s.events[fromVersion:end])
	return out, end == total, nil
}

func (m *MemoryBackend) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	s := m.stream(snap.StreamID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (m *MemoryBackend) LatestSnapshot(ctx context.Context, streamID string) (domain.Snapshot, bool, error) {
	s := m.stream(streamID, false)
	if s == nil {
		return domain.Snapshot{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var best domain.Snapshot
	found := false
	for _, snap := range s.snapshots {
		if !found || snap.Version > best.Version {
			best = snap
			found = true
		}
	}
	return best, found, nil
}

func (m *MemoryBackend) Statistics(ctx context.Context) (Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{}
	for _, s := range m.streams {
		s.mu.Lock()
		n := len(s.events)
		sn := len(s.snapshots)
		s.mu.Unlock()
		if n == 0 && sn == 0 {
			continue
		}
		stats.TotalStreams++
		stats.TotalEvents += int64(n)
		stats.SnapshotCount += int64(sn)
	}
	if stats.TotalStreams > 0 {
		stats.AverageStreamLength = float64(stats.TotalEvents) / float64(stats.TotalStreams)
	}
	return stats, nil
}
