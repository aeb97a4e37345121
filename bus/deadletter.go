package bus

import (
	"sync"

	"github.com/primoscope/Spotify-echo-sub018/domain"
	"github.com/primoscope/Spotify-echo-sub018/metrics"
)

// deadLetterBuffer is a bounded FIFO of dead-letter entries. When full,
// the oldest entry is evicted to make room.
type deadLetterBuffer struct {
	mu      sync.Mutex
	max     int
	entries []domain.DeadLetterEntry
}

func newDeadLetterBuffer(max int) *deadLetterBuffer {
	if max <= 0 {
		max = 1000
	}
	return &deadLetterBuffer{max: max}
}

func (b *deadLetterBuffer) append(entry domain.DeadLetterEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.max {
		drop := len(b.entries) - b.max + 1
		b.entries = append(b.entries[:0], b.entries[drop:]...)
	}
	b.entries = append(b.entries, entry)
	metrics.DeadLettered.Inc()
	metrics.DeadLetterSize.Set(float64(len(b.entries)))
}

// list returns up to limit entries, most recent first.
func (b *deadLetterBuffer) list(limit int) []domain.DeadLetterEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.DeadLetterEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.entries[i])
	}
	return out
}

func (b *deadLetterBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
