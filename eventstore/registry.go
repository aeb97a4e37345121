package eventstore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

// Reducer folds a stream of events into an aggregate state. State is kept
// as raw JSON so the store stays agnostic of aggregate shapes.
type Reducer struct {
	// Initial is the state of an empty aggregate. Nil means JSON null.
	Initial json.RawMessage
	Apply   func(state json.RawMessage, ev domain.Event) (json.RawMessage, error)
}

// ReducerRegistry maps aggregate type identifiers to reducers. Types are
// registered once at startup; lookups never use reflection.
type ReducerRegistry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
}

// NewReducerRegistry creates an empty registry.
func NewReducerRegistry() *ReducerRegistry {
	return &ReducerRegistry{reducers: make(map[string]Reducer)}
}

// Register adds a reducer for the aggregate type. Registering the same
// type twice is a programming error.
func (r *ReducerRegistry) Register(aggregateType string, reducer Reducer) error {
	if aggregateType == "" {
		return fmt.Errorf("%w: aggregate type is required", domain.ErrInvalidInput)
	}
	if reducer.Apply == nil {
		return fmt.Errorf("%w: reducer for %s has no apply function", domain.ErrInvalidInput, aggregateType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.reducers[aggregateType]; dup {
		return fmt.Errorf("%w: reducer for %s already registered", domain.ErrInvalidInput, aggregateType)
	}
	r.reducers[aggregateType] = reducer
	return nil
}

// Lookup resolves the reducer for an aggregate type.
func (r *ReducerRegistry) Lookup(aggregateType string) (Reducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reducer, ok := r.reducers[aggregateType]
	return reducer, ok
}

// Types returns the registered aggregate types.
func (r *ReducerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.reducers))
	for t := range r.reducers {
		out = append(out, t)
	}
	return out
}
