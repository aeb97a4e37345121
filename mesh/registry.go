package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/primoscope/Spotify-echo-sub018/config"
	"github.com/primoscope/Spotify-echo-sub018/domain"
)

type registryEntry struct {
	name         string
	endpoints    []string
	registeredAt time.Time
	breaker      *breaker
	next         int
}

// Registry tracks known services, their endpoints and breakers, and the
// call edges observed between services. Services are never removed
// implicitly; deregistration is explicit. When a redis client is
// attached, descriptors are mirrored to a hash keyed by service name and
// reloaded at boot.
type Registry struct {
	cfg    config.MeshConfig
	logger *log.Logger
	redis  *redis.Client

	mu       sync.RWMutex
	services map[string]*registryEntry
	edges    map[string]*domain.TopologyEdge
}

// NewRegistry creates a registry. client may be nil for purely in-memory
// operation.
func NewRegistry(cfg config.MeshConfig, logger *log.Logger, client *redis.Client) *Registry {
	if logger == nil {
		logger = log.New()
	}
	if cfg.RegistryKeyPrefix == "" {
		cfg.RegistryKeyPrefix = "core:mesh:services"
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		redis:    client,
		services: make(map[string]*registryEntry),
		edges:    make(map[string]*domain.TopologyEdge),
	}
}

// Register adds or updates a service. Re-registering keeps the existing
// breaker state so a restart of the callee does not reset its history.
func (r *Registry) Register(ctx context.Context, name string, endpoints []string) error {
	if name == "" {
		return fmt.Errorf("%w: service name is required", domain.ErrInvalidInput)
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("%w: service %s has no endpoints", domain.ErrInvalidInput, name)
	}

	r.mu.Lock()
	entry := r.services[name]
	if entry == nil {
		entry = &registryEntry{
			name:         name,
			registeredAt: time.Now().UTC(),
			breaker:      newBreaker(name, r.cfg),
		}
		r.services[name] = entry
	}
	entry.endpoints = append([]string(nil), endpoints...)
	r.mu.Unlock()

	r.persist(ctx, r.describe(name))
	return nil
}

// Deregister removes a service explicitly.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	_, ok := r.services[name]
	delete(r.services, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown service %s", domain.ErrInvalidInput, name)
	}
	if r.redis != nil {
		if err := r.redis.HDel(ctx, r.cfg.RegistryKeyPrefix, name).Err(); err != nil {
			r.logger.WithError(err).WithField("service", name).Warn("registry unpersist failed")
		}
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, desc domain.ServiceDescriptor) {
	if r.redis == nil || desc.Name == "" {
		return
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return
	}
	if err := r.redis.HSet(ctx, r.cfg.RegistryKeyPrefix, desc.Name, data).Err(); err != nil {
		r.logger.WithError(err).WithField("service", desc.Name).Warn("registry persist failed")
	}
}

// LoadPersisted restores descriptors mirrored to redis by a previous run.
// Breakers start closed; circuit state is runtime-only.
func (r *Registry) LoadPersisted(ctx context.Context) error {
	if r.redis == nil {
		return nil
	}
	all, err := r.redis.HGetAll(ctx, r.cfg.RegistryKeyPrefix).Result()
	if err != nil {
		return fmt.Errorf("%w: load registry: %v", domain.ErrStorageUnavailable, err)
	}
	for name, raw := range all {
		var desc domain.ServiceDescriptor
		if err := json.Unmarshal([]byte(raw), &desc); err != nil {
			r.logger.WithField("service", name).Warn("skipping corrupt persisted descriptor")
			continue
		}
		if err := r.Register(ctx, desc.Name, desc.Endpoints); err != nil {
			r.logger.WithError(err).WithField("service", name).Warn("skipping persisted descriptor")
		}
	}
	return nil
}

// ApplySeeds registers every seed service, replacing endpoint lists of
// seeds already present.
func (r *Registry) ApplySeeds(ctx context.Context, seeds []config.SeedService) {
	for _, seed := range seeds {
		if err := r.Register(ctx, seed.Name, seed.Endpoints); err != nil {
			r.logger.WithError(err).WithField("service", seed.Name).Warn("seed registration failed")
		}
	}
}

// endpoint resolves the next endpoint for a service, round-robin.
func (r *Registry) endpoint(name string) (string, *breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.services[name]
	if entry == nil {
		return "", nil, fmt.Errorf("%w: unknown service %s", domain.ErrInvalidInput, name)
	}
	ep := entry.endpoints[entry.next%len(entry.endpoints)]
	entry.next++
	return ep, entry.breaker, nil
}

func (r *Registry) recordEdge(source, target string) {
	if source == "" {
		source = "unknown"
	}
	key := source + "->" + target
	r.mu.Lock()
	edge := r.edges[key]
	if edge == nil {
		edge = &domain.TopologyEdge{Source: source, Target: target}
		r.edges[key] = edge
	}
	edge.CallCount++
	edge.LastSeen = time.Now().UTC()
	r.mu.Unlock()
}

func (r *Registry) describe(name string) domain.ServiceDescriptor {
	r.mu.RLock()
	entry := r.services[name]
	r.mu.RUnlock()
	if entry == nil {
		return domain.ServiceDescriptor{}
	}
	state, failures, lastFailure := entry.breaker.snapshot()
	return domain.ServiceDescriptor{
		Name:          entry.name,
		Endpoints:     append([]string(nil), entry.endpoints...),
		CircuitState:  state,
		FailureCount:  failures,
		LastFailureAt: lastFailure,
		RegisteredAt:  entry.registeredAt,
	}
}

// Topology returns a snapshot of known services and observed call edges.
func (r *Registry) Topology() domain.Topology {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	edges := make([]domain.TopologyEdge, 0, len(r.edges))
	for _, edge := range r.edges {
		edges = append(edges, *edge)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	services := make([]domain.ServiceDescriptor, 0, len(names))
	for _, name := range names {
		services = append(services, r.describe(name))
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
	return domain.Topology{Services: services, Edges: edges}
}
