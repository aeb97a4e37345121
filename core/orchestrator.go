package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/primoscope/Spotify-echo-sub018/bus"
	"github.com/primoscope/Spotify-echo-sub018/config"
	"github.com/primoscope/Spotify-echo-sub018/domain"
	"github.com/primoscope/Spotify-echo-sub018/eventstore"
	"github.com/primoscope/Spotify-echo-sub018/mesh"
	"github.com/primoscope/Spotify-echo-sub018/tx"
)

// Orchestrator owns the core components and their lifecycle. It is built
// once at process start and passed explicitly to the route handlers; no
// component lives in package-global state.
//
// Initialization order: registry, store, bus, mesh client, transaction
// coordinator. Shutdown runs the reverse: seed watcher, relay, bus.
type Orchestrator struct {
	cfg    config.Config
	logger *log.Logger
	redis  *redis.Client

	Registry *mesh.Registry
	Store    *eventstore.Store
	Bus      *bus.Bus
	Mesh     *mesh.Client
	Tx       *tx.Coordinator

	originID    string
	relayCancel context.CancelFunc
	relayDone   chan struct{}
	seedStop    func()
}

// Option configures optional collaborators on the Orchestrator.
type Option func(*Orchestrator)

// WithRedis attaches a shared redis client, enabling the redis store
// backend, registry persistence, publish dedupe, the rebuild cache and
// the cross-instance relay. The caller keeps ownership of the client.
func WithRedis(client *redis.Client) Option {
	return func(o *Orchestrator) { o.redis = client }
}

// New builds the core in dependency order.
func New(ctx context.Context, cfg config.Config, logger *log.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = log.New()
	}
	o := &Orchestrator{cfg: cfg, logger: logger, originID: uuid.NewString()}
	for _, opt := range opts {
		opt(o)
	}

	// 1. Service registry.
	o.Registry = mesh.NewRegistry(cfg.Mesh, logger, o.redis)
	if err := o.Registry.LoadPersisted(ctx); err != nil {
		logger.WithError(err).Warn("could not restore persisted registry")
	}
	o.Registry.ApplySeeds(ctx, cfg.Mesh.Seeds)
	if cfg.Mesh.SeedFile != "" {
		loader, err := config.NewSeedLoader(cfg.Mesh.SeedFile, logger)
		if err != nil {
			return nil, err
		}
		o.Registry.ApplySeeds(ctx, loader.Seeds())
		loader.OnChange(func(seeds []config.SeedService) {
			o.Registry.ApplySeeds(context.Background(), seeds)
		})
		stop, err := loader.Watch()
		if err != nil {
			return nil, err
		}
		o.seedStop = stop
	}

	// 2. Event store.
	backend, label, err := o.buildBackend(ctx)
	if err != nil {
		return nil, err
	}
	storeOpts := []eventstore.StoreOption{}
	if o.redis != nil {
		storeOpts = append(storeOpts, eventstore.WithRebuildCache(
			eventstore.NewRebuildCache(o.redis, cfg.Store.RebuildCacheTTL)))
	}
	o.Store = eventstore.NewStore(cfg.Store, backend, label, eventstore.NewReducerRegistry(), logger, storeOpts...)

	// 3. Event bus.
	busOpts := []bus.Option{}
	if o.redis != nil {
		busOpts = append(busOpts, bus.WithDeduper(bus.NewRedisDeduper(o.redis, cfg.Bus.DedupeTTL)))
	}
	if cfg.Bus.DeadLetterQueue != "" && cfg.Store.ConnectionString != "" {
		sink, err := bus.NewAzureDeadLetterSink(cfg.Store.ConnectionString, cfg.Bus.DeadLetterQueue)
		if err != nil {
			return nil, fmt.Errorf("dead-letter sink: %w", err)
		}
		busOpts = append(busOpts, bus.WithDeadLetterSink(sink))
	}
	o.Bus = bus.New(cfg.Bus, logger, busOpts...)
	o.Store.SetNotifier(eventstore.NotifierFunc(o.republish))

	// 4. Mesh client.
	o.Mesh = mesh.NewClient(cfg.Mesh, o.Registry, logger)

	// 5. Transaction coordinator.
	o.Tx = tx.NewCoordinator(cfg.Tx, o.Mesh, logger,
		tx.WithJournal(o.Store), tx.WithPublisher(o.Bus))

	// Cross-instance relay, redis backend only.
	if label == "redis" && cfg.Store.UpdatesChannel != "" {
		relayCtx, cancel := context.WithCancel(context.Background())
		o.relayCancel = cancel
		o.relayDone = make(chan struct{})
		go func() {
			defer close(o.relayDone)
			eventstore.RunRelay(relayCtx, logger, o.redis, cfg.Store.UpdatesChannel, o.originID, o.republish)
		}()
	}

	logger.WithFields(log.Fields{
		"store_backend": label,
		"redis":         o.redis != nil,
	}).Info("event-driven core initialized")
	return o, nil
}

func (o *Orchestrator) buildBackend(ctx context.Context) (eventstore.Backend, string, error) {
	switch o.cfg.Store.Backend {
	case "", "memory":
		return eventstore.NewMemoryBackend(), "memory", nil
	case "redis":
		if o.redis == nil {
			return nil, "", fmt.Errorf("store backend redis requires a redis client")
		}
		return eventstore.NewRedisBackend(o.redis, o.logger, o.cfg.Store.UpdatesChannel, o.originID), "redis", nil
	case "aztables":
		if o.cfg.Store.ConnectionString == "" {
			return nil, "", fmt.Errorf("store backend aztables requires a connection string")
		}
		backend, err := eventstore.NewAzureBackend(ctx, o.cfg.Store.ConnectionString, o.cfg.Store.EventsTable)
		if err != nil {
			return nil, "", err
		}
		return backend, "aztables", nil
	default:
		return nil, "", fmt.Errorf("unknown store backend %q", o.cfg.Store.Backend)
	}
}

// republish feeds a stored event into the local bus. Failures are logged;
// a full bus never fails the append that produced the event.
func (o *Orchestrator) republish(ev domain.Event) {
	_, err := o.Bus.Publish(context.Background(), ev.Type, ev.Data, bus.PublishOptions{
		Source:        ev.Metadata.Source,
		CorrelationID: ev.Metadata.CorrelationID,
		UserID:        ev.Metadata.UserID,
	})
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"event_id":   ev.ID,
			"event_type": ev.Type,
		}).Warn("stored event notification dropped")
	}
}

// Health reports per-component liveness.
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Health checks each component. Redis connectivity is probed with a short
// ping; everything else is in-process.
func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Components: map[string]string{
		"bus":      "ok",
		"store":    "ok",
		"mesh":     "ok",
		"tx":       "ok",
		"registry": "ok",
	}}
	if o.redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := o.redis.Ping(pingCtx).Err(); err != nil {
			h.Components["redis"] = err.Error()
			h.Status = "degraded"
		} else {
			h.Components["redis"] = "ok"
		}
	}
	return h
}

// Stats aggregates the statistics of every component.
type Stats struct {
	Bus   bus.Metrics           `json:"bus"`
	Store eventstore.Statistics `json:"store"`
	Mesh  domain.Topology       `json:"mesh"`
	Tx    tx.Statistics         `json:"tx"`
}

// Stats collects a point-in-time snapshot across components.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	storeStats, err := o.Store.Statistics(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Bus:   o.Bus.Metrics(),
		Store: storeStats,
		Mesh:  o.Registry.Topology(),
		Tx:    o.Tx.Statistics(),
	}, nil
}

// Shutdown drains the core in reverse initialization order.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if o.seedStop != nil {
		o.seedStop()
	}
	if o.relayCancel != nil {
		o.relayCancel()
		select {
		case <-o.relayDone:
		case <-ctx.Done():
			o.logger.Warn("relay did not stop before shutdown deadline")
		}
	}
	o.Bus.Close()
	o.logger.Info("event-driven core stopped")
}
