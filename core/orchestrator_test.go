package core

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/primoscope/Spotify-echo-sub018/bus"
	"github.com/primoscope/Spotify-echo-sub018/config"
	"github.com/primoscope/Spotify-echo-sub018/domain"
	"github.com/primoscope/Spotify-echo-sub018/eventstore"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Bus.RetryInitial = time.Millisecond
	cfg.Bus.RetryMax = 5 * time.Millisecond
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	orch, err := New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer orch.Shutdown(context.Background())

	if orch.Registry == nil || orch.Store == nil || orch.Bus == nil || orch.Mesh == nil || orch.Tx == nil {
		t.Fatal("orchestrator left a component nil")
	}
	if orch.Mesh.Registry() != orch.Registry {
		t.Fatal("mesh client resolves against a different registry")
	}
}

func TestStoredEventsFlowOntoTheBus(t *testing.T) {
	orch, err := New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer orch.Shutdown(context.Background())

	received := make(chan domain.Event, 2)
	if _, err := orch.Bus.Subscribe("order.created", func(_ context.Context, ev domain.Event) error {
		received <- ev
		return nil
	}, bus.SubscriptionOptions{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res, err := orch.Store.Append(context.Background(), "order-1", []domain.Event{
		{Type: "order.created", Data: json.RawMessage(`{"total":10}`), Metadata: domain.EventMetadata{CorrelationID: "corr-1"}},
	}, eventstore.AnyVersion)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.NewVersion != 1 {
		t.Fatalf("new version = %d", res.NewVersion)
	}

	select {
	case ev := <-received:
		if ev.Type != "order.created" {
			t.Fatalf("bus delivered %q", ev.Type)
		}
		if ev.Metadata.CorrelationID != "corr-1" {
			t.Fatalf("correlation id = %q, want corr-1", ev.Metadata.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stored event never reached the bus")
	}
}

func TestUnknownStoreBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = "cassandra"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected an error for an unknown backend")
	}

	cfg.Store.Backend = "redis"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("redis backend without a client must fail")
	}
}

func TestRedisBackedOrchestrator(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	cfg.Store.Backend = "redis"
	cfg.Store.UpdatesChannel = "" // no cross-instance relay in this test
	orch, err := New(context.Background(), cfg, nil, WithRedis(client))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer orch.Shutdown(context.Background())

	ctx := context.Background()
	if _, err := orch.Store.Append(ctx, "order-1", []domain.Event{{Type: "order.created"}}, eventstore.AnyVersion); err != nil {
		t.Fatalf("append: %v", err)
	}
	slice, err := orch.Store.ReadStream(ctx, "order-1", 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(slice.Events) != 1 {
		t.Fatalf("read %d events, want 1", len(slice.Events))
	}

	h := orch.Health(ctx)
	if h.Status != "ok" || h.Components["redis"] != "ok" {
		t.Fatalf("health = %+v", h)
	}

	mr.SetError("redis is down")
	h = orch.Health(ctx)
	if h.Status != "degraded" {
		t.Fatalf("health with broken redis = %+v, want degraded", h)
	}
	mr.SetError("")
}

func TestSeedFileRegistersServices(t *testing.T) {
	dir := t.TempDir()
	seedPath := dir + "/seeds.yaml"
	seedBody := "services:\n  - name: payments\n    endpoints: [\"http://payments:8080\"]\n"
	if err := os.WriteFile(seedPath, []byte(seedBody), 0o600); err != nil {
		t.Fatalf("write seeds: %v", err)
	}

	cfg := testConfig()
	cfg.Mesh.SeedFile = seedPath
	cfg.Mesh.Seeds = []config.SeedService{{Name: "inventory", Endpoints: []string{"http://inventory:8080"}}}
	orch, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer orch.Shutdown(context.Background())

	topo := orch.Registry.Topology()
	if len(topo.Services) != 2 {
		t.Fatalf("services = %+v, want inventory and payments", topo.Services)
	}
	if topo.Services[0].Name != "inventory" || topo.Services[1].Name != "payments" {
		t.Fatalf("services = %v,%v", topo.Services[0].Name, topo.Services[1].Name)
	}
}

func TestStatsAggregatesComponents(t *testing.T) {
	orch, err := New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer orch.Shutdown(context.Background())

	ctx := context.Background()
	if _, err := orch.Store.Append(ctx, "order-1", []domain.Event{{Type: "a"}, {Type: "b"}}, eventstore.AnyVersion); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := orch.Registry.Register(ctx, "payments", []string{"http://p"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	stats, err := orch.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Store.TotalEvents != 2 || stats.Store.TotalStreams != 1 {
		t.Fatalf("store stats = %+v", stats.Store)
	}
	if len(stats.Mesh.Services) != 1 {
		t.Fatalf("mesh stats = %+v", stats.Mesh)
	}
	// The two appended events were republished onto the bus.
	if stats.Bus.EventsPublished != 2 {
		t.Fatalf("bus published = %d, want 2", stats.Bus.EventsPublished)
	}
	if stats.Tx.Committed != 0 || stats.Tx.ActiveTransactions != 0 {
		t.Fatalf("tx stats = %+v", stats.Tx)
	}
}
