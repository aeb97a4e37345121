package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisDeduperCheck(t *testing.T) {
	d := NewRedisDeduper(testRedis(t), time.Minute)
	ctx := context.Background()

	id, fresh, err := d.Check(ctx, "order-42", "ev-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !fresh || id != "ev-1" {
		t.Fatalf("first check = (%q, %v), want (ev-1, true)", id, fresh)
	}

	id, fresh, err = d.Check(ctx, "order-42", "ev-2")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if fresh || id != "ev-1" {
		t.Fatalf("duplicate check = (%q, %v), want (ev-1, false)", id, fresh)
	}

	id, fresh, err = d.Check(ctx, "order-43", "ev-3")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !fresh || id != "ev-3" {
		t.Fatalf("distinct key = (%q, %v), want (ev-3, true)", id, fresh)
	}
}

func TestPublishWithIdempotencyKeySuppressesDuplicates(t *testing.T) {
	d := NewRedisDeduper(testRedis(t), time.Minute)
	b := New(testBusConfig(), nil, WithDeduper(d))
	defer b.Close()

	var deliveries atomic.Int32
	mustSubscribe(t, b, "order.created", func(context.Context, domain.Event) error {
		deliveries.Add(1)
		return nil
	})

	ctx := context.Background()
	opts := PublishOptions{IdempotencyKey: "order-42-created"}
	first, err := b.Publish(ctx, "order.created", []byte(`{}`), opts)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := b.Publish(ctx, "order.created", []byte(`{}`), opts)
	if err != nil {
		t.Fatalf("duplicate publish: %v", err)
	}
	if second != first {
		t.Fatalf("duplicate publish returned %q, want original id %q", second, first)
	}

	waitUntil(t, func() bool { return deliveries.Load() == 1 }, "event never delivered")
	time.Sleep(20 * time.Millisecond)
	if got := deliveries.Load(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}

	third, err := b.Publish(ctx, "order.created", []byte(`{}`), PublishOptions{IdempotencyKey: "another-key"})
	if err != nil {
		t.Fatalf("publish with new key: %v", err)
	}
	if third == first {
		t.Fatal("distinct idempotency keys must produce distinct events")
	}
	waitUntil(t, func() bool { return deliveries.Load() == 2 }, "second event never delivered")
}
