package eventstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

func TestRelaySkipsOwnOriginAndStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	relayed := make(chan domain.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunRelay(ctx, log.New(), client, "core:store:updates", "origin-a", func(ev domain.Event) {
			relayed <- ev
		})
	}()

	publish := func(origin string, events ...domain.Event) {
		t.Helper()
		payload, err := json.Marshal(updateNotice{Origin: origin, StreamID: "order-1", Events: events})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		// The subscription races with the publish right after startup;
		// retry until someone is listening.
		deadline := time.Now().Add(2 * time.Second)
		for {
			n, err := client.Publish(context.Background(), "core:store:updates", payload).Result()
			if err != nil {
				t.Fatalf("publish: %v", err)
			}
			if n > 0 {
				return
			}
			if time.Now().After(deadline) {
				t.Fatal("relay never subscribed")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	publish("origin-b", domain.Event{ID: "ev-1", Type: "order.created", Version: 1})

	select {
	case ev := <-relayed:
		if ev.ID != "ev-1" || ev.Version != 1 {
			t.Fatalf("relayed = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("foreign event never relayed")
	}

	publish("origin-a", domain.Event{ID: "ev-2", Type: "order.created"})
	publish("origin-b", domain.Event{ID: "ev-3", Type: "order.paid"})

	select {
	case ev := <-relayed:
		if ev.ID != "ev-3" {
			t.Fatalf("relayed %q, own-origin events must be skipped", ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second foreign event never relayed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on context cancel")
	}
}
