package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nidhogg/driftville/internal/scheduler"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := New("redis://"+mr.Addr(), zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestPublishTickAppendsToStream(t *testing.T) {
	b, mr := newTestBus(t)

	for i := 0; i < 3; i++ {
		err := b.PublishTick(context.Background(), &scheduler.TickEvent{
			Persona: "Mei Lin", Tick: i, SimTime: "2025-03-01 09:00",
			Location: "noodle shop", Action: "prepping broth", Drift: "none",
		})
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	msgs, err := rdb.XRange(context.Background(), tickStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("stream has %d entries, want 3", len(msgs))
	}

	var ev scheduler.TickEvent
	if err := json.Unmarshal([]byte(msgs[2].Values["data"].(string)), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Tick != 2 || ev.Persona != "Mei Lin" || ev.Location != "noodle shop" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestSubscribeReceivesNewTicks(t *testing.T) {
	b, _ := newTestBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := b.Subscribe(ctx)
	// Give the reader a beat to register before publishing.
	time.Sleep(50 * time.Millisecond)

	want := &scheduler.TickEvent{Persona: "Sam", Tick: 7, Action: "walking", Drift: "behavioral"}
	if err := b.PublishTick(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.Persona != "Sam" || got.Tick != 7 || got.Drift != "behavioral" {
			t.Fatalf("event = %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for tick event")
	}
}
