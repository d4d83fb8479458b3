package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/playgrid/arena/internal/events"
	"github.com/playgrid/arena/internal/store"
)

type fakeBus struct {
	mu       sync.Mutex
	captured []*events.Envelope
}

func (f *fakeBus) Publish(_ context.Context, _ string, env *events.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, env)
	return nil
}

func (f *fakeBus) kinds() []events.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Kind
	for _, env := range f.captured {
		out = append(out, env.Kind)
	}
	return out
}

func newTestDirectory(t *testing.T, strikes int) (*Directory, *miniredis.Miniredis, *fakeBus) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	bus := &fakeBus{}
	return NewDirectory(store.New(rdb), bus, time.Minute, strikes), mr, bus
}

func TestRecordConnectAndLocate(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 4)
	ctx := context.Background()

	status, err := dir.RecordConnect(ctx, "p1", "inst-a", 1100)
	if err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}
	if status != StatusIdle {
		t.Fatalf("fresh connect status = %s, want IDLE", status)
	}

	loc, err := dir.Locate(ctx, "p1")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if loc == nil || loc.InstanceID != "inst-a" || loc.Rating != 1100 {
		t.Fatalf("location = %+v", loc)
	}

	// unknown players are simply absent
	loc, err = dir.Locate(ctx, "nobody")
	if err != nil || loc != nil {
		t.Fatalf("Locate(nobody) = %+v, %v", loc, err)
	}
}

func TestReconnectPreservesActivity(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 4)
	ctx := context.Background()

	if _, err := dir.RecordConnect(ctx, "p1", "inst-a", 1000); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}
	if err := dir.SetStatus(ctx, "p1", StatusInGame); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	// reconnecting on another instance moves ownership but keeps IN_GAME
	status, err := dir.RecordConnect(ctx, "p1", "inst-b", 1000)
	if err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}
	if status != StatusInGame {
		t.Fatalf("reconnect status = %s, want IN_GAME", status)
	}
	loc, _ := dir.Locate(ctx, "p1")
	if loc.InstanceID != "inst-b" {
		t.Fatalf("instance = %s, want inst-b", loc.InstanceID)
	}
}

func TestSetStatusNeverFabricatesPresence(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 4)
	ctx := context.Background()
	if err := dir.SetStatus(ctx, "absent", StatusInGame); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	loc, err := dir.Locate(ctx, "absent")
	if err != nil || loc != nil {
		t.Fatalf("SetStatus created a record: %+v, %v", loc, err)
	}
}

func TestHeartbeat(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 4)
	ctx := context.Background()

	ok, err := dir.RecordHeartbeat(ctx, "absent")
	if err != nil || ok {
		t.Fatalf("heartbeat for absent player = (%v, %v)", ok, err)
	}

	if _, err := dir.RecordConnect(ctx, "p1", "inst-a", 1000); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}
	// accumulate a strike, then verify the heartbeat clears it
	if _, err := dir.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	ok, err = dir.RecordHeartbeat(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("heartbeat = (%v, %v)", ok, err)
	}
	evicted, err := dir.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("player evicted after a fresh heartbeat: %v", evicted)
	}
}

func TestSweepEvictsAfterStrikes(t *testing.T) {
	dir, _, bus := newTestDirectory(t, 2)
	ctx := context.Background()
	if _, err := dir.RecordConnect(ctx, "p1", "inst-a", 1000); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}

	if evicted, _ := dir.Sweep(ctx); len(evicted) != 0 {
		t.Fatalf("evicted on first strike: %v", evicted)
	}
	evicted, err := dir.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "p1" {
		t.Fatalf("evicted = %v, want [p1]", evicted)
	}

	loc, err := dir.Locate(ctx, "p1")
	if err != nil || loc != nil {
		t.Fatalf("evicted player still present: %+v, %v", loc, err)
	}
	// eviction announces itself like any other disconnect
	found := false
	for _, k := range bus.kinds() {
		if k == events.KindPlayerGone {
			found = true
		}
	}
	if !found {
		t.Fatalf("no player-gone event after eviction, kinds=%v", bus.kinds())
	}
}

func TestSweepReapsExpiredRecords(t *testing.T) {
	dir, mr, bus := newTestDirectory(t, 4)
	ctx := context.Background()
	if _, err := dir.RecordConnect(ctx, "p1", "inst-a", 1000); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}

	// TTL lapse makes the record vanish while the online set still lists p1
	mr.FastForward(2 * time.Minute)

	evicted, err := dir.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "p1" {
		t.Fatalf("evicted = %v, want [p1]", evicted)
	}
	found := false
	for _, k := range bus.kinds() {
		if k == events.KindPlayerGone {
			found = true
		}
	}
	if !found {
		t.Fatalf("ghost eviction did not announce player-gone")
	}
}
