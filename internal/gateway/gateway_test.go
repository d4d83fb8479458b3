package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"

	"github.com/playgrid/arena/internal/events"
	"github.com/playgrid/arena/internal/match"
	"github.com/playgrid/arena/internal/matchmaking"
	"github.com/playgrid/arena/internal/presence"
	"github.com/playgrid/arena/internal/router"
	"github.com/playgrid/arena/internal/store"
	"github.com/playgrid/arena/pkg/gamedto"
)

func (f *fakeBus) hasKind(kind events.Kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range f.captured {
		if env.Kind == kind {
			return true
		}
	}
	return false
}

func newTestGateway(t *testing.T) (*Gateway, *presence.Directory, *fakeBus) {
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
	st := store.New(rdb)
	bus := &fakeBus{}
	dir := presence.NewDirectory(st, bus, time.Minute, 4)
	notif := router.NewNotifier(dir, bus)
	mgr := match.NewManager(st, dir, notif, 30*time.Second, time.Minute)
	mm := matchmaking.NewEngine(st, dir, mgr, notif, 40)
	return New("inst-a", 1000, dir, mm, mgr, bus, notif), dir, bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupersededSocketSkipsDisconnectCleanup(t *testing.T) {
	g, dir, bus := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(g.handleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?playerId=p1&rating=1000"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	waitFor(t, "socket registration", func() bool { return g.Connections() == 1 })

	// the player reconnects on another instance, which takes over the
	// presence record and broadcasts the kick
	if _, err := dir.RecordConnect(ctx, "p1", "inst-b", 1000); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}
	env, err := events.NewEnvelope(events.KindPlayerKicked, gamedto.PlayerKicked{
		PlayerID:   "p1",
		ByInstance: "inst-b",
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	g.DeliverNotification(env)

	waitFor(t, "socket teardown", func() bool { return g.Connections() == 0 })
	// let the handler run whatever cleanup it thinks it owes
	time.Sleep(200 * time.Millisecond)

	// the superseded socket's teardown must not disturb the live connection
	loc, err := dir.Locate(ctx, "p1")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if loc == nil || loc.InstanceID != "inst-b" {
		t.Fatalf("presence after kick = %+v, want owned by inst-b", loc)
	}
	if bus.hasKind(events.KindPlayerGone) {
		t.Fatalf("stale-socket teardown announced player-gone for a connected player")
	}
}
