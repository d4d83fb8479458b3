package match

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/playgrid/arena/internal/events"
	"github.com/playgrid/arena/internal/presence"
	"github.com/playgrid/arena/internal/router"
	"github.com/playgrid/arena/internal/store"
	"github.com/playgrid/arena/pkg/gamedto"
)

type capturedEvent struct {
	Subject string
	Env     *events.Envelope
}

// fakeBus records everything published so tests can assert on routing and
// payloads without a broker.
type fakeBus struct {
	mu       sync.Mutex
	captured []capturedEvent
	failKind events.Kind
}

func (f *fakeBus) Publish(_ context.Context, subject string, env *events.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKind != "" && env.Kind == f.failKind {
		return fmt.Errorf("publish refused for %s", env.Kind)
	}
	f.captured = append(f.captured, capturedEvent{Subject: subject, Env: env})
	return nil
}

func (f *fakeBus) byKind(t *testing.T, kind events.Kind) []interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interface{}
	for _, ev := range f.captured {
		if ev.Env.Kind != kind {
			continue
		}
		payload, err := ev.Env.Decode()
		if err != nil {
			t.Fatalf("decode %s: %v", kind, err)
		}
		out = append(out, payload)
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *store.Client, *presence.Directory, *fakeBus) {
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
	mgr := NewManager(st, dir, notif, 30*time.Second, time.Minute)
	return mgr, st, dir, bus
}

func connectPlayer(t *testing.T, dir *presence.Directory, playerID string) {
	t.Helper()
	if _, err := dir.RecordConnect(context.Background(), playerID, "inst-"+playerID, 1000); err != nil {
		t.Fatalf("RecordConnect(%s): %v", playerID, err)
	}
}

func TestCreateMatch(t *testing.T) {
	mgr, st, dir, _ := newTestManager(t)
	ctx := context.Background()
	connectPlayer(t, dir, "p1")
	connectPlayer(t, dir, "p2")

	m, err := mgr.CreateMatch(ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if m.Status != StatusActive {
		t.Fatalf("status = %s, want ACTIVE", m.Status)
	}
	if m.Turn != "p1" || m.Symbols["p1"] != "X" || m.Symbols["p2"] != "O" {
		t.Fatalf("first joiner must open with X: turn=%s symbols=%v", m.Turn, m.Symbols)
	}
	for i, cell := range m.Board {
		if cell != "" {
			t.Fatalf("cell %d not empty: %q", i, cell)
		}
	}
	if m.TurnDeadline.IsZero() {
		t.Fatalf("turn deadline not armed")
	}

	// the turn timer must be pending, scored at the deadline
	score, err := st.Redis().ZScore(ctx, timersKey, m.ID).Result()
	if err != nil {
		t.Fatalf("timer entry missing: %v", err)
	}
	if int64(score) != m.TurnDeadline.UnixMilli() {
		t.Fatalf("timer score = %v, want %d", score, m.TurnDeadline.UnixMilli())
	}

	loaded, err := mgr.LoadByPlayer(ctx, "p2")
	if err != nil {
		t.Fatalf("LoadByPlayer: %v", err)
	}
	if loaded.ID != m.ID {
		t.Fatalf("player index resolves %s, want %s", loaded.ID, m.ID)
	}
}

func TestProcessMoveRejections(t *testing.T) {
	mgr, _, dir, bus := newTestManager(t)
	ctx := context.Background()
	connectPlayer(t, dir, "p1")
	connectPlayer(t, dir, "p2")
	m, err := mgr.CreateMatch(ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	// p2 is not on turn
	if err := mgr.ProcessMove(ctx, m.ID, "p2", 0); err != nil {
		t.Fatalf("ProcessMove out of turn: %v", err)
	}
	// occupy a cell, then let p2 replay it
	if err := mgr.ProcessMove(ctx, m.ID, "p1", 4); err != nil {
		t.Fatalf("ProcessMove: %v", err)
	}
	if err := mgr.ProcessMove(ctx, m.ID, "p2", 4); err != nil {
		t.Fatalf("ProcessMove occupied: %v", err)
	}
	// out of range
	if err := mgr.ProcessMove(ctx, m.ID, "p2", 9); err != nil {
		t.Fatalf("ProcessMove out of range: %v", err)
	}
	// stranger
	if err := mgr.ProcessMove(ctx, m.ID, "intruder", 0); err != nil {
		t.Fatalf("ProcessMove stranger: %v", err)
	}

	wantReasons := map[string]int{
		InvalidNotYourTurn:   1,
		InvalidCellOccupied:  1,
		InvalidPosition:      1,
		InvalidMatchNotFound: 1,
	}
	got := map[string]int{}
	for _, p := range bus.byKind(t, events.KindInvalidMove) {
		inv := p.(*gamedto.InvalidMove)
		got[inv.Reason]++
		if inv.Recipient == "" {
			t.Fatalf("invalid-move without recipient: %+v", inv)
		}
	}
	for reason, n := range wantReasons {
		if got[reason] != n {
			t.Fatalf("invalid reason %s seen %d times, want %d (all: %v)", reason, got[reason], n, got)
		}
	}

	// rejections leave the board untouched
	cur, err := mgr.Load(ctx, m.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cur.MoveCount != 1 || cur.Board[4] != "X" {
		t.Fatalf("board mutated by rejected moves: count=%d board=%v", cur.MoveCount, cur.Board)
	}
	nonEmpty := 0
	for _, c := range cur.Board {
		if c != "" {
			nonEmpty++
		}
	}
	if nonEmpty != cur.MoveCount {
		t.Fatalf("move count %d != non-empty cells %d", cur.MoveCount, nonEmpty)
	}
}

func TestProcessMoveRedelivery(t *testing.T) {
	mgr, _, dir, bus := newTestManager(t)
	ctx := context.Background()
	connectPlayer(t, dir, "p1")
	connectPlayer(t, dir, "p2")
	m, err := mgr.CreateMatch(ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	if err := mgr.ProcessMove(ctx, m.ID, "p1", 4); err != nil {
		t.Fatalf("ProcessMove: %v", err)
	}
	// the same command delivered again: the turn has moved on, so the
	// duplicate bounces off the turn check and changes nothing
	if err := mgr.ProcessMove(ctx, m.ID, "p1", 4); err != nil {
		t.Fatalf("ProcessMove redelivery: %v", err)
	}

	cur, err := mgr.Load(ctx, m.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cur.MoveCount != 1 || cur.Board[4] != "X" || cur.Turn != "p2" {
		t.Fatalf("duplicate mutated state: count=%d board=%v turn=%s", cur.MoveCount, cur.Board, cur.Turn)
	}
	invalid := bus.byKind(t, events.KindInvalidMove)
	if len(invalid) != 1 {
		t.Fatalf("invalid-move count = %d, want 1", len(invalid))
	}
	if inv := invalid[0].(*gamedto.InvalidMove); inv.Recipient != "p1" || inv.Reason != InvalidNotYourTurn {
		t.Fatalf("rejection: %+v", inv)
	}
}

func TestProcessMoveWin(t *testing.T) {
	mgr, st, dir, bus := newTestManager(t)
	ctx := context.Background()
	connectPlayer(t, dir, "p1")
	connectPlayer(t, dir, "p2")
	m, err := mgr.CreateMatch(ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	moves := []struct {
		player string
		pos    int
	}{
		{"p1", 0}, {"p2", 3}, {"p1", 1}, {"p2", 4}, {"p1", 2},
	}
	for _, mv := range moves {
		if err := mgr.ProcessMove(ctx, m.ID, mv.player, mv.pos); err != nil {
			t.Fatalf("ProcessMove(%s,%d): %v", mv.player, mv.pos, err)
		}
	}

	// the live footprint is gone
	if _, err := mgr.Load(ctx, m.ID); err != ErrMatchNotFound {
		t.Fatalf("Load after finish = %v, want ErrMatchNotFound", err)
	}
	if _, err := mgr.LoadByPlayer(ctx, "p1"); err != ErrMatchNotFound {
		t.Fatalf("player index survives finish: %v", err)
	}
	if err := st.Redis().ZScore(ctx, timersKey, m.ID).Err(); err != redis.Nil {
		t.Fatalf("timer survives finish: %v", err)
	}

	// per-recipient results
	results := map[string]string{}
	for _, p := range bus.byKind(t, events.KindMatchEnded) {
		ended := p.(*gamedto.MatchEnded)
		results[ended.Recipient] = ended.Result
		if ended.Reason != ReasonCompleted {
			t.Fatalf("reason = %s, want COMPLETED", ended.Reason)
		}
	}
	if results["p1"] != "WIN" || results["p2"] != "LOSS" {
		t.Fatalf("results = %v", results)
	}

	// both presences are released
	for _, p := range []string{"p1", "p2"} {
		loc, err := dir.Locate(ctx, p)
		if err != nil || loc == nil {
			t.Fatalf("Locate(%s): %v %v", p, loc, err)
		}
		if loc.Status != presence.StatusIdle {
			t.Fatalf("%s status = %s, want IDLE", p, loc.Status)
		}
	}
}

func TestProcessMoveDraw(t *testing.T) {
	mgr, _, dir, bus := newTestManager(t)
	ctx := context.Background()
	connectPlayer(t, dir, "p1")
	connectPlayer(t, dir, "p2")
	m, err := mgr.CreateMatch(ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	moves := []struct {
		player string
		pos    int
	}{
		{"p1", 0}, {"p2", 1}, {"p1", 2}, {"p2", 4}, {"p1", 3},
		{"p2", 5}, {"p1", 7}, {"p2", 6}, {"p1", 8},
	}
	for _, mv := range moves {
		if err := mgr.ProcessMove(ctx, m.ID, mv.player, mv.pos); err != nil {
			t.Fatalf("ProcessMove(%s,%d): %v", mv.player, mv.pos, err)
		}
	}

	ended := bus.byKind(t, events.KindMatchEnded)
	if len(ended) != 2 {
		t.Fatalf("match-ended count = %d", len(ended))
	}
	for _, p := range ended {
		e := p.(*gamedto.MatchEnded)
		if e.Result != "DRAW" {
			t.Fatalf("%s result = %s, want DRAW", e.Recipient, e.Result)
		}
	}
}

func TestHandleForfeit(t *testing.T) {
	mgr, _, dir, bus := newTestManager(t)
	ctx := context.Background()
	connectPlayer(t, dir, "p1")
	connectPlayer(t, dir, "p2")
	m, err := mgr.CreateMatch(ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	// a stranger forfeiting is a silent no-op
	if err := mgr.HandleForfeit(ctx, m.ID, "intruder"); err != nil {
		t.Fatalf("HandleForfeit stranger: %v", err)
	}
	if _, err := mgr.Load(ctx, m.ID); err != nil {
		t.Fatalf("match gone after stranger forfeit: %v", err)
	}

	if err := mgr.HandleForfeit(ctx, m.ID, "p1"); err != nil {
		t.Fatalf("HandleForfeit: %v", err)
	}
	results := map[string]*gamedto.MatchEnded{}
	for _, p := range bus.byKind(t, events.KindMatchEnded) {
		e := p.(*gamedto.MatchEnded)
		results[e.Recipient] = e
	}
	if results["p2"] == nil || results["p2"].Result != "WIN" || results["p2"].Reason != ReasonForfeit {
		t.Fatalf("opponent outcome wrong: %+v", results["p2"])
	}
	if results["p1"] == nil || results["p1"].Result != "LOSS" {
		t.Fatalf("forfeiter outcome wrong: %+v", results["p1"])
	}

	// redelivered forfeit finds nothing and stays quiet
	if err := mgr.HandleForfeit(ctx, m.ID, "p1"); err != nil {
		t.Fatalf("HandleForfeit redelivery: %v", err)
	}
}

func TestDisconnectPausesAndReconnectResumes(t *testing.T) {
	mgr, st, dir, bus := newTestManager(t)
	ctx := context.Background()
	connectPlayer(t, dir, "p1")
	connectPlayer(t, dir, "p2")
	m, err := mgr.CreateMatch(ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if err := mgr.ProcessMove(ctx, m.ID, "p1", 4); err != nil {
		t.Fatalf("ProcessMove: %v", err)
	}

	if err := mgr.HandleDisconnect(ctx, "p2"); err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}
	cur, err := mgr.Load(ctx, m.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cur.Status != StatusPaused || cur.PausedBy != "p2" {
		t.Fatalf("pause state: status=%s pausedBy=%s", cur.Status, cur.PausedBy)
	}
	if !cur.TurnDeadline.IsZero() || cur.PauseDeadline.IsZero() {
		t.Fatalf("deadlines not swapped: turn=%v pause=%v", cur.TurnDeadline, cur.PauseDeadline)
	}
	score, err := st.Redis().ZScore(ctx, timersKey, m.ID).Result()
	if err != nil {
		t.Fatalf("pause timer missing: %v", err)
	}
	if int64(score) != cur.PauseDeadline.UnixMilli() {
		t.Fatalf("timer score = %v, want pause deadline %d", score, cur.PauseDeadline.UnixMilli())
	}
	paused := bus.byKind(t, events.KindMatchPaused)
	if len(paused) != 1 || paused[0].(*gamedto.MatchPaused).Recipient != "p1" {
		t.Fatalf("pause notice: %+v", paused)
	}

	// the opponent reconnecting resume nothing
	if err := mgr.HandleReconnect(ctx, "p1"); err != nil {
		t.Fatalf("HandleReconnect opponent: %v", err)
	}
	cur, _ = mgr.Load(ctx, m.ID)
	if cur.Status != StatusPaused {
		t.Fatalf("opponent reconnect resumed the match")
	}

	if err := mgr.HandleReconnect(ctx, "p2"); err != nil {
		t.Fatalf("HandleReconnect: %v", err)
	}
	cur, _ = mgr.Load(ctx, m.ID)
	if cur.Status != StatusActive || cur.PausedBy != "" || cur.TurnDeadline.IsZero() {
		t.Fatalf("resume state: %+v", cur)
	}
	// board survived the pause
	if cur.Board[4] != "X" || cur.Turn != "p2" {
		t.Fatalf("state lost across pause: board=%v turn=%s", cur.Board, cur.Turn)
	}
	// the resumed player is marked back in the game
	if loc, _ := dir.Locate(ctx, "p2"); loc == nil || loc.Status != presence.StatusInGame {
		t.Fatalf("presence after resume = %+v, want IN_GAME", loc)
	}
	syncs := bus.byKind(t, events.KindStateSync)
	if len(syncs) != 1 || syncs[0].(*gamedto.StateSync).Recipient != "p2" {
		t.Fatalf("state sync: %+v", syncs)
	}
	resumed := bus.byKind(t, events.KindMatchResumed)
	if len(resumed) != 1 || resumed[0].(*gamedto.MatchResumed).Recipient != "p1" {
		t.Fatalf("resume notice: %+v", resumed)
	}
}

func TestHandleCancel(t *testing.T) {
	mgr, _, dir, bus := newTestManager(t)
	ctx := context.Background()
	connectPlayer(t, dir, "p1")
	connectPlayer(t, dir, "p2")

	m, err := mgr.CreateMatch(ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if err := mgr.HandleCancel(ctx, m.ID, "p2"); err != nil {
		t.Fatalf("HandleCancel: %v", err)
	}
	if _, err := mgr.Load(ctx, m.ID); err != ErrMatchNotFound {
		t.Fatalf("cancelled match still live: %v", err)
	}
	for _, p := range bus.byKind(t, events.KindMatchEnded) {
		e := p.(*gamedto.MatchEnded)
		if e.Result != "NONE" || e.Reason != ReasonCancelled {
			t.Fatalf("cancel outcome: %+v", e)
		}
	}

	// once a move has landed the match can no longer be cancelled
	m2, err := mgr.CreateMatch(ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if err := mgr.ProcessMove(ctx, m2.ID, "p1", 0); err != nil {
		t.Fatalf("ProcessMove: %v", err)
	}
	if err := mgr.HandleCancel(ctx, m2.ID, "p1"); err != nil {
		t.Fatalf("HandleCancel after move: %v", err)
	}
	cur, err := mgr.Load(ctx, m2.ID)
	if err != nil {
		t.Fatalf("match should survive late cancel: %v", err)
	}
	if cur.Status != StatusActive {
		t.Fatalf("status after rejected cancel = %s", cur.Status)
	}
}
