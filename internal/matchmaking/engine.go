package matchmaking

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/playgrid/arena/internal/events"
	"github.com/playgrid/arena/internal/match"
	"github.com/playgrid/arena/internal/obslog"
	"github.com/playgrid/arena/internal/presence"
	"github.com/playgrid/arena/internal/router"
	"github.com/playgrid/arena/internal/store"
	"github.com/playgrid/arena/pkg/gamedto"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	ErrAlreadyQueued staticErr = "ALREADY_QUEUED"
	ErrAlreadyInGame staticErr = "ALREADY_IN_GAME"
	ErrNotConnected  staticErr = "NOT_CONNECTED"
)

const (
	queueKey     = "mm:queue:ranked"
	joinTimesKey = "mm:join_times"
)

// Search half-width widens with wait time so close ratings are preferred
// early but nobody waits forever.
const (
	rangeTier0 = 50  // < 10s waited
	rangeTier1 = 100 // < 20s waited
	rangeTier2 = 200
)

const partnerScanLimit = 5

// Engine pairs queued players by rating. Every instance runs the loop; the
// two-member ZRem claim is the only exclusion between concurrent pairing
// attempts.
type Engine struct {
	st    *store.Client
	dir   *presence.Directory
	mgr   *match.Manager
	notif *router.Notifier

	scanLimit int
}

func NewEngine(st *store.Client, dir *presence.Directory, mgr *match.Manager, notif *router.Notifier, scanLimit int) *Engine {
	if scanLimit <= 0 {
		scanLimit = 40
	}
	return &Engine{st: st, dir: dir, mgr: mgr, notif: notif, scanLimit: scanLimit}
}

// Join puts the player in the rating-ordered pool. Fails when presence is
// absent or the status disallows queueing. The rejection is reported back to
// the player as well as returned.
func (e *Engine) Join(ctx context.Context, playerID string) (int, error) {
	loc, err := e.dir.Locate(ctx, playerID)
	if err != nil {
		return 0, err
	}

	var reject error
	switch {
	case loc == nil:
		reject = ErrNotConnected
	case loc.Status == presence.StatusQueued:
		reject = ErrAlreadyQueued
	case loc.Status == presence.StatusInGame:
		reject = ErrAlreadyInGame
	}
	if reject == nil {
		// the player index is the durable truth; a live match bars the queue
		// even while a reconnect is still restoring the presence status
		if _, merr := e.mgr.LoadByPlayer(ctx, playerID); merr == nil {
			reject = ErrAlreadyInGame
		} else if !errors.Is(merr, match.ErrMatchNotFound) {
			return 0, merr
		}
	}
	if reject != nil {
		_ = e.notif.Notify(ctx, playerID, events.KindQueueJoined, gamedto.QueueJoined{
			Recipient: playerID,
			Error:     reject.Error(),
		})
		return 0, reject
	}

	if err := e.dir.SetStatus(ctx, playerID, presence.StatusQueued); err != nil {
		return 0, err
	}
	pipe := e.st.Redis().Pipeline()
	pipe.ZAdd(ctx, queueKey, redis.Z{Score: float64(loc.Rating), Member: playerID})
	pipe.HSet(ctx, joinTimesKey, playerID, strconv.FormatInt(time.Now().UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	obslog.L().Info("queue_join", zap.String("player_id", playerID), zap.Int("rating", loc.Rating))
	_ = e.notif.Notify(ctx, playerID, events.KindQueueJoined, gamedto.QueueJoined{
		Recipient: playerID,
		Rating:    loc.Rating,
	})
	return loc.Rating, nil
}

// Leave removes the player from the pool. Idempotent: leaving while not
// queued is a reported no-op, not an error.
func (e *Engine) Leave(ctx context.Context, playerID string) (bool, error) {
	removed, err := e.st.Redis().ZRem(ctx, queueKey, playerID).Result()
	if err != nil {
		return false, err
	}
	_ = e.st.Redis().HDel(ctx, joinTimesKey, playerID).Err()
	if removed > 0 {
		if err := e.dir.SetStatus(ctx, playerID, presence.StatusIdle); err != nil {
			return true, err
		}
	}
	_ = e.notif.Notify(ctx, playerID, events.KindQueueLeft, gamedto.QueueLeft{
		Recipient: playerID,
		WasQueued: removed > 0,
	})
	obslog.L().Info("queue_leave", zap.String("player_id", playerID), zap.Bool("was_queued", removed > 0))
	return removed > 0, nil
}

// CleanupPlayer drops a player's pool entries. Called for ghosts found during
// pairing and for disconnected players.
func (e *Engine) CleanupPlayer(ctx context.Context, playerID string) error {
	pipe := e.st.Redis().Pipeline()
	pipe.ZRem(ctx, queueKey, playerID)
	pipe.HDel(ctx, joinTimesKey, playerID)
	_, err := pipe.Exec(ctx)
	return err
}

// QueueRank returns the player's 0-based rank in the pool, or -1.
func (e *Engine) QueueRank(ctx context.Context, playerID string) (int64, error) {
	rank, err := e.st.Redis().ZRank(ctx, queueKey, playerID).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return rank, nil
}

// QueueDepth returns the pool size.
func (e *Engine) QueueDepth(ctx context.Context) (int64, error) {
	return e.st.Redis().ZCard(ctx, queueKey).Result()
}

// WaitTime returns how long the player has been queued.
func (e *Engine) WaitTime(ctx context.Context, playerID string) (time.Duration, error) {
	raw, err := e.st.Redis().HGet(ctx, joinTimesKey, playerID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ms, _ := strconv.ParseInt(raw, 10, 64)
	if ms == 0 {
		return 0, nil
	}
	return time.Since(time.UnixMilli(ms)), nil
}

// PairOnce scans a bounded prefix of the pool and pairs what it can. Safe to
// run concurrently in every instance.
func (e *Engine) PairOnce(ctx context.Context) error {
	// ZRange bounds are inclusive, so the prefix is [0, scanLimit-1]
	entries, err := e.st.Redis().ZRangeWithScores(ctx, queueKey, 0, int64(e.scanLimit)-1).Result()
	if err != nil {
		return err
	}
	if len(entries) < 2 {
		return nil
	}

	for _, entry := range entries {
		playerID, _ := entry.Member.(string)
		if playerID == "" {
			continue
		}
		rating := int(entry.Score)

		// ghost check: the pool entry must still be backed by a QUEUED player
		loc, err := e.dir.Locate(ctx, playerID)
		if err != nil {
			continue
		}
		if loc == nil || loc.Status != presence.StatusQueued {
			_ = e.CleanupPlayer(ctx, playerID)
			continue
		}

		waited, _ := e.WaitTime(ctx, playerID)
		width := rangeTier0
		switch {
		case waited > 20*time.Second:
			width = rangeTier2
		case waited > 10*time.Second:
			width = rangeTier1
		}

		partnerID, err := e.findPartner(ctx, playerID, rating, width)
		if err != nil || partnerID == "" {
			continue
		}
		e.pair(ctx, playerID, partnerID)
	}
	return nil
}

// findPartner searches the pool within [rating-width, rating+width], pruning
// non-QUEUED ghosts on sight.
func (e *Engine) findPartner(ctx context.Context, playerID string, rating, width int) (string, error) {
	candidates, err := e.st.Redis().ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   strconv.Itoa(rating - width),
		Max:   strconv.Itoa(rating + width),
		Count: partnerScanLimit,
	}).Result()
	if err != nil {
		return "", err
	}
	for _, cid := range candidates {
		if cid == playerID {
			continue
		}
		loc, err := e.dir.Locate(ctx, cid)
		if err != nil {
			continue
		}
		if loc != nil && loc.Status == presence.StatusQueued {
			return cid, nil
		}
		_ = e.CleanupPlayer(ctx, cid)
	}
	return "", nil
}

// pair claims both players atomically and commits the match. Ownership of the
// pairing belongs to whichever attempt removed both entries; anything less is
// abandoned. After the claim every failure rolls both players back into the
// pool with their wait-time priority intact.
func (e *Engine) pair(ctx context.Context, a, b string) {
	// snapshot scores and join times first; they are gone after the claim
	ratingA, errA := e.st.Redis().ZScore(ctx, queueKey, a).Result()
	ratingB, errB := e.st.Redis().ZScore(ctx, queueKey, b).Result()
	if errA != nil || errB != nil {
		return
	}
	joinA, _ := e.st.Redis().HGet(ctx, joinTimesKey, a).Result()
	joinB, _ := e.st.Redis().HGet(ctx, joinTimesKey, b).Result()

	claimed, err := e.st.Claim(ctx, queueKey, a, b)
	if err != nil {
		return
	}
	if claimed != 2 {
		// a racing claimer owns at least one side; abandon without touching
		// the pool. Only the post-claim rollback ever reintroduces entries,
		// so the winner's view of its players cannot be disturbed here.
		return
	}

	// claim owned; fresh validation before committing anything
	locA, _ := e.dir.Locate(ctx, a)
	locB, _ := e.dir.Locate(ctx, b)
	if locA == nil || locA.Status != presence.StatusQueued || locB == nil || locB.Status != presence.StatusQueued {
		e.requeueSurvivors(ctx, []claimEntry{
			{id: a, rating: ratingA, joinedAt: joinA, loc: locA},
			{id: b, rating: ratingB, joinedAt: joinB, loc: locB},
		})
		return
	}

	st, err := e.mgr.CreateMatch(ctx, a, b)
	if err != nil {
		obslog.L().Error("pair_create_error", zap.String("player_a", a), zap.String("player_b", b), zap.Error(err))
		e.rollback(ctx, nil, a, b, ratingA, ratingB, joinA, joinB)
		return
	}

	if err := e.commit(ctx, st, locA, locB); err != nil {
		obslog.L().Error("pair_commit_error", zap.String("match_id", st.ID), zap.Error(err))
		e.rollback(ctx, st, a, b, ratingA, ratingB, joinA, joinB)
		return
	}

	pipe := e.st.Redis().Pipeline()
	pipe.HDel(ctx, joinTimesKey, a, b)
	_, _ = pipe.Exec(ctx)

	obslog.L().Info("pair_matched",
		zap.String("match_id", st.ID),
		zap.String("player_a", a),
		zap.String("player_b", b),
		zap.Float64("rating_a", ratingA),
		zap.Float64("rating_b", ratingB),
	)
}

// commit flips both presences to IN_GAME and sends the instance-targeted
// match-started notifications. Any error aborts the pairing.
func (e *Engine) commit(ctx context.Context, st *match.State, locs ...*presence.Location) error {
	for _, loc := range locs {
		if err := e.dir.SetStatus(ctx, loc.PlayerID, presence.StatusInGame); err != nil {
			return err
		}
	}
	for _, loc := range locs {
		err := e.notif.Notify(ctx, loc.PlayerID, events.KindMatchStarted, gamedto.MatchStarted{
			Recipient: loc.PlayerID,
			MatchID:   st.ID,
			MySymbol:  st.Symbols[loc.PlayerID],
			Opponent:  st.Opponent(loc.PlayerID),
			Turn:      st.Turn,
			Deadline:  st.TurnDeadline,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// rollback restores both players to QUEUED after a post-claim failure: pool
// entry with the original rating, original join timestamp so their wait-time
// priority survives, presence back to QUEUED, and any half-created match torn
// down.
func (e *Engine) rollback(ctx context.Context, st *match.State, a, b string, ratingA, ratingB float64, joinA, joinB string) {
	if st != nil {
		if err := e.mgr.Destroy(ctx, st); err != nil {
			obslog.L().Error("pair_rollback_destroy_error", zap.String("match_id", st.ID), zap.Error(err))
		}
	}
	pipe := e.st.Redis().Pipeline()
	pipe.ZAdd(ctx, queueKey, redis.Z{Score: ratingA, Member: a})
	pipe.ZAdd(ctx, queueKey, redis.Z{Score: ratingB, Member: b})
	if joinA != "" {
		pipe.HSet(ctx, joinTimesKey, a, joinA)
	}
	if joinB != "" {
		pipe.HSet(ctx, joinTimesKey, b, joinB)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obslog.L().Error("pair_rollback_error", zap.String("player_a", a), zap.String("player_b", b), zap.Error(err))
	}
	for _, id := range []string{a, b} {
		if err := e.dir.SetStatus(ctx, id, presence.StatusQueued); err != nil {
			obslog.L().Error("pair_rollback_status_error", zap.String("player_id", id), zap.Error(err))
		}
	}
	obslog.L().Warn("pair_rollback", zap.String("player_a", a), zap.String("player_b", b))
}

type claimEntry struct {
	id       string
	rating   float64
	joinedAt string
	loc      *presence.Location
}

// requeueSurvivors handles a claim that validated stale: sides still QUEUED
// go back into the pool with their priority; sides that went away stay out.
func (e *Engine) requeueSurvivors(ctx context.Context, entries []claimEntry) {
	for _, en := range entries {
		if en.loc == nil || en.loc.Status != presence.StatusQueued {
			_ = e.st.Redis().HDel(ctx, joinTimesKey, en.id).Err()
			continue
		}
		pipe := e.st.Redis().Pipeline()
		pipe.ZAdd(ctx, queueKey, redis.Z{Score: en.rating, Member: en.id})
		if en.joinedAt != "" {
			pipe.HSet(ctx, joinTimesKey, en.id, en.joinedAt)
		}
		_, _ = pipe.Exec(ctx)
	}
}

// Run pairs on a fixed interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	obslog.L().Info("matchmaker_start", zap.Duration("interval", interval))
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.PairOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				obslog.L().Error("matchmaker_pair_error", zap.Error(err))
			}
		}
	}
}
