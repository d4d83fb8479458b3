package match

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/playgrid/arena/internal/obslog"
	"github.com/playgrid/arena/internal/store"
)

// Watchdog sweeps the deadline-ordered timer set. Every instance runs one;
// the ZRem claim guarantees a given expiry is processed by exactly one of
// them, so there is no leader election.
type Watchdog struct {
	st  *store.Client
	mgr *Manager
}

func NewWatchdog(st *store.Client, mgr *Manager) *Watchdog {
	return &Watchdog{st: st, mgr: mgr}
}

const sweepBatch = 10

// SweepOnce claims and processes expired timer entries. Losing a claim to a
// concurrent sweeper is expected and not an error. Returns how many timeouts
// this instance handled.
func (w *Watchdog) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	expired, err := w.st.Redis().ZRangeByScore(ctx, timersKey, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now, 10),
		Count: sweepBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, matchID := range expired {
		claimed, err := w.st.Claim(ctx, timersKey, matchID)
		if err != nil {
			obslog.L().Error("watchdog_claim_error", zap.String("match_id", matchID), zap.Error(err))
			continue
		}
		if claimed != 1 {
			// another instance owns this timeout
			continue
		}
		if err := w.mgr.HandleTimeout(ctx, matchID); err != nil {
			obslog.L().Error("watchdog_timeout_error", zap.String("match_id", matchID), zap.Error(err))
			continue
		}
		handled++
	}
	return handled, nil
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	obslog.L().Info("watchdog_start", zap.Duration("interval", interval))
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				obslog.L().Error("watchdog_sweep_error", zap.Error(err))
			}
		}
	}
}
