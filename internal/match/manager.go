package match

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/playgrid/arena/internal/events"
	"github.com/playgrid/arena/internal/obslog"
	"github.com/playgrid/arena/internal/presence"
	"github.com/playgrid/arena/internal/router"
	"github.com/playgrid/arena/internal/store"
	"github.com/playgrid/arena/pkg/gamedto"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	// ErrMatchNotFound means no live state exists for the id.
	ErrMatchNotFound staticErr = "match not found"
	// errAbort ends a mutation without persisting anything. Used for
	// precondition failures that are not errors (claim races, stale events).
	errAbort staticErr = "match mutation aborted"
)

func matchKey(id string) string        { return "game:match:" + id }
func playerMatchKey(pid string) string { return "player:match:" + pid }

const (
	timersKey = "game:timers"
	ttlMatch  = 24 * time.Hour
)

// Manager owns all live-match mutations. Every instance runs one; exclusion
// across instances comes from turn ownership and the timer claim, not from
// locks.
type Manager struct {
	st    *store.Client
	dir   *presence.Directory
	notif *router.Notifier
	repo  Archiver

	turnTimeout  time.Duration
	pauseTimeout time.Duration
}

func NewManager(st *store.Client, dir *presence.Directory, notif *router.Notifier, turnTimeout, pauseTimeout time.Duration) *Manager {
	return &Manager{st: st, dir: dir, notif: notif, turnTimeout: turnTimeout, pauseTimeout: pauseTimeout}
}

// AttachArchiver wires external match history persistence.
func (m *Manager) AttachArchiver(a Archiver) {
	if m != nil {
		m.repo = a
	}
}

// CreateMatch builds the state for a freshly paired match. The first player
// in the pair moves first and plays X. The state passes through INITIALIZED
// and lands ACTIVE with a turn deadline armed before anything is persisted.
func (m *Manager) CreateMatch(ctx context.Context, playerA, playerB string) (*State, error) {
	now := time.Now()
	st := &State{
		ID:        uuid.NewString(),
		Players:   []string{playerA, playerB},
		Symbols:   map[string]string{playerA: "X", playerB: "O"},
		Board:     EmptyBoard(),
		Turn:      playerA,
		Status:    StatusInitialized,
		Moves:     []MoveRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.Status = StatusActive
	st.TurnDeadline = now.Add(m.turnTimeout)

	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	pipe := m.st.Redis().Pipeline()
	pipe.Set(ctx, matchKey(st.ID), raw, ttlMatch)
	pipe.Set(ctx, playerMatchKey(playerA), st.ID, ttlMatch)
	pipe.Set(ctx, playerMatchKey(playerB), st.ID, ttlMatch)
	pipe.ZAdd(ctx, timersKey, redis.Z{Score: float64(st.TurnDeadline.UnixMilli()), Member: st.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	obslog.L().Info("match_create",
		zap.String("match_id", st.ID),
		zap.String("player_a", playerA),
		zap.String("player_b", playerB),
	)
	return st, nil
}

// Destroy removes a match and its companions from the live store. Used by the
// matchmaking rollback when a pairing fails after the claim.
func (m *Manager) Destroy(ctx context.Context, st *State) error {
	pipe := m.st.Redis().Pipeline()
	pipe.Del(ctx, matchKey(st.ID))
	for _, p := range st.Players {
		pipe.Del(ctx, playerMatchKey(p))
	}
	pipe.ZRem(ctx, timersKey, st.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Load returns the live state, or ErrMatchNotFound.
func (m *Manager) Load(ctx context.Context, matchID string) (*State, error) {
	raw, err := m.st.Redis().Get(ctx, matchKey(matchID)).Bytes()
	if err == redis.Nil {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// LoadByPlayer resolves the player's active match via the player index. A
// dangling index entry (match already gone) is self-healed on sight.
func (m *Manager) LoadByPlayer(ctx context.Context, playerID string) (*State, error) {
	matchID, err := m.st.Redis().Get(ctx, playerMatchKey(playerID)).Result()
	if err == redis.Nil {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	st, err := m.Load(ctx, matchID)
	if errors.Is(err, ErrMatchNotFound) {
		_ = m.st.Redis().Del(ctx, playerMatchKey(playerID)).Err()
	}
	return st, err
}

// mutate applies fn to the current state under WATCH and persists the result
// atomically together with the timer entry that matches the new status:
// ACTIVE keeps a turn deadline, PAUSED a pause deadline, terminal states none.
// That is what keeps "at most one pending timer per match" true.
func (m *Manager) mutate(ctx context.Context, matchID string, fn func(cur *State) error) (*State, error) {
	key := matchKey(matchID)
	var out *State
	err := m.st.Redis().Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrMatchNotFound
		}
		if err != nil {
			return err
		}
		var cur State
		if jerr := json.Unmarshal(raw, &cur); jerr != nil {
			return jerr
		}
		if err := fn(&cur); err != nil {
			return err
		}
		cur.UpdatedAt = time.Now()

		pipe := tx.TxPipeline()
		newRaw, _ := json.Marshal(&cur)
		pipe.Set(ctx, key, newRaw, ttlMatch)
		pipe.ZRem(ctx, timersKey, matchID)
		switch cur.Status {
		case StatusActive:
			pipe.ZAdd(ctx, timersKey, redis.Z{Score: float64(cur.TurnDeadline.UnixMilli()), Member: matchID})
		case StatusPaused:
			pipe.ZAdd(ctx, timersKey, redis.Z{Score: float64(cur.PauseDeadline.UnixMilli()), Member: matchID})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = &cur
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessMove validates and applies one move. Validation failures go back to
// the offending player only; the board is untouched. Turn ownership is the
// exclusion token: a redelivered or concurrent duplicate fails the turn check.
func (m *Manager) ProcessMove(ctx context.Context, matchID, playerID string, position int) error {
	if !ValidPosition(position) {
		return m.notifyInvalid(ctx, playerID, matchID, InvalidPosition)
	}

	var invalidReason string
	st, err := m.mutate(ctx, matchID, func(cur *State) error {
		if cur.Status != StatusActive || !cur.HasPlayer(playerID) {
			invalidReason = InvalidMatchNotFound
			return errAbort
		}
		if cur.Turn != playerID {
			invalidReason = InvalidNotYourTurn
			return errAbort
		}
		if cur.Board[position] != "" {
			invalidReason = InvalidCellOccupied
			return errAbort
		}

		mark := cur.Symbols[playerID]
		cur.Board[position] = mark
		cur.MoveCount++
		cur.Moves = append(cur.Moves, MoveRecord{PlayerID: playerID, Position: position, Mark: mark, At: time.Now()})

		outcome, _ := Evaluate(cur.Board)
		switch outcome {
		case OutcomeWin:
			cur.Status = StatusFinished
			cur.Winner = playerID
			cur.Reason = ReasonCompleted
		case OutcomeDraw:
			cur.Status = StatusFinished
			cur.Reason = ReasonCompleted
		default:
			cur.Turn = cur.Opponent(playerID)
			cur.TurnDeadline = time.Now().Add(m.turnTimeout)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errAbort) {
			return m.notifyInvalid(ctx, playerID, matchID, invalidReason)
		}
		if errors.Is(err, ErrMatchNotFound) {
			return m.notifyInvalid(ctx, playerID, matchID, InvalidMatchNotFound)
		}
		return err
	}

	obslog.L().Info("match_move",
		zap.String("match_id", matchID),
		zap.String("player_id", playerID),
		zap.Int("position", position),
		zap.Int("move_count", st.MoveCount),
		zap.String("status", string(st.Status)),
	)

	if st.Terminal() {
		return m.finalize(ctx, st)
	}

	for _, p := range st.Players {
		nerr := m.notif.Notify(ctx, p, events.KindTurnUpdate, gamedto.TurnUpdate{
			Recipient: p,
			MatchID:   st.ID,
			Board:     append([]string(nil), st.Board...),
			NextTurn:  st.Turn,
			IsMyTurn:  st.Turn == p,
			Deadline:  st.TurnDeadline,
		})
		if nerr != nil {
			obslog.L().Error("match_notify_error", zap.String("match_id", st.ID), zap.String("recipient", p), zap.Error(nerr))
		}
	}
	return nil
}

// HandleForfeit ends the match in favour of the opponent. Unknown matches,
// non-participants and already-terminal matches are silent no-ops.
func (m *Manager) HandleForfeit(ctx context.Context, matchID, playerID string) error {
	st, err := m.mutate(ctx, matchID, func(cur *State) error {
		if cur.Terminal() || !cur.HasPlayer(playerID) {
			return errAbort
		}
		cur.Status = StatusFinished
		cur.Winner = cur.Opponent(playerID)
		cur.Reason = ReasonForfeit
		return nil
	})
	if err != nil {
		if errors.Is(err, errAbort) || errors.Is(err, ErrMatchNotFound) {
			return nil
		}
		return err
	}
	obslog.L().Info("match_forfeit",
		zap.String("match_id", matchID),
		zap.String("forfeiter", playerID),
		zap.String("winner", st.Winner),
	)
	return m.finalize(ctx, st)
}

// HandleDisconnect pauses the player's active match, if any. The turn timer
// is replaced by a pause deadline so disconnect time never counts against the
// player who stayed.
func (m *Manager) HandleDisconnect(ctx context.Context, playerID string) error {
	st, err := m.LoadByPlayer(ctx, playerID)
	if errors.Is(err, ErrMatchNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	st, err = m.mutate(ctx, st.ID, func(cur *State) error {
		if cur.Status != StatusActive || !cur.HasPlayer(playerID) {
			return errAbort
		}
		cur.Status = StatusPaused
		cur.PausedBy = playerID
		cur.PauseDeadline = time.Now().Add(m.pauseTimeout)
		cur.TurnDeadline = time.Time{}
		return nil
	})
	if err != nil {
		if errors.Is(err, errAbort) || errors.Is(err, ErrMatchNotFound) {
			return nil
		}
		return err
	}

	opponent := st.Opponent(playerID)
	obslog.L().Info("match_pause",
		zap.String("match_id", st.ID),
		zap.String("paused_by", playerID),
		zap.Time("resume_by", st.PauseDeadline),
	)
	return m.notif.Notify(ctx, opponent, events.KindMatchPaused, gamedto.MatchPaused{
		Recipient: opponent,
		MatchID:   st.ID,
		PausedBy:  playerID,
		ResumeBy:  st.PauseDeadline,
	})
}

// HandleReconnect resumes a match paused by this player: back to ACTIVE with
// a fresh turn deadline, full state-sync to the returnee, resume notice to
// the opponent.
func (m *Manager) HandleReconnect(ctx context.Context, playerID string) error {
	st, err := m.LoadByPlayer(ctx, playerID)
	if errors.Is(err, ErrMatchNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	st, err = m.mutate(ctx, st.ID, func(cur *State) error {
		if cur.Status != StatusPaused || cur.PausedBy != playerID {
			return errAbort
		}
		cur.Status = StatusActive
		cur.PausedBy = ""
		cur.PauseDeadline = time.Time{}
		cur.TurnDeadline = time.Now().Add(m.turnTimeout)
		return nil
	})
	if err != nil {
		if errors.Is(err, errAbort) || errors.Is(err, ErrMatchNotFound) {
			return nil
		}
		return err
	}

	// the reconnect record came up IDLE; the live match reclaims the player
	if serr := m.dir.SetStatus(ctx, playerID, presence.StatusInGame); serr != nil {
		obslog.L().Error("match_presence_restore_error", zap.String("player_id", playerID), zap.Error(serr))
	}

	obslog.L().Info("match_resume", zap.String("match_id", st.ID), zap.String("player_id", playerID))

	if nerr := m.notif.Notify(ctx, playerID, events.KindStateSync, gamedto.StateSync{
		Recipient: playerID,
		Status:    string(presence.StatusInGame),
		MatchID:   st.ID,
		Board:     append([]string(nil), st.Board...),
		Turn:      st.Turn,
		Symbols:   st.Symbols,
		Deadline:  st.TurnDeadline,
	}); nerr != nil {
		obslog.L().Error("match_notify_error", zap.String("match_id", st.ID), zap.String("recipient", playerID), zap.Error(nerr))
	}

	opponent := st.Opponent(playerID)
	return m.notif.Notify(ctx, opponent, events.KindMatchResumed, gamedto.MatchResumed{
		Recipient: opponent,
		MatchID:   st.ID,
	})
}

// HandleCancel voids a match nobody has moved in yet.
func (m *Manager) HandleCancel(ctx context.Context, matchID, playerID string) error {
	st, err := m.mutate(ctx, matchID, func(cur *State) error {
		if cur.Terminal() || !cur.HasPlayer(playerID) || cur.MoveCount > 0 {
			return errAbort
		}
		cur.Status = StatusCancelled
		cur.Reason = ReasonCancelled
		return nil
	})
	if err != nil {
		if errors.Is(err, errAbort) || errors.Is(err, ErrMatchNotFound) {
			return nil
		}
		return err
	}
	obslog.L().Info("match_cancel", zap.String("match_id", matchID), zap.String("cancelled_by", playerID))
	return m.finalize(ctx, st)
}

// HandleTimeout processes a timer entry already claimed by the watchdog. A
// turn deadline forfeits the player on turn; a pause deadline forfeits the
// absent player. A deadline moved under the claim restores the timer and does
// nothing; a dead match is a no-op.
func (m *Manager) HandleTimeout(ctx context.Context, matchID string) error {
	st, err := m.mutate(ctx, matchID, func(cur *State) error {
		if cur.Terminal() {
			return errAbort
		}
		now := time.Now()
		switch cur.Status {
		case StatusActive:
			if cur.TurnDeadline.After(now) {
				// re-armed since the claim; persisting re-creates the entry
				return nil
			}
			cur.Winner = cur.Opponent(cur.Turn)
		case StatusPaused:
			if cur.PauseDeadline.After(now) {
				return nil
			}
			cur.Winner = cur.Opponent(cur.PausedBy)
		default:
			return errAbort
		}
		cur.Status = StatusFinished
		cur.Reason = ReasonTimeout
		return nil
	})
	if err != nil {
		if errors.Is(err, errAbort) || errors.Is(err, ErrMatchNotFound) {
			return nil
		}
		return err
	}
	if !st.Terminal() {
		return nil
	}
	obslog.L().Info("match_timeout", zap.String("match_id", matchID), zap.String("winner", st.Winner))
	return m.finalize(ctx, st)
}

// finalize archives a terminal match, clears its live-store footprint, frees
// both players' presence, and notifies each player with their own result.
// Notification is last: nothing is announced before the state is safely
// persisted and archived.
func (m *Manager) finalize(ctx context.Context, st *State) error {
	if m.repo != nil {
		if err := m.repo.Archive(ctx, st); err != nil {
			obslog.L().Error("match_archive_error", zap.String("match_id", st.ID), zap.Error(err))
		}
	}

	pipe := m.st.Redis().Pipeline()
	for _, p := range st.Players {
		pipe.Del(ctx, playerMatchKey(p))
	}
	pipe.Del(ctx, matchKey(st.ID))
	pipe.ZRem(ctx, timersKey, st.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for _, p := range st.Players {
		if err := m.dir.SetStatus(ctx, p, presence.StatusIdle); err != nil {
			obslog.L().Error("match_presence_reset_error", zap.String("player_id", p), zap.Error(err))
		}
	}

	for _, p := range st.Players {
		result := "LOSS"
		switch {
		case st.Status == StatusCancelled:
			result = "NONE"
		case st.Winner == "":
			result = "DRAW"
		case st.Winner == p:
			result = "WIN"
		}
		nerr := m.notif.Notify(ctx, p, events.KindMatchEnded, gamedto.MatchEnded{
			Recipient:  p,
			MatchID:    st.ID,
			Result:     result,
			Reason:     st.Reason,
			FinalBoard: append([]string(nil), st.Board...),
		})
		if nerr != nil {
			obslog.L().Error("match_notify_error", zap.String("match_id", st.ID), zap.String("recipient", p), zap.Error(nerr))
		}
	}

	obslog.L().Info("match_end",
		zap.String("match_id", st.ID),
		zap.String("winner", st.Winner),
		zap.String("reason", st.Reason),
		zap.Int("move_count", st.MoveCount),
	)
	return nil
}

func (m *Manager) notifyInvalid(ctx context.Context, playerID, matchID, reason string) error {
	obslog.L().Debug("match_invalid_move",
		zap.String("match_id", matchID),
		zap.String("player_id", playerID),
		zap.String("reason", reason),
	)
	return m.notif.Notify(ctx, playerID, events.KindInvalidMove, gamedto.InvalidMove{
		Recipient: playerID,
		MatchID:   matchID,
		Reason:    reason,
	})
}
