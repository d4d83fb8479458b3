package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/playgrid/arena/internal/events"
	"github.com/playgrid/arena/internal/match"
	"github.com/playgrid/arena/internal/matchmaking"
	"github.com/playgrid/arena/internal/obslog"
)

// Dispatcher is the command-stream consumer: one decoded command in, one
// manager call out. Client-input rejections are handled inside the managers
// (reported to the offender) and ack here; only infrastructure errors
// propagate, leaving the message for redelivery.
type Dispatcher struct {
	mm  *matchmaking.Engine
	mgr *match.Manager
}

func NewDispatcher(mm *matchmaking.Engine, mgr *match.Manager) *Dispatcher {
	return &Dispatcher{mm: mm, mgr: mgr}
}

// Handle implements bus.Handler.
func (d *Dispatcher) Handle(ctx context.Context, env *events.Envelope) error {
	payload, err := env.Decode()
	if err != nil {
		obslog.L().Warn("dispatch_bad_event", zap.String("kind", string(env.Kind)), zap.Error(err))
		// undecodable commands can never succeed; drop
		return nil
	}

	switch p := payload.(type) {
	case *events.QueueJoin:
		_, err := d.mm.Join(ctx, p.PlayerID)
		if errors.Is(err, matchmaking.ErrAlreadyQueued) ||
			errors.Is(err, matchmaking.ErrAlreadyInGame) ||
			errors.Is(err, matchmaking.ErrNotConnected) {
			return nil
		}
		return err
	case *events.QueueLeave:
		_, err := d.mm.Leave(ctx, p.PlayerID)
		return err
	case *events.Move:
		return d.mgr.ProcessMove(ctx, p.MatchID, p.PlayerID, p.Position)
	case *events.Forfeit:
		return d.mgr.HandleForfeit(ctx, p.MatchID, p.PlayerID)
	case *events.Cancel:
		return d.mgr.HandleCancel(ctx, p.MatchID, p.PlayerID)
	case *events.PlayerOnline:
		return d.mgr.HandleReconnect(ctx, p.PlayerID)
	case *events.PlayerGone:
		if err := d.mm.CleanupPlayer(ctx, p.PlayerID); err != nil {
			return err
		}
		return d.mgr.HandleDisconnect(ctx, p.PlayerID)
	default:
		obslog.L().Warn("dispatch_unhandled_kind", zap.String("kind", string(env.Kind)))
		return nil
	}
}
