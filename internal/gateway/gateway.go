package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/playgrid/arena/internal/events"
	"github.com/playgrid/arena/internal/match"
	"github.com/playgrid/arena/internal/matchmaking"
	"github.com/playgrid/arena/internal/obslog"
	"github.com/playgrid/arena/internal/presence"
	"github.com/playgrid/arena/internal/router"
	"github.com/playgrid/arena/pkg/gamedto"
)

const writeTimeout = 5 * time.Second

// Gateway is the connection edge of one instance: it owns the local sockets,
// translates client commands 1:1 into command events, and delivers the
// notifications routed to this instance's private subject.
type Gateway struct {
	instanceID    string
	defaultRating int

	dir   *presence.Directory
	mm    *matchmaking.Engine
	mgr   *match.Manager
	pub   events.Publisher
	notif *router.Notifier
	reg   *Registry
}

func New(instanceID string, defaultRating int, dir *presence.Directory, mm *matchmaking.Engine, mgr *match.Manager, pub events.Publisher, notif *router.Notifier) *Gateway {
	return &Gateway{
		instanceID:    instanceID,
		defaultRating: defaultRating,
		dir:           dir,
		mm:            mm,
		mgr:           mgr,
		pub:           pub,
		notif:         notif,
		reg:           NewRegistry(),
	}
}

// Connections returns how many sockets this instance currently holds.
func (g *Gateway) Connections() int { return g.reg.Count() }

// Serve accepts WebSocket connections on /ws until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	obslog.L().Info("gateway_listen", zap.String("addr", addr), zap.String("instance_id", g.instanceID))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	// authentication is upstream; the gateway trusts the resolved player id
	playerID := strings.TrimSpace(r.URL.Query().Get("playerId"))
	if playerID == "" {
		http.Error(w, "playerId required", http.StatusBadRequest)
		return
	}
	rating := g.defaultRating
	if v := strings.TrimSpace(r.URL.Query().Get("rating")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rating = n
		}
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		obslog.L().Warn("gateway_accept_error", zap.String("player_id", playerID), zap.Error(err))
		return
	}

	ctx := r.Context()
	status, err := g.dir.RecordConnect(ctx, playerID, g.instanceID, rating)
	if err != nil {
		obslog.L().Error("gateway_connect_error", zap.String("player_id", playerID), zap.Error(err))
		_ = c.Close(websocket.StatusInternalError, "presence unavailable")
		return
	}

	// an older socket elsewhere is superseded by this connection
	if err := g.notif.Broadcast(ctx, events.KindPlayerKicked, gamedto.PlayerKicked{
		PlayerID:   playerID,
		ByInstance: g.instanceID,
	}); err != nil {
		obslog.L().Warn("gateway_kick_publish_error", zap.String("player_id", playerID), zap.Error(err))
	}

	if prev := g.reg.Set(playerID, c); prev != nil {
		_ = prev.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	}

	// a paused match resumes off this announcement
	if err := g.publishCommand(ctx, events.KindPlayerOnline, events.PlayerOnline{
		PlayerID:   playerID,
		InstanceID: g.instanceID,
	}); err != nil {
		obslog.L().Error("gateway_online_publish_error", zap.String("player_id", playerID), zap.Error(err))
	}

	obslog.L().Info("gateway_connect",
		zap.String("player_id", playerID),
		zap.String("status", string(status)),
		zap.Int("rating", rating),
	)

	g.readLoop(ctx, c, playerID)

	if g.reg.Remove(playerID, c) {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.dir.RecordDisconnect(dctx, playerID); err != nil {
			obslog.L().Error("gateway_disconnect_error", zap.String("player_id", playerID), zap.Error(err))
		}
		if err := g.publishCommand(dctx, events.KindPlayerGone, events.PlayerGone{PlayerID: playerID}); err != nil {
			obslog.L().Error("gateway_gone_publish_error", zap.String("player_id", playerID), zap.Error(err))
		}
		obslog.L().Info("gateway_disconnect", zap.String("player_id", playerID))
	}
	_ = c.Close(websocket.StatusNormalClosure, "")
}

// readLoop translates inbound frames until the socket dies. Heartbeats and
// resyncs are answered locally; everything else becomes a generic command
// event that any instance may consume.
func (g *Gateway) readLoop(ctx context.Context, c *websocket.Conn, playerID string) {
	for {
		var cmd gamedto.ClientCommand
		if err := wsjson.Read(ctx, c, &cmd); err != nil {
			return
		}

		var err error
		switch cmd.Type {
		case "heartbeat":
			_, err = g.dir.RecordHeartbeat(ctx, playerID)
		case "resync":
			err = g.sendResync(ctx, c, playerID)
		case "join_queue":
			err = g.publishCommand(ctx, events.KindQueueJoin, events.QueueJoin{PlayerID: playerID})
		case "leave_queue":
			err = g.publishCommand(ctx, events.KindQueueLeave, events.QueueLeave{PlayerID: playerID})
		case "move":
			err = g.publishCommand(ctx, events.KindMove, events.Move{
				PlayerID: playerID,
				MatchID:  cmd.MatchID,
				Position: cmd.Position,
			})
		case "forfeit":
			err = g.publishCommand(ctx, events.KindForfeit, events.Forfeit{PlayerID: playerID, MatchID: cmd.MatchID})
		case "cancel":
			err = g.publishCommand(ctx, events.KindCancel, events.Cancel{PlayerID: playerID, MatchID: cmd.MatchID})
		default:
			obslog.L().Debug("gateway_unknown_command", zap.String("player_id", playerID), zap.String("type", cmd.Type))
		}
		if err != nil {
			obslog.L().Error("gateway_command_error",
				zap.String("player_id", playerID),
				zap.String("type", cmd.Type),
				zap.Error(err),
			)
		}
	}
}

func (g *Gateway) publishCommand(ctx context.Context, kind events.Kind, payload interface{}) error {
	env, err := events.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	return g.pub.Publish(ctx, events.CommandSubject(kind), env)
}

// sendResync answers straight off the shared store: presence, queue standing,
// and live match state, self-healing a dangling player index on the way.
func (g *Gateway) sendResync(ctx context.Context, c *websocket.Conn, playerID string) error {
	loc, err := g.dir.Locate(ctx, playerID)
	if err != nil {
		return err
	}
	sync := gamedto.StateSync{Recipient: playerID, Status: string(presence.StatusOffline)}
	if loc != nil {
		sync.Status = string(loc.Status)
		sync.Rating = loc.Rating

		if st, err := g.mgr.LoadByPlayer(ctx, playerID); err == nil {
			sync.Status = string(presence.StatusInGame)
			sync.MatchID = st.ID
			sync.Board = append([]string(nil), st.Board...)
			sync.Turn = st.Turn
			sync.Symbols = st.Symbols
			sync.Deadline = st.TurnDeadline
		} else if !errors.Is(err, match.ErrMatchNotFound) {
			return err
		} else if loc.Status == presence.StatusQueued {
			if rank, err := g.mm.QueueRank(ctx, playerID); err == nil && rank >= 0 {
				sync.QueuePos = int(rank) + 1
			}
			if waited, err := g.mm.WaitTime(ctx, playerID); err == nil {
				sync.WaitSec = int(waited.Seconds())
			}
		}
	}
	return g.writeFrame(c, string(events.KindStateSync), sync)
}

// DeliverNotification hands a routed envelope to the local socket it names.
// Delivery to a socket that has since closed is a no-op; the client repairs
// itself with a resync on reconnect.
func (g *Gateway) DeliverNotification(env *events.Envelope) {
	payload, err := env.Decode()
	if err != nil {
		obslog.L().Warn("gateway_bad_notification", zap.String("kind", string(env.Kind)), zap.Error(err))
		return
	}

	if kick, ok := payload.(*gamedto.PlayerKicked); ok {
		if kick.ByInstance == g.instanceID {
			return
		}
		if c := g.reg.Get(kick.PlayerID); c != nil {
			// deregister first: the read-loop teardown must not treat a
			// superseded socket as a disconnect, the player lives elsewhere
			g.reg.Remove(kick.PlayerID, c)
			_ = c.Close(websocket.StatusPolicyViolation, "superseded by new connection")
		}
		return
	}

	recipient := recipientOf(payload)
	if recipient == "" {
		obslog.L().Debug("gateway_unroutable_notification", zap.String("kind", string(env.Kind)))
		return
	}
	c := g.reg.Get(recipient)
	if c == nil {
		obslog.L().Debug("gateway_recipient_gone",
			zap.String("kind", string(env.Kind)),
			zap.String("recipient", recipient),
		)
		return
	}
	if err := g.writeFrame(c, string(env.Kind), payload); err != nil {
		obslog.L().Debug("gateway_deliver_failed",
			zap.String("kind", string(env.Kind)),
			zap.String("recipient", recipient),
			zap.Error(err),
		)
	}
}

func (g *Gateway) writeFrame(c *websocket.Conn, kind string, payload interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, gamedto.ServerFrame{Type: kind, Payload: payload})
}

func recipientOf(payload interface{}) string {
	switch p := payload.(type) {
	case *gamedto.QueueJoined:
		return p.Recipient
	case *gamedto.QueueLeft:
		return p.Recipient
	case *gamedto.MatchStarted:
		return p.Recipient
	case *gamedto.TurnUpdate:
		return p.Recipient
	case *gamedto.InvalidMove:
		return p.Recipient
	case *gamedto.MatchEnded:
		return p.Recipient
	case *gamedto.MatchPaused:
		return p.Recipient
	case *gamedto.MatchResumed:
		return p.Recipient
	case *gamedto.StateSync:
		return p.Recipient
	default:
		return ""
	}
}
