package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/playgrid/arena/pkg/gamedto"
)

// Kind is the closed set of event types carried on the bus. Commands travel on
// the shared command stream; notifications travel on per-instance or broadcast
// subjects.
type Kind string

const (
	// Commands, consumed by any instance (queue-group).
	KindQueueJoin    Kind = "queue.join"
	KindQueueLeave   Kind = "queue.leave"
	KindMove         Kind = "game.move"
	KindForfeit      Kind = "game.forfeit"
	KindCancel       Kind = "game.cancel"
	KindPlayerOnline Kind = "player.online"
	KindPlayerGone   Kind = "player.gone"

	// Notifications, addressed to a recipient's owning instance.
	KindQueueJoined  Kind = "queue.joined"
	KindQueueLeft    Kind = "queue.left"
	KindMatchStarted Kind = "match.started"
	KindTurnUpdate   Kind = "turn.update"
	KindInvalidMove  Kind = "move.invalid"
	KindMatchEnded   Kind = "match.ended"
	KindMatchPaused  Kind = "match.paused"
	KindMatchResumed Kind = "match.resumed"
	KindStateSync    Kind = "state.sync"

	// Broadcast.
	KindPlayerKicked Kind = "player.kicked"
)

// Command payloads.

type QueueJoin struct {
	PlayerID string `json:"playerId"`
}

type QueueLeave struct {
	PlayerID string `json:"playerId"`
}

type Move struct {
	PlayerID string `json:"playerId"`
	MatchID  string `json:"matchId"`
	Position int    `json:"position"`
}

type Forfeit struct {
	PlayerID string `json:"playerId"`
	MatchID  string `json:"matchId"`
}

type Cancel struct {
	PlayerID string `json:"playerId"`
	MatchID  string `json:"matchId"`
}

// PlayerOnline announces a (re)connection so a paused match can resume.
type PlayerOnline struct {
	PlayerID   string `json:"playerId"`
	InstanceID string `json:"instanceId"`
}

// PlayerGone announces a disconnect or janitor eviction. Matchmaking and the
// match state machine both react to it; eviction must go through this same
// path so nothing is cleaned up silently.
type PlayerGone struct {
	PlayerID string `json:"playerId"`
}

// Envelope is the bus wire format: a kind tag plus its own payload. Decode
// rejects unknown kinds so malformed events fail loudly at the boundary.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload under kind.
func NewEnvelope(kind Kind, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return &Envelope{Kind: kind, Payload: raw}, nil
}

// Decode returns the typed payload for the envelope's kind.
func (e *Envelope) Decode() (interface{}, error) {
	var dst interface{}
	switch e.Kind {
	case KindQueueJoin:
		dst = &QueueJoin{}
	case KindQueueLeave:
		dst = &QueueLeave{}
	case KindMove:
		dst = &Move{}
	case KindForfeit:
		dst = &Forfeit{}
	case KindCancel:
		dst = &Cancel{}
	case KindPlayerOnline:
		dst = &PlayerOnline{}
	case KindPlayerGone:
		dst = &PlayerGone{}
	case KindQueueJoined:
		dst = &gamedto.QueueJoined{}
	case KindQueueLeft:
		dst = &gamedto.QueueLeft{}
	case KindMatchStarted:
		dst = &gamedto.MatchStarted{}
	case KindTurnUpdate:
		dst = &gamedto.TurnUpdate{}
	case KindInvalidMove:
		dst = &gamedto.InvalidMove{}
	case KindMatchEnded:
		dst = &gamedto.MatchEnded{}
	case KindMatchPaused:
		dst = &gamedto.MatchPaused{}
	case KindMatchResumed:
		dst = &gamedto.MatchResumed{}
	case KindStateSync:
		dst = &gamedto.StateSync{}
	case KindPlayerKicked:
		dst = &gamedto.PlayerKicked{}
	default:
		return nil, fmt.Errorf("unknown event kind: %q", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Kind, err)
	}
	return dst, nil
}

// Subjects.

const (
	CommandPrefix    = "arena.cmd."
	CommandWildcard  = "arena.cmd.>"
	EventPrefix      = "arena.evt."
	SubjectBroadcast = "arena.evt.broadcast"
)

// CommandSubject is the generic (instance-agnostic) subject for a command kind.
func CommandSubject(kind Kind) string { return CommandPrefix + string(kind) }

// InstanceSubject is the private subject one instance subscribes to.
func InstanceSubject(instanceID string) string { return EventPrefix + instanceID }

// Publisher is the minimal bus surface needed to emit events. Satisfied by the
// live NATS connection and by recording fakes in tests.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *Envelope) error
}
