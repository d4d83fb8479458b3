package gamedto

import "time"

// Notifications delivered to clients over the gateway WebSocket. Every payload
// names its recipient; the routing layer uses it to pick the owning instance
// and the gateway uses it to pick the local socket.

type QueueJoined struct {
	Recipient string `json:"recipient"`
	Rating    int    `json:"rating,omitempty"`
	// Error carries a rejection (ALREADY_QUEUED, ALREADY_IN_GAME,
	// NOT_CONNECTED); empty on success.
	Error string `json:"error,omitempty"`
}

type QueueLeft struct {
	Recipient string `json:"recipient"`
	// WasQueued is false when the leave was a no-op.
	WasQueued bool `json:"wasQueued"`
}

type MatchStarted struct {
	Recipient string    `json:"recipient"`
	MatchID   string    `json:"matchId"`
	MySymbol  string    `json:"mySymbol"`
	Opponent  string    `json:"opponent"`
	Turn      string    `json:"turn"`
	Deadline  time.Time `json:"deadline"`
}

type TurnUpdate struct {
	Recipient string    `json:"recipient"`
	MatchID   string    `json:"matchId"`
	Board     []string  `json:"board"`
	NextTurn  string    `json:"nextTurn"`
	IsMyTurn  bool      `json:"isMyTurn"`
	Deadline  time.Time `json:"deadline"`
}

type InvalidMove struct {
	Recipient string `json:"recipient"`
	MatchID   string `json:"matchId"`
	Reason    string `json:"reason"`
}

type MatchEnded struct {
	Recipient  string   `json:"recipient"`
	MatchID    string   `json:"matchId"`
	Result     string   `json:"result"` // WIN, LOSS, DRAW
	Reason     string   `json:"reason"` // COMPLETED, DRAW, FORFEIT, TIMEOUT, CANCELLED
	FinalBoard []string `json:"finalBoard"`
}

type MatchPaused struct {
	Recipient string    `json:"recipient"`
	MatchID   string    `json:"matchId"`
	PausedBy  string    `json:"pausedBy"`
	ResumeBy  time.Time `json:"resumeBy"`
}

type MatchResumed struct {
	Recipient string `json:"recipient"`
	MatchID   string `json:"matchId"`
}

// StateSync is the full-state answer to a reconnect or an explicit resync
// request. Lost notifications are repaired by the next one of these.
type StateSync struct {
	Recipient string            `json:"recipient"`
	Status    string            `json:"status"`
	Rating    int               `json:"rating,omitempty"`
	QueuePos  int               `json:"queuePos,omitempty"`
	WaitSec   int               `json:"waitSec,omitempty"`
	MatchID   string            `json:"matchId,omitempty"`
	Board     []string          `json:"board,omitempty"`
	Turn      string            `json:"turn,omitempty"`
	Symbols   map[string]string `json:"symbols,omitempty"`
	Deadline  time.Time         `json:"deadline,omitempty"`
}

// PlayerKicked is broadcast so whichever instance still holds an older socket
// for the player closes it.
type PlayerKicked struct {
	PlayerID string `json:"playerId"`
	// ByInstance is the instance that accepted the superseding connection.
	ByInstance string `json:"byInstance"`
}
