package match

import (
	"context"
	"time"
)

// Status is a match lifecycle state. Exactly one applies at a time;
// INITIALIZED is transient and becomes ACTIVE the moment the first turn
// deadline is armed.
type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusActive      Status = "ACTIVE"
	StatusPaused      Status = "PAUSED"
	StatusFinished    Status = "FINISHED"
	StatusCancelled   Status = "CANCELLED"
)

// Termination reasons.
const (
	ReasonCompleted = "COMPLETED"
	ReasonForfeit   = "FORFEIT"
	ReasonTimeout   = "TIMEOUT"
	ReasonCancelled = "CANCELLED"
)

// Invalid-move reasons reported back to the offending player only.
const (
	InvalidMatchNotFound = "MATCH_NOT_FOUND"
	InvalidNotYourTurn   = "NOT_YOUR_TURN"
	InvalidPosition      = "INVALID_POSITION"
	InvalidCellOccupied  = "CELL_OCCUPIED"
)

// MoveRecord is one applied move, kept for the archive.
type MoveRecord struct {
	PlayerID string    `json:"playerId"`
	Position int       `json:"position"`
	Mark     string    `json:"mark"`
	At       time.Time `json:"at"`
}

// State is the authoritative per-match record, stored as JSON in the shared
// store. Invariants: Turn is one of Players while ACTIVE; the count of
// non-empty board cells equals MoveCount; Symbols never change after creation.
type State struct {
	ID      string            `json:"id"`
	Players []string          `json:"players"` // exactly 2, index 0 moves first
	Symbols map[string]string `json:"symbols"`
	Board   []string          `json:"board"`
	Turn    string            `json:"turn"`
	Status  Status            `json:"status"`

	MoveCount int          `json:"move_count"`
	Moves     []MoveRecord `json:"moves"`

	TurnDeadline  time.Time `json:"turn_deadline,omitempty"`
	PauseDeadline time.Time `json:"pause_deadline,omitempty"`
	PausedBy      string    `json:"paused_by,omitempty"`

	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Opponent returns the other player, or "" when the id is not a participant.
func (s *State) Opponent(playerID string) string {
	if len(s.Players) != 2 {
		return ""
	}
	if s.Players[0] == playerID {
		return s.Players[1]
	}
	if s.Players[1] == playerID {
		return s.Players[0]
	}
	return ""
}

// HasPlayer reports participation.
func (s *State) HasPlayer(playerID string) bool {
	for _, p := range s.Players {
		if p == playerID {
			return true
		}
	}
	return false
}

// Terminal reports whether the match has ended.
func (s *State) Terminal() bool { return s.Status == StatusFinished || s.Status == StatusCancelled }

// Archiver persists a finished or cancelled match to external history.
// wired in from the archive package; nil means archiving is skipped.
type Archiver interface {
	Archive(ctx context.Context, st *State) error
}
