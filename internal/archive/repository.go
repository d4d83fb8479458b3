package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/playgrid/arena/internal/match"
)

// Repository writes finished and cancelled matches to Postgres. Write-only
// from the coordination core; history queries live elsewhere.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Archive upserts one terminal match. Redelivered finalizations overwrite
// with identical data, so at-least-once handling stays safe.
func (r *Repository) Archive(ctx context.Context, st *match.State) error {
	if r == nil || r.db == nil || st == nil {
		return nil
	}
	if !st.Terminal() {
		return nil
	}

	playersRaw, _ := json.Marshal(st.Players)
	symbolsRaw, _ := json.Marshal(st.Symbols)
	boardRaw, _ := json.Marshal(st.Board)
	movesRaw, _ := json.Marshal(st.Moves)

	var winner sql.NullString
	if st.Winner != "" {
		winner = sql.NullString{String: st.Winner, Valid: true}
	}
	duration := st.UpdatedAt.Sub(st.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO match_history (
	    match_id, players, symbols, winner_id, final_board, moves,
	    move_count, reason, started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	  ) ON CONFLICT (match_id) DO UPDATE SET
	    players=EXCLUDED.players,
	    symbols=EXCLUDED.symbols,
	    winner_id=EXCLUDED.winner_id,
	    final_board=EXCLUDED.final_board,
	    moves=EXCLUDED.moves,
	    move_count=EXCLUDED.move_count,
	    reason=EXCLUDED.reason,
	    started_at=EXCLUDED.started_at,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		st.ID,
		string(playersRaw), string(symbolsRaw),
		winner,
		string(boardRaw), string(movesRaw),
		st.MoveCount, st.Reason,
		st.CreatedAt, st.UpdatedAt, duration,
	)
	return err
}
