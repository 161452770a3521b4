package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/ddugovic/tasbot/internal/search"
)

// Connect opens a connection pool to the PostgreSQL database. The pool is
// small: only the engine's round loop writes to the archive.
func Connect(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// Archive persists per-round and per-backtrack records for one named run,
// so long searches can be compared and resumed analyses survive restarts.
type Archive struct {
	db   *sql.DB
	game string
}

// NewArchive creates an Archive for one game run.
func NewArchive(db *sql.DB, game string) *Archive {
	return &Archive{db: db, game: game}
}

// EnsureSchema creates the archive tables if they do not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rounds (
			id BIGSERIAL PRIMARY KEY,
			game TEXT NOT NULL,
			round BIGINT NOT NULL,
			movie_len INT NOT NULL,
			best_score DOUBLE PRECISION NOT NULL,
			candidates INT NOT NULL,
			method TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS backtracks (
			id BIGSERIAL PRIMARY KEY,
			game TEXT NOT NULL,
			round BIGINT NOT NULL,
			from_frame INT NOT NULL,
			to_frame INT NOT NULL,
			replacements INT NOT NULL,
			improvability DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS rounds_game_idx ON rounds (game, round);
		CREATE INDEX IF NOT EXISTS backtracks_game_idx ON backtracks (game, round)`)
	if err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

// SaveRound inserts one round record.
func (a *Archive) SaveRound(ctx context.Context, rec search.RoundRecord) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO rounds (game, round, movie_len, best_score, candidates, method)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.game, rec.Round, rec.MovieLen, rec.BestScore, rec.Candidates, rec.Method)
	if err != nil {
		return fmt.Errorf("save round: %w", err)
	}
	return nil
}

// SaveBacktrack inserts one backtrack record.
func (a *Archive) SaveBacktrack(ctx context.Context, rec search.BacktrackRecord) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO backtracks (game, round, from_frame, to_frame, replacements, improvability)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.game, rec.Round, rec.FromFrame, rec.ToFrame, rec.Replacements, rec.Improvability)
	if err != nil {
		return fmt.Errorf("save backtrack: %w", err)
	}
	return nil
}

// RecentRounds returns the newest round records for one game, for quick
// run comparisons.
func (a *Archive) RecentRounds(ctx context.Context, limit int) ([]search.RoundRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT round, movie_len, best_score, candidates, method
		 FROM rounds WHERE game = $1 ORDER BY round DESC LIMIT $2`,
		a.game, limit)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var recs []search.RoundRecord
	for rows.Next() {
		var rec search.RoundRecord
		if err := rows.Scan(&rec.Round, &rec.MovieLen, &rec.BestScore, &rec.Candidates, &rec.Method); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
