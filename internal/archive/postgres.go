package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/outdial/internal/callstore"
)

// PostgresArchiver persists terminal call records in PostgreSQL.
type PostgresArchiver struct {
	pool *pgxpool.Pool
}

func NewPostgresArchiver(ctx context.Context, databaseURL string) (*PostgresArchiver, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresArchiver{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmt := `CREATE TABLE IF NOT EXISTS call_archive (
		id TEXT PRIMARY KEY,
		provider_call_id TEXT,
		state TEXT NOT NULL,
		to_number TEXT NOT NULL,
		from_number TEXT NOT NULL,
		goal TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		connected_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		transcript JSONB,
		result JSONB,
		error TEXT,
		archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init archive schema: %w", err)
	}
	return nil
}

func (a *PostgresArchiver) SaveCall(ctx context.Context, rec callstore.CallRecord) error {
	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	var result []byte
	if rec.Result != nil {
		result, err = json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	var connectedAt, endedAt any
	if !rec.ConnectedAt.IsZero() {
		connectedAt = rec.ConnectedAt
	}
	if !rec.EndedAt.IsZero() {
		endedAt = rec.EndedAt
	}

	_, err = a.pool.Exec(ctx,
		`INSERT INTO call_archive
		   (id, provider_call_id, state, to_number, from_number, goal,
		    started_at, connected_at, ended_at, transcript, result, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID,
		rec.ProviderCallID,
		string(rec.State),
		rec.To,
		rec.From,
		rec.Goal,
		rec.StartedAt,
		connectedAt,
		endedAt,
		transcript,
		result,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("archive call: %w", err)
	}
	return nil
}

func (a *PostgresArchiver) Close() {
	a.pool.Close()
}
