package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createStateTable = `CREATE TABLE IF NOT EXISTS creditbot_state (
    name       TEXT PRIMARY KEY,
    document   TEXT NOT NULL,
    version    BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBackend stores the document in a single row, using the version
// column for compare-and-swap.
type PostgresBackend struct {
	pool *pgxpool.Pool
	name string
}

func NewPostgresBackend(pool *pgxpool.Pool, name string) *PostgresBackend {
	if name == "" {
		name = "processed_messages"
	}
	return &PostgresBackend{pool: pool, name: name}
}

// EnsureSchema creates the state table if it does not exist.
func (p *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, createStateTable); err != nil {
		return fmt.Errorf("create creditbot_state: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Load(ctx context.Context) ([]byte, Version, error) {
	var (
		document string
		version  int64
	)
	err := p.pool.QueryRow(ctx,
		`SELECT document, version FROM creditbot_state WHERE name = $1`, p.name,
	).Scan(&document, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("query creditbot_state: %w", err)
	}
	return []byte(document), Version(strconv.FormatInt(version, 10)), nil
}

func (p *PostgresBackend) Save(ctx context.Context, data []byte, expected Version) (Version, error) {
	if expected == "" {
		tag, err := p.pool.Exec(ctx,
			`INSERT INTO creditbot_state (name, document, version) VALUES ($1, $2, 1)
             ON CONFLICT (name) DO NOTHING`, p.name, string(data))
		if err != nil {
			return "", fmt.Errorf("insert creditbot_state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return "", ErrConflict
		}
		return "1", nil
	}

	want, err := strconv.ParseInt(string(expected), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid version token %q: %w", expected, err)
	}

	var next int64
	err = p.pool.QueryRow(ctx,
		`UPDATE creditbot_state SET document = $2, version = version + 1, updated_at = now()
         WHERE name = $1 AND version = $3
         RETURNING version`, p.name, string(data), want,
	).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("update creditbot_state: %w", err)
	}
	return Version(strconv.FormatInt(next, 10)), nil
}
