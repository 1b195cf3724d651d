package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS mint_actions (
    action       TEXT        NOT NULL,
    client_key   TEXT        NOT NULL,
    kind         TEXT        NOT NULL,
    status_code  INT         NOT NULL,
    response     JSONB       NOT NULL,
    submitted_at TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (action, client_key)
);
CREATE INDEX IF NOT EXISTS mint_actions_expires_at ON mint_actions (expires_at);
`

// PostgresStore keeps accepted actions in the mint_actions table. Expired rows
// are invisible to Lookup and removed by Purge.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate mint_actions: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Lookup(ctx context.Context, action, clientKey string) (*Record, error) {
	rec := Record{Action: action, ClientKey: clientKey}
	err := p.pool.QueryRow(ctx, `
SELECT kind, status_code, response, submitted_at, expires_at
FROM mint_actions
WHERE action = $1 AND client_key = $2 AND expires_at > now()
`, action, clientKey).Scan(&rec.Kind, &rec.StatusCode, &rec.Response, &rec.SubmittedAt, &rec.ExpiresAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("lookup %s action: %w", action, err)
	}
	return &rec, nil
}

// Remember keeps the first accepted outcome for a key; a replay never
// overwrites it.
func (p *PostgresStore) Remember(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO mint_actions (action, client_key, kind, status_code, response, submitted_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (action, client_key) DO UPDATE
SET kind = EXCLUDED.kind,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    submitted_at = EXCLUDED.submitted_at,
    expires_at = EXCLUDED.expires_at
WHERE mint_actions.expires_at <= now()
`, rec.Action, rec.ClientKey, rec.Kind, rec.StatusCode, []byte(rec.Response), rec.SubmittedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("remember %s action: %w", rec.Action, err)
	}
	return nil
}

func (p *PostgresStore) Purge(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM mint_actions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge mint_actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
