package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores checkpoints in a shared PostgreSQL table, for deployments
// where the tailer's host has no durable local disk. Text and integer
// positions live in separate columns; whichever is set is handed to Decode.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
	mode  Mode
}

// OpenPostgres connects to dsn and ensures the checkpoint table exists.
func OpenPostgres(ctx context.Context, dsn, table string, mode Mode) (*Postgres, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("checkpoint: invalid table name %q", table)
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: connect postgres: %w", err)
	}
	p := &Postgres{pool: pool, table: table, mode: mode}
	if err := p.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureTable(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+p.table+` (
		name            text PRIMARY KEY,
		position_text   text,
		position_millis bigint,
		advanced        boolean NOT NULL DEFAULT false,
		updated_at      timestamptz NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("checkpoint: create table %s: %w", p.table, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (Checkpoint, bool, error) {
	var text *string
	var millis *int64
	var advanced bool
	err := p.pool.QueryRow(ctx,
		`SELECT position_text, position_millis, advanced FROM `+p.table+` WHERE name = $1`, key).
		Scan(&text, &millis, &advanced)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: get %s: %w", key, err)
	}

	var raw any
	switch {
	case millis != nil:
		raw = *millis
	case text != nil:
		raw = *text
	}
	pos, err := decodeStored(key, p.mode, raw)
	if err != nil {
		return Checkpoint{}, true, err
	}
	return Checkpoint{Position: pos, Advanced: advanced}, true, nil
}

func (p *Postgres) Init(ctx context.Context, key string, seed Position) error {
	text, millis := splitStored(seed)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table+` (name, position_text, position_millis, advanced) VALUES ($1, $2, $3, false)
		 ON CONFLICT (name) DO NOTHING`,
		key, text, millis)
	if err != nil {
		return fmt.Errorf("checkpoint: init %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Put(ctx context.Context, key string, pos Position) error {
	text, millis := splitStored(pos)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table+` (name, position_text, position_millis, advanced) VALUES ($1, $2, $3, true)
		 ON CONFLICT (name) DO UPDATE SET position_text = EXCLUDED.position_text,
		     position_millis = EXCLUDED.position_millis, advanced = true, updated_at = now()`,
		key, text, millis)
	if err != nil {
		return fmt.Errorf("checkpoint: put %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func splitStored(pos Position) (*string, *int64) {
	switch v := pos.storedValue().(type) {
	case string:
		return &v, nil
	case int64:
		return nil, &v
	}
	return nil, nil
}
