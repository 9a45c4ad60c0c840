package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/hazyhaar/mongotail/dbopen"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrLayout reports a checkpoint table that exists with foreign columns.
var ErrLayout = errors.New("checkpoint: unknown table layout")

// SQLite stores checkpoints in one table of a local SQLite file. The
// position column has no declared type, so a row holds a text date, integer
// millis or a hex id as written and Decode sorts them out on read. A table
// of the same name with any other layout is refused at open.
type SQLite struct {
	db    *sql.DB
	table string
	mode  Mode
	owned bool
}

// OpenSQLite opens (creating if needed) the database file at path and
// ensures the checkpoint table exists.
func OpenSQLite(path, table string, mode Mode) (*SQLite, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	s, err := NewSQLite(db, table, mode)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite wraps an already-open database. The caller keeps ownership of db.
func NewSQLite(db *sql.DB, table string, mode Mode) (*SQLite, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("checkpoint: invalid table name %q", table)
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	s := &SQLite{db: db, table: table, mode: mode}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureTable() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		name       TEXT PRIMARY KEY,
		position,
		advanced   INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("checkpoint: create table %s: %w", s.table, err)
	}
	return s.checkLayout()
}

// checkLayout fails when a pre-existing table lacks the columns Get and Put
// rely on, such as the table/place/glide_start layout of older tailers.
func (s *SQLite) checkLayout() error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, s.table)
	if err != nil {
		return fmt.Errorf("checkpoint: inspect table %s: %w", s.table, err)
	}
	defer rows.Close()
	have := map[string]bool{}
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return fmt.Errorf("checkpoint: inspect table %s: %w", s.table, err)
		}
		have[col] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("checkpoint: inspect table %s: %w", s.table, err)
	}
	for _, col := range []string{"name", "position", "advanced", "updated_at"} {
		if !have[col] {
			return fmt.Errorf("%w: table %s has no %s column", ErrLayout, s.table, col)
		}
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) (Checkpoint, bool, error) {
	var raw any
	var advanced int
	err := s.db.QueryRowContext(ctx,
		`SELECT position, advanced FROM `+s.table+` WHERE name = ?`, key).Scan(&raw, &advanced)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint: get %s: %w", key, err)
	}
	pos, err := decodeStored(key, s.mode, raw)
	if err != nil {
		return Checkpoint{}, true, err
	}
	return Checkpoint{Position: pos, Advanced: advanced != 0}, true, nil
}

func (s *SQLite) Init(ctx context.Context, key string, seed Position) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO `+s.table+` (name, position, advanced, updated_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT(name) DO NOTHING`,
		key, seed.storedValue(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("checkpoint: init %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Put(ctx context.Context, key string, pos Position) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO `+s.table+` (name, position, advanced, updated_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(name) DO UPDATE SET position = excluded.position, advanced = 1, updated_at = excluded.updated_at`,
		key, pos.storedValue(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("checkpoint: put %s: %w", key, err)
	}
	return nil
}

// Close closes the database when OpenSQLite created it.
func (s *SQLite) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
