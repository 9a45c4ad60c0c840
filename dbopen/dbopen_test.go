package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/mongotail/dbopen"
)

func TestPragmasOnEveryConnection(t *testing.T) {
	// WHAT: busy_timeout and synchronous hold on every pooled connection.
	// WHY: a pragma run once with Exec only reaches whichever connection
	// served it.
	path := filepath.Join(t.TempDir(), "since.db")
	db, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	var conns []*sql.Conn
	for range 3 {
		c, err := db.Conn(ctx)
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	for i, c := range conns {
		var busy, sync int
		var journal string
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil {
			t.Fatal(err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&sync); err != nil {
			t.Fatal(err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
			t.Fatal(err)
		}
		if busy != 10_000 || sync != 1 || journal != "wal" {
			t.Errorf("conn %d: busy_timeout=%d synchronous=%d journal_mode=%s", i, busy, sync, journal)
		}
		c.Close()
	}
}

func TestOpenMkdirAllAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "nested", "since.db")
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(`CREATE TABLE IF NOT EXISTS t (k TEXT PRIMARY KEY)`))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`INSERT INTO t (k) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

// lockedPair returns two handles on one file: holder has an open write
// transaction, contender never waits on locks.
func lockedPair(t *testing.T) (*sql.Tx, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lock.db")
	holder, err := dbopen.Open(path, dbopen.WithSchema(`CREATE TABLE t (k TEXT PRIMARY KEY)`))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { holder.Close() })
	contender, err := dbopen.Open(path, dbopen.WithBusyTimeout(0))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { contender.Close() })

	tx, err := holder.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec(`INSERT INTO t (k) VALUES ('held')`); err != nil {
		t.Fatal(err)
	}
	return tx, contender
}

func TestIsBusy(t *testing.T) {
	tx, contender := lockedPair(t)
	defer tx.Rollback()

	_, err := contender.Exec(`INSERT INTO t (k) VALUES ('x')`)
	if !dbopen.IsBusy(err) {
		t.Fatalf("IsBusy(%v) = false", err)
	}
	if dbopen.IsBusy(nil) || dbopen.IsBusy(errors.New("database is locked")) {
		t.Error("IsBusy matched a non-sqlite error")
	}
}

func TestExecRetriesWhileBusy(t *testing.T) {
	// WHAT: a write that hits a held lock succeeds once the holder commits.
	tx, contender := lockedPair(t)
	go func() {
		time.Sleep(30 * time.Millisecond)
		tx.Commit()
	}()

	if _, err := dbopen.Exec(context.Background(), contender, `INSERT INTO t (k) VALUES ('x')`); err != nil {
		t.Fatalf("exec: %v", err)
	}
	var n int
	if err := contender.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
}

func TestRunTxRollsBackOnError(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (k TEXT PRIMARY KEY)`))
	ctx := context.Background()

	boom := errors.New("boom")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t (k) VALUES ('x')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rows = %d, want 0 after rollback", n)
	}
}
