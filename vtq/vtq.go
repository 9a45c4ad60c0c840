// Package vtq is a visibility-timeout queue in SQLite used as a durable
// outbox for tailed records. The tailer publishes; any number of
// downstream consumers claim, process and ack.
//
// A claimed job is hidden for the visibility duration. If the consumer
// neither acks nor nacks in time, the job becomes visible again and is
// redelivered, so delivery to consumers is at-least-once.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS mongotail_outbox (
//	    id          TEXT PRIMARY KEY,          -- UUIDv7
//	    queue       TEXT NOT NULL DEFAULT '',
//	    collection  TEXT NOT NULL,
//	    payload     BLOB NOT NULL,             -- one JSON record
//	    visible_at  INTEGER NOT NULL DEFAULT 0, -- ms since epoch
//	    created_at  INTEGER NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/mongotail/dbopen"
	"github.com/hazyhaar/mongotail/idgen"
)

// Job is one queued record.
type Job struct {
	ID         string
	Queue      string
	Collection string
	Payload    []byte
	VisibleAt  time.Time
	CreatedAt  time.Time
	Attempts   int
}

// Message is a record waiting to be published.
type Message struct {
	Collection string
	Payload    []byte
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Several queues share the table.
	Queue string
	// Visibility is how long a claimed job stays hidden. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claims in Run. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts drops a job after this many deliveries. 0 is unlimited.
	MaxAttempts int
	// NewID generates job ids. Default: idgen.Default.
	NewID  idgen.Generator
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.NewID == nil {
		o.NewID = idgen.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New returns a queue handle. Call EnsureTable once before use.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the outbox table and its index.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mongotail_outbox (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			collection  TEXT NOT NULL,
			payload     BLOB NOT NULL,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_mongotail_outbox_visible
			ON mongotail_outbox (queue, visible_at, id);
	`)
	if err != nil {
		return fmt.Errorf("vtq: ensure table: %w", err)
	}
	return nil
}

// Publish enqueues msgs in one transaction, immediately visible. Either
// every message is stored or none is.
func (q *Q) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO mongotail_outbox (id, queue, collection, payload, visible_at, created_at)
			 VALUES (?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range msgs {
			if _, err := stmt.ExecContext(ctx, q.opts.NewID(), q.opts.Queue, m.Collection, m.Payload, now, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("vtq: publish: %w", err)
	}
	return nil
}

// Claim hides the oldest visible job for the visibility duration and
// returns it. It returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	jobs, err := q.ClaimN(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// ClaimN claims up to n visible jobs, oldest first. It returns an empty
// non-nil slice when nothing is visible.
func (q *Q) ClaimN(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE mongotail_outbox
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM mongotail_outbox
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, id ASC
			LIMIT ?
		)
		RETURNING id, queue, collection, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("vtq: claim: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.ID, &j.Queue, &j.Collection, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, fmt.Errorf("vtq: claim scan: %w", err)
		}
		j.VisibleAt = time.UnixMilli(visAt)
		j.CreatedAt = time.UnixMilli(creAt)
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vtq: claim: %w", err)
	}
	return jobs, nil
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db,
		`DELETE FROM mongotail_outbox WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a job visible again at once.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE mongotail_outbox SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Len returns the number of jobs in the queue, hidden ones included.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mongotail_outbox WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// ErrDrop tells Run to ack a job the handler will never accept.
var ErrDrop = errors.New("vtq: drop job")

// Handler processes a claimed job. nil acks, ErrDrop acks and logs, any
// other error nacks.
type Handler func(ctx context.Context, job *Job) error

// Run claims and handles jobs until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started", "queue", q.opts.Queue, "visibility", q.opts.Visibility)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.drain(ctx, handler, log)
		}
	}
}

func (q *Q) drain(ctx context.Context, handler Handler, log *slog.Logger) {
	for ctx.Err() == nil {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("vtq: claim failed", "queue", q.opts.Queue, "error", err)
			return
		}
		if job == nil {
			return
		}

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("vtq: max attempts exceeded, dropping", "id", job.ID, "collection", job.Collection, "attempts", job.Attempts)
			_ = q.Ack(ctx, job.ID)
			continue
		}

		err = handler(ctx, job)
		switch {
		case err == nil:
			_ = q.Ack(ctx, job.ID)
		case errors.Is(err, ErrDrop):
			log.Warn("vtq: handler dropped job", "id", job.ID, "collection", job.Collection, "error", err)
			_ = q.Ack(ctx, job.ID)
		default:
			log.Warn("vtq: handler failed, nacking", "id", job.ID, "collection", job.Collection, "error", err)
			_ = q.Nack(ctx, job.ID)
		}
	}
}
