package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hazyhaar/mongotail/dbopen"
	"github.com/hazyhaar/mongotail/transform"
	"github.com/hazyhaar/mongotail/vtq"
)

// Queue publishes records into a vtq outbox. A Flush is one transaction.
type Queue struct {
	q  *vtq.Q
	db *sql.DB // set when the sink opened the database itself

	mu  sync.Mutex
	buf []vtq.Message
}

// NewQueue wraps q. The caller runs q.EnsureTable first and keeps ownership
// of the database behind q.
func NewQueue(q *vtq.Q) *Queue {
	return &Queue{q: q}
}

// OpenQueue opens (creating if needed) the SQLite file at path, ensures the
// outbox table and returns a sink that closes the file on Close.
func OpenQueue(ctx context.Context, path string, opts vtq.Options) (*Queue, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	q := vtq.New(db, opts)
	if err := q.EnsureTable(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}
	return &Queue{q: q, db: db}, nil
}

func (s *Queue) Emit(_ context.Context, collection string, rec transform.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}
	s.mu.Lock()
	s.buf = append(s.buf, vtq.Message{Collection: collection, Payload: b})
	s.mu.Unlock()
	return nil
}

func (s *Queue) Flush(ctx context.Context) error {
	s.mu.Lock()
	msgs := s.buf
	s.buf = nil
	s.mu.Unlock()
	return s.q.Publish(ctx, msgs...)
}

func (s *Queue) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
