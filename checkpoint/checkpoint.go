// Package checkpoint persists how far each tailed collection has been
// consumed. A checkpoint ("since" value) is keyed by
// "<namespace>_<collection>" and holds a Position: either an ObjectID
// (id mode) or a millisecond timestamp (time mode).
//
// There is exactly one writer per key. Put overwrites unconditionally; the
// tailer only ever hands it positions that do not move backwards.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Mode selects how positions are represented and compared.
type Mode string

const (
	// ModeID tracks the last seen ObjectID, stored as 24 hex characters.
	ModeID Mode = "id"
	// ModeTime tracks the last seen timestamp, stored as epoch milliseconds.
	ModeTime Mode = "time"
)

// ParseMode validates a configured checkpoint mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeID, ModeTime:
		return Mode(s), nil
	}
	return "", fmt.Errorf("checkpoint: unknown mode %q (want id or time)", s)
}

// Position is a point in a collection's sort order.
type Position struct {
	mode Mode
	id   primitive.ObjectID
	at   time.Time
}

// IDPosition returns an id-mode position.
func IDPosition(id primitive.ObjectID) Position {
	return Position{mode: ModeID, id: id}
}

// TimePosition returns a time-mode position truncated to the millisecond,
// which is the precision both MongoDB dates and the store keep.
func TimePosition(t time.Time) Position {
	return Position{mode: ModeTime, at: t.UTC().Truncate(time.Millisecond)}
}

// SeedFor returns the position a brand-new checkpoint starts from: the
// window start, expressed in the given mode.
func SeedFor(mode Mode, start time.Time) Position {
	if mode == ModeID {
		if start.IsZero() {
			return IDPosition(primitive.NilObjectID)
		}
		return IDPosition(primitive.NewObjectIDFromTimestamp(start))
	}
	if start.IsZero() {
		start = time.UnixMilli(0)
	}
	return TimePosition(start)
}

func (p Position) Mode() Mode             { return p.mode }
func (p Position) ID() primitive.ObjectID { return p.id }
func (p Position) Time() time.Time        { return p.at }
func (p Position) IsZero() bool           { return p.mode == "" }

// Compare returns -1, 0 or +1. Positions of different modes compare by mode
// name so the ordering stays total; the tailer never mixes them.
func (p Position) Compare(q Position) int {
	if p.mode != q.mode {
		switch {
		case p.mode < q.mode:
			return -1
		default:
			return 1
		}
	}
	if p.mode == ModeID {
		return bytes.Compare(p.id[:], q.id[:])
	}
	return p.at.Compare(q.at)
}

// After reports whether p sorts strictly after q.
func (p Position) After(q Position) bool { return p.Compare(q) > 0 }

// BSONValue returns the value to use in a MongoDB comparison.
func (p Position) BSONValue() any {
	if p.mode == ModeID {
		return p.id
	}
	return primitive.NewDateTimeFromTime(p.at)
}

func (p Position) String() string {
	switch p.mode {
	case ModeID:
		return p.id.Hex()
	case ModeTime:
		return p.at.Format("2006-01-02T15:04:05.000Z07:00")
	}
	return "<none>"
}

// storedValue is the representation written to the store: hex text for
// ids, int64 epoch millis for times.
func (p Position) storedValue() any {
	if p.mode == ModeID {
		return p.id.Hex()
	}
	return p.at.UnixMilli()
}

// FromValue extracts a position from a document's sort field: an ObjectID
// in id mode, a BSON date in time mode. Any other type cannot have matched
// the query bounds except through an array, which has no single position.
func FromValue(mode Mode, v bson.RawValue) (Position, error) {
	switch mode {
	case ModeID:
		if oid, ok := v.ObjectIDOK(); ok {
			return IDPosition(oid), nil
		}
	case ModeTime:
		if ms, ok := v.DateTimeOK(); ok {
			return TimePosition(time.UnixMilli(ms)), nil
		}
	}
	return Position{}, fmt.Errorf("checkpoint: sort value of type %s cannot be a %s position", v.Type, mode)
}

// Checkpoint is a stored position plus whether any document was ever
// committed past the seed. A checkpoint that has not advanced is queried
// inclusively so a document sitting exactly on the window start is not lost.
type Checkpoint struct {
	Position Position
	Advanced bool
}

// Store is the durable checkpoint table.
type Store interface {
	// Get returns the checkpoint for key. found is false when no row exists.
	// A stored value no parser accepts yields a *ParseError.
	Get(ctx context.Context, key string) (cp Checkpoint, found bool, err error)
	// Init creates key with seed unless it already exists.
	Init(ctx context.Context, key string, seed Position) error
	// Put overwrites the position for key and marks it advanced.
	Put(ctx context.Context, key string, pos Position) error
	Close() error
}

// Key builds the store key for a collection.
func Key(namespace, collection string) string {
	return namespace + "_" + collection
}

// Load returns the checkpoint for key, initialising it with seed first when
// the key has never been seen.
func Load(ctx context.Context, s Store, key string, seed Position) (Checkpoint, error) {
	cp, found, err := s.Get(ctx, key)
	if err != nil {
		return Checkpoint{}, err
	}
	if found {
		return cp, nil
	}
	if err := s.Init(ctx, key, seed); err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{Position: seed}, nil
}

// ErrUnparseable is wrapped by every *ParseError.
var ErrUnparseable = errors.New("checkpoint: unparseable position")

// ParseError reports a stored value that no parser accepted.
type ParseError struct {
	Key   string
	Mode  Mode
	Value any
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("checkpoint: cannot parse %s position %v (%T) for %q", e.Mode, e.Value, e.Value, e.Key)
}

func (e *ParseError) Unwrap() error { return ErrUnparseable }
