// Package query builds the bounded find issued against one collection: the
// run's time window, the collection's cursor bound and the operator's own
// filter, conjoined, sorted ascending on the sort field and capped at the
// batch size.
package query

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/hazyhaar/mongotail/checkpoint"
)

var (
	// ErrInvalidFilter is returned for a filter or projection that is not a
	// JSON object.
	ErrInvalidFilter = errors.New("query: invalid filter")
	// ErrInvalidWindow is returned for unparseable or inverted window bounds.
	ErrInvalidWindow = errors.New("query: invalid window")
)

// WindowLayout is the layout window bounds are written in.
const WindowLayout = "2006-01-02 15:04:05"

// Window is the [Start, End) range bounding every query of a run. A zero
// End leaves the window open so the tailer follows new documents forever.
type Window struct {
	Start time.Time
	End   time.Time
}

// ParseWindow parses start and end bounds, each either WindowLayout (UTC) or
// RFC 3339. Empty start means the Unix epoch; empty end means open-ended.
func ParseWindow(start, end string) (Window, error) {
	w := Window{Start: time.Unix(0, 0).UTC()}
	var err error
	if start != "" {
		if w.Start, err = parseBound(start); err != nil {
			return Window{}, fmt.Errorf("%w: start %q: %v", ErrInvalidWindow, start, err)
		}
	}
	if end != "" {
		if w.End, err = parseBound(end); err != nil {
			return Window{}, fmt.Errorf("%w: end %q: %v", ErrInvalidWindow, end, err)
		}
		if !w.End.After(w.Start) {
			return Window{}, fmt.Errorf("%w: end %q is not after start %q", ErrInvalidWindow, end, start)
		}
	}
	return w, nil
}

func parseBound(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(WindowLayout, s, time.UTC); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Contains reports whether t falls inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	return w.End.IsZero() || t.Before(w.End)
}

// bounds returns the window edges as values comparable with the sort field.
// In id mode an edge becomes the smallest ObjectID minted in that second.
func (w Window) bounds(mode checkpoint.Mode) (start, end any) {
	if mode == checkpoint.ModeID {
		start = primitive.NewObjectIDFromTimestamp(w.Start)
		if !w.End.IsZero() {
			end = primitive.NewObjectIDFromTimestamp(w.End)
		}
		return start, end
	}
	start = primitive.NewDateTimeFromTime(w.Start)
	if !w.End.IsZero() {
		end = primitive.NewDateTimeFromTime(w.End)
	}
	return start, end
}

// ParseFilter parses the operator's filter, written as (relaxed) MongoDB
// Extended JSON. An empty string is the match-all filter.
func ParseFilter(s string) (bson.D, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return bson.D{}, nil
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return d, nil
}

// Query is one find against one collection.
type Query struct {
	Filter     bson.D
	Sort       bson.D
	Limit      int64
	Projection bson.D
}

// Spec holds the parts of a query that stay fixed for a run.
type Spec struct {
	SortField  string
	BatchSize  int64
	Window     Window
	Filter     bson.D
	Projection bson.D
}

// Build returns the query for a collection whose checkpoint is cp. The
// cursor bound is strict once the checkpoint has advanced so the last
// delivered document is not delivered again; a fresh checkpoint is
// inclusive so a document sitting on the seed is not skipped.
func Build(spec Spec, cp checkpoint.Checkpoint) Query {
	mode := cp.Position.Mode()
	start, end := spec.Window.bounds(mode)

	cursorOp := "$gte"
	if cp.Advanced {
		cursorOp = "$gt"
	}

	clauses := bson.A{
		bson.D{{Key: spec.SortField, Value: bson.D{{Key: "$gte", Value: start}}}},
	}
	if end != nil {
		clauses = append(clauses, bson.D{{Key: spec.SortField, Value: bson.D{{Key: "$lt", Value: end}}}})
	}
	clauses = append(clauses, bson.D{{Key: spec.SortField, Value: bson.D{{Key: cursorOp, Value: cp.Position.BSONValue()}}}})
	if len(spec.Filter) > 0 {
		clauses = append(clauses, spec.Filter)
	}

	return Query{
		Filter:     bson.D{{Key: "$and", Value: clauses}},
		Sort:       bson.D{{Key: spec.SortField, Value: 1}},
		Limit:      spec.BatchSize,
		Projection: spec.Projection,
	}
}
