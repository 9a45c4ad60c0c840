package query

import (
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/hazyhaar/mongotail/checkpoint"
)

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("2015-02-27 00:00:00", "2015-02-28T00:00:00Z")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !w.Start.Equal(time.Date(2015, 2, 27, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", w.Start)
	}
	if !w.End.Equal(time.Date(2015, 2, 28, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", w.End)
	}
}

func TestParseWindowErrors(t *testing.T) {
	cases := []struct{ start, end string }{
		{"yesterday", ""},
		{"2015-02-27 00:00:00", "tomorrow"},
		{"2015-02-28 00:00:00", "2015-02-27 00:00:00"},
		{"2015-02-28 00:00:00", "2015-02-28 00:00:00"},
	}
	for _, c := range cases {
		if _, err := ParseWindow(c.start, c.end); !errors.Is(err, ErrInvalidWindow) {
			t.Errorf("ParseWindow(%q, %q) err = %v, want ErrInvalidWindow", c.start, c.end, err)
		}
	}
}

func TestParseWindowOpenEnded(t *testing.T) {
	w, err := ParseWindow("", "")
	if err != nil {
		t.Fatal(err)
	}
	if !w.Start.Equal(time.Unix(0, 0)) || !w.End.IsZero() {
		t.Errorf("window = %+v, want [epoch, open)", w)
	}
	if !w.Contains(time.Now()) {
		t.Error("open window should contain now")
	}
}

func TestWindowContainsBoundaries(t *testing.T) {
	// WHAT: start is inclusive, end is exclusive.
	start := time.Date(2015, 2, 27, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	w := Window{Start: start, End: end}

	if !w.Contains(start) {
		t.Error("start must be contained")
	}
	if w.Contains(end) {
		t.Error("end must be excluded")
	}
	if w.Contains(start.Add(-time.Millisecond)) {
		t.Error("before start must be excluded")
	}
	if !w.Contains(end.Add(-time.Millisecond)) {
		t.Error("just before end must be contained")
	}
}

func TestParseFilter(t *testing.T) {
	d, err := ParseFilter(`{"level": {"$in": ["error", "warn"]}, "n": {"$gt": 3}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(d) != 2 || d[0].Key != "level" || d[1].Key != "n" {
		t.Errorf("filter = %v", d)
	}

	empty, err := ParseFilter("  ")
	if err != nil || len(empty) != 0 {
		t.Errorf("empty filter = %v, %v", empty, err)
	}
}

func TestParseFilterMalformed(t *testing.T) {
	// WHAT: non-object or broken JSON is rejected.
	// WHY: a malformed filter must stop the run before the first query.
	for _, in := range []string{`{"level": `, `["a"]`, `42`} {
		if _, err := ParseFilter(in); !errors.Is(err, ErrInvalidFilter) {
			t.Errorf("ParseFilter(%q) err = %v, want ErrInvalidFilter", in, err)
		}
	}
}

func clauseOp(t *testing.T, q Query, i int, field string) (string, any) {
	t.Helper()
	and, ok := q.Filter[0].Value.(bson.A)
	if !ok || q.Filter[0].Key != "$and" {
		t.Fatalf("filter is not an $and: %v", q.Filter)
	}
	if i >= len(and) {
		t.Fatalf("clause %d missing (have %d)", i, len(and))
	}
	c := and[i].(bson.D)
	if c[0].Key != field {
		t.Fatalf("clause %d field = %q, want %q", i, c[0].Key, field)
	}
	op := c[0].Value.(bson.D)[0]
	return op.Key, op.Value
}

func TestBuildStrictAfterAdvance(t *testing.T) {
	// WHAT: an advanced checkpoint produces $gt, a fresh one $gte.
	// WHY: $gte after a delivery would re-emit the last document forever.
	start := time.Date(2015, 2, 27, 0, 0, 0, 0, time.UTC)
	spec := Spec{
		SortField: "ts",
		BatchSize: 30,
		Window:    Window{Start: start, End: start.Add(time.Hour)},
		Filter:    bson.D{{Key: "level", Value: "error"}},
	}
	pos := checkpoint.TimePosition(start.Add(time.Minute))

	q := Build(spec, checkpoint.Checkpoint{Position: pos, Advanced: true})
	if op, _ := clauseOp(t, q, 0, "ts"); op != "$gte" {
		t.Errorf("window start op = %s", op)
	}
	if op, _ := clauseOp(t, q, 1, "ts"); op != "$lt" {
		t.Errorf("window end op = %s", op)
	}
	op, v := clauseOp(t, q, 2, "ts")
	if op != "$gt" {
		t.Errorf("cursor op = %s, want $gt", op)
	}
	if !v.(primitive.DateTime).Time().Equal(pos.Time()) {
		t.Errorf("cursor value = %v, want %v", v, pos)
	}
	and := q.Filter[0].Value.(bson.A)
	if len(and) != 4 {
		t.Errorf("clauses = %d, want 4 (start, end, cursor, filter)", len(and))
	}
	if q.Limit != 30 || q.Sort[0].Key != "ts" || q.Sort[0].Value != 1 {
		t.Errorf("sort/limit = %v/%d", q.Sort, q.Limit)
	}

	q = Build(spec, checkpoint.Checkpoint{Position: pos})
	if op, _ := clauseOp(t, q, 2, "ts"); op != "$gte" {
		t.Errorf("fresh cursor op = %s, want $gte", op)
	}
}

func TestBuildIDModeOpenWindow(t *testing.T) {
	start := time.Date(2015, 2, 27, 0, 0, 0, 0, time.UTC)
	spec := Spec{SortField: "_id", BatchSize: 10, Window: Window{Start: start}}
	seed := checkpoint.SeedFor(checkpoint.ModeID, start)

	q := Build(spec, checkpoint.Checkpoint{Position: seed})
	and := q.Filter[0].Value.(bson.A)
	if len(and) != 2 {
		t.Fatalf("clauses = %d, want 2 (start, cursor) for an open window without filter", len(and))
	}
	_, v := clauseOp(t, q, 0, "_id")
	oid, ok := v.(primitive.ObjectID)
	if !ok {
		t.Fatalf("window start is %T, want ObjectID", v)
	}
	if !oid.Timestamp().Equal(start) {
		t.Errorf("start oid timestamp = %v, want %v", oid.Timestamp(), start)
	}
}
