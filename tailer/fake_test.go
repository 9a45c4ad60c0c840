package tailer

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/hazyhaar/mongotail/checkpoint"
	"github.com/hazyhaar/mongotail/query"
)

// fakeSource is an in-memory database understanding the subset of the
// query language the tailer emits: $and, $gte, $gt, $lt, $lte and plain
// equality, with array fields matching on any element.
type fakeSource struct {
	mu        sync.Mutex
	colls     map[string][]bson.D
	finds     map[string]int
	failFinds int
}

func newFakeSource() *fakeSource {
	return &fakeSource{colls: map[string][]bson.D{}, finds: map[string]int{}}
}

func (f *fakeSource) add(coll string, docs ...bson.D) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.colls[coll] = append(f.colls[coll], docs...)
}

func (f *fakeSource) findCount(coll string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds[coll]
}

func (f *fakeSource) ListCollections(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.colls))
	for n := range f.colls {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeSource) Find(_ context.Context, coll string, q query.Query) ([]bson.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds[coll]++
	if f.failFinds > 0 {
		f.failFinds--
		return nil, errors.New("connection reset by peer")
	}

	field := q.Sort[0].Key
	var hits []bson.D
	for _, d := range f.colls[coll] {
		if matches(d, q.Filter) {
			hits = append(hits, d)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		c, _ := compare(lookup(hits[i], field), lookup(hits[j], field))
		return c < 0
	})
	if q.Limit > 0 && int64(len(hits)) > q.Limit {
		hits = hits[:q.Limit]
	}

	out := make([]bson.Raw, 0, len(hits))
	for _, d := range hits {
		b, err := bson.Marshal(d)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func lookup(d bson.D, key string) any {
	for _, e := range d {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

func matches(doc, filter bson.D) bool {
	for _, e := range filter {
		if e.Key == "$and" {
			for _, c := range e.Value.(bson.A) {
				if !matches(doc, c.(bson.D)) {
					return false
				}
			}
			continue
		}
		v := lookup(doc, e.Key)
		ops, isOps := e.Value.(bson.D)
		if !isOps || len(ops) == 0 || ops[0].Key[0] != '$' {
			if !reflect.DeepEqual(v, e.Value) {
				return false
			}
			continue
		}
		if v == nil {
			return false
		}
		// An array field matches when any element does.
		candidates := bson.A{v}
		if arr, ok := v.(bson.A); ok {
			candidates = arr
		}
		hit := false
		for _, c := range candidates {
			if satisfies(c, ops) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func satisfies(v any, ops bson.D) bool {
	for _, op := range ops {
		c, ok := compare(v, op.Value)
		if !ok {
			return false
		}
		var pass bool
		switch op.Key {
		case "$gte":
			pass = c >= 0
		case "$gt":
			pass = c > 0
		case "$lt":
			pass = c < 0
		case "$lte":
			pass = c <= 0
		}
		if !pass {
			return false
		}
	}
	return true
}

func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case primitive.ObjectID:
		y, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return bytes.Compare(x[:], y[:]), true
	case primitive.DateTime:
		y, ok := b.(primitive.DateTime)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// recordingStore keeps every Put so tests can check ordering.
type recordingStore struct {
	checkpoint.Store
	mu   sync.Mutex
	puts map[string][]checkpoint.Position
}

func (r *recordingStore) Put(ctx context.Context, key string, pos checkpoint.Position) error {
	if err := r.Store.Put(ctx, key, pos); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.puts == nil {
		r.puts = map[string][]checkpoint.Position{}
	}
	r.puts[key] = append(r.puts[key], pos)
	return nil
}
