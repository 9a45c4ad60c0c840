package transform

import (
	"encoding/json"
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson"
)

// Simple keeps top-level fields: numbers as absolute values, arrays as
// arrays, "NaN" as a float NaN, everything else as text.
type Simple struct{}

func (Simple) Transform(doc bson.D) (Record, error) {
	rec := make(Record, len(doc))
	for _, e := range doc {
		switch {
		case isNumeric(e.Value):
			rec[e.Key] = abs(e.Value)
		case isArray(e.Value):
			rec[e.Key] = plain(e.Value)
		case e.Value == "NaN":
			rec[e.Key] = math.NaN()
		default:
			rec[e.Key] = stringify(e.Value)
		}
	}
	return rec, nil
}

// Raw is Simple with arrays serialised to JSON text.
type Raw struct{}

func (Raw) Transform(doc bson.D) (Record, error) {
	rec := make(Record, len(doc))
	for _, e := range doc {
		switch {
		case isNumeric(e.Value):
			rec[e.Key] = abs(e.Value)
		case isArray(e.Value):
			b, err := json.Marshal(sanitize(plain(e.Value)))
			if err != nil {
				return nil, fmt.Errorf("transform: encode array %q: %w", e.Key, err)
			}
			rec[e.Key] = string(b)
		case e.Value == "NaN":
			rec[e.Key] = math.NaN()
		default:
			rec[e.Key] = stringify(e.Value)
		}
	}
	return rec, nil
}

func isArray(v any) bool {
	_, ok := v.(bson.A)
	return ok
}
