package transform

import (
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
)

// Dig descends only into the configured fields: one level for keys in the
// dig list, a second for keys in the dig-dig list. Every resulting value is
// an int64 when its text is all digits and a string otherwise. _id is
// never emitted.
type Dig struct {
	fields    map[string]bool
	subfields map[string]bool
}

// NewDig returns a Dig over the given field lists.
func NewDig(fields, subfields []string) *Dig {
	return &Dig{fields: set(fields), subfields: set(subfields)}
}

func set(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

func (d *Dig) Transform(doc bson.D) (Record, error) {
	rec := make(Record, len(doc))
	for _, e := range doc {
		if e.Key == "_id" {
			continue
		}
		sub, nested := e.Value.(bson.D)
		if !d.fields[e.Key] || !nested {
			rec[e.Key] = digScalar(e.Value)
			continue
		}
		for _, se := range sub {
			key := e.Key + "_" + se.Key
			subsub, nested := se.Value.(bson.D)
			if !d.subfields[se.Key] || !nested {
				rec[key] = digScalar(se.Value)
				continue
			}
			for _, sse := range subsub {
				rec[key+"_"+sse.Key] = digScalar(sse.Value)
			}
		}
	}
	return rec, nil
}

func digScalar(v any) any {
	s := stringify(v)
	if integerRe.MatchString(s) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return s
}
