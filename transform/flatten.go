package transform

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const statsPrefix = "collection stats: "

// Flatten joins nested keys with "_" and coerces each leaf. Nesting is
// followed to any depth: {"a":{"b":{"c":{"d":1}}}} yields a_b_c_d.
type Flatten struct {
	logger *slog.Logger
}

func (f *Flatten) Transform(doc bson.D) (Record, error) {
	flat := make(map[string]any, len(doc))
	flattenInto(flat, "", doc)

	if msg, ok := flat["info_message"].(string); ok {
		f.mergeStats(flat, msg)
	}

	rec := make(Record, len(flat))
	for k, v := range flat {
		rec[k] = flattenLeaf(k, v)
	}
	return rec, nil
}

func flattenInto(out map[string]any, prefix string, doc bson.D) {
	for _, e := range doc {
		key := e.Key
		if prefix != "" {
			key = prefix + "_" + e.Key
		}
		if sub, ok := e.Value.(bson.D); ok {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = e.Value
	}
}

// mergeStats expands an info_message of the form
// "collection stats: {json}" into collection_stats_<key> fields.
func (f *Flatten) mergeStats(flat map[string]any, msg string) {
	if !strings.HasPrefix(msg, statsPrefix) || len(msg) == len(statsPrefix) {
		return
	}
	var stats map[string]any
	if err := json.Unmarshal([]byte(msg[len(statsPrefix):]), &stats); err != nil {
		f.logger.Debug("transform: collection stats not json", "error", err)
		return
	}
	for k, v := range stats {
		flat["collection_stats_"+k] = v
	}
}

func flattenLeaf(key string, v any) any {
	switch x := v.(type) {
	case int32, int64, float64:
		return x
	case primitive.DateTime:
		return isoTime(x.Time())
	case time.Time:
		return isoTime(x)
	case string:
		return coerceString(x)
	case bson.A:
		return plain(x)
	case []any, map[string]any:
		// Merged collection stats arrive as plain JSON values.
		return x
	case bool, nil:
		if key == "tags" {
			return stringify(x)
		}
		return x
	}
	return stringify(v)
}
