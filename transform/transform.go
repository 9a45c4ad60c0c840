// Package transform turns one nested MongoDB document into a flat Record
// of scalar fields. Four strategies exist; one is picked at startup and
// used for every document of the run:
//
//   - flatten: nested keys joined with "_", strings coerced to numbers
//   - dig: only configured fields are descended into
//   - simple: top-level fields, numbers as absolute values
//   - raw: like simple, arrays serialised to JSON text
package transform

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrUnsupportedMode is returned by New for an unknown strategy name.
	ErrUnsupportedMode = errors.New("transform: unsupported mode")
	// ErrBadObjectID is returned when an identifier cannot be unpacked.
	ErrBadObjectID = errors.New("transform: malformed object id")
)

// Mode names a strategy.
type Mode string

const (
	ModeFlatten Mode = "flatten"
	ModeDig     Mode = "dig"
	ModeSimple  Mode = "simple"
	ModeRaw     Mode = "raw"
)

// Transformer converts one decoded document.
type Transformer interface {
	Transform(doc bson.D) (Record, error)
}

// Config selects and configures a strategy.
type Config struct {
	Mode Mode
	// DigFields are the top-level keys dig descends into.
	DigFields []string
	// DigDigFields are the second-level keys dig descends into.
	DigDigFields []string
	Logger       *slog.Logger
}

// New returns the Transformer for cfg.Mode.
func New(cfg Config) (Transformer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch cfg.Mode {
	case ModeFlatten:
		return &Flatten{logger: cfg.Logger}, nil
	case ModeDig:
		return NewDig(cfg.DigFields, cfg.DigDigFields), nil
	case ModeSimple:
		return Simple{}, nil
	case ModeRaw:
		return Raw{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, cfg.Mode)
}

var (
	decimalRe = regexp.MustCompile(`^[-+]?\d+\.\d+$`)
	integerRe = regexp.MustCompile(`^[-+]?\d+$`)
)

// coerceString applies the flatten rules to a string leaf: "NaN" becomes a
// float NaN, decimal text a float64, integer text an int64. Anything else,
// including integers too wide for int64, is returned unchanged.
func coerceString(s string) any {
	switch {
	case s == "NaN":
		return math.NaN()
	case decimalRe.MatchString(s):
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case integerRe.MatchString(s):
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return s
}

// isNumeric reports whether v is a BSON number.
func isNumeric(v any) bool {
	switch v.(type) {
	case int32, int64, float64:
		return true
	}
	return false
}

// abs keeps the numeric kind and drops the sign. simple and raw emit
// magnitudes only. The minimum int32 and int64 have no positive
// counterpart in their kind: negation wraps and they come back unchanged,
// still negative.
func abs(v any) any {
	switch n := v.(type) {
	case int32:
		if n < 0 {
			return -n
		}
	case int64:
		if n < 0 {
			return -n
		}
	case float64:
		return math.Abs(n)
	}
	return v
}

// stringify renders any BSON value as text.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return isoTime(x.Time())
	case primitive.Timestamp:
		return isoTime(time.Unix(int64(x.T), 0))
	case primitive.Decimal128:
		return x.String()
	case bson.D, bson.A, primitive.Binary, primitive.Regex:
		b, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: x}}, false, false)
		if err != nil {
			return fmt.Sprint(x)
		}
		// Strip the {"v": ... } wrapper.
		return string(b[len(`{"v":`) : len(b)-1])
	}
	return fmt.Sprint(v)
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// plain converts nested BSON containers into maps and slices so arrays
// that pass through unchanged still encode as natural JSON.
func plain(v any) any {
	switch x := v.(type) {
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return isoTime(x.Time())
	case primitive.Timestamp, primitive.Decimal128, primitive.Binary, primitive.Regex:
		return stringify(x)
	}
	return v
}
