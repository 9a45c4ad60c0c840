package checkpoint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TimeParser turns one textual representation into a time.
type TimeParser struct {
	Name  string
	Parse func(s string) (time.Time, error)
}

func layout(l string) TimeParser {
	return TimeParser{Name: l, Parse: func(s string) (time.Time, error) {
		return time.ParseInLocation(l, s, time.UTC)
	}}
}

// TimeParsers is the ordered list tried by ParseTime. Older deployments
// wrote the since value in each of these shapes, so the order matters: the
// most precise layout wins.
var TimeParsers = []TimeParser{
	layout("2006-01-02 15:04:05.000"),
	layout("2006-01-02 15:04:05"),
	layout("2006-01-02T15:04:05Z"),
	layout(time.RFC3339Nano),
	layout("2006-01-02"),
	layout("02/01/2006"),
	{Name: "epoch-millis", Parse: parseEpochMillis},
}

func parseEpochMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ParseTime tries every TimeParsers entry in order and returns the first
// success.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, p := range TimeParsers {
		if t, err := p.Parse(s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q matches none of %d layouts", ErrUnparseable, s, len(TimeParsers))
}

// Decode converts a raw stored value into a position. Time mode accepts
// integer epoch millis or any text ParseTime understands; id mode accepts
// 24-character hex text.
func Decode(mode Mode, raw any) (Position, error) {
	switch mode {
	case ModeTime:
		switch v := raw.(type) {
		case int64:
			return TimePosition(time.UnixMilli(v)), nil
		case int:
			return TimePosition(time.UnixMilli(int64(v))), nil
		case float64:
			return TimePosition(time.UnixMilli(int64(v))), nil
		case time.Time:
			return TimePosition(v), nil
		case string:
			t, err := ParseTime(v)
			if err != nil {
				return Position{}, err
			}
			return TimePosition(t), nil
		case []byte:
			return Decode(mode, string(v))
		}
	case ModeID:
		switch v := raw.(type) {
		case string:
			oid, err := primitive.ObjectIDFromHex(strings.TrimSpace(v))
			if err != nil {
				return Position{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
			}
			return IDPosition(oid), nil
		case []byte:
			return Decode(mode, string(v))
		}
	}
	return Position{}, ErrUnparseable
}

// decodeStored wraps Decode failures in a *ParseError naming the key.
func decodeStored(key string, mode Mode, raw any) (Position, error) {
	pos, err := Decode(mode, raw)
	if err != nil {
		if errors.Is(err, ErrUnparseable) {
			return Position{}, &ParseError{Key: key, Mode: mode, Value: raw}
		}
		return Position{}, err
	}
	return pos, nil
}
