package sink

import (
	"context"

	"github.com/hazyhaar/mongotail/transform"
)

// EmitFunc receives each record in process.
type EmitFunc func(ctx context.Context, collection string, rec transform.Record) error

// FlushFunc is called on every Flush.
type FlushFunc func(ctx context.Context) error

// Callback delivers records as Go function calls, with no serialisation.
// It is the sink to use when mongotail is embedded in another program.
type Callback struct {
	onEmit  EmitFunc
	onFlush FlushFunc
}

// NewCallback creates a Callback sink. Either handler may be nil.
func NewCallback(onEmit EmitFunc, onFlush FlushFunc) *Callback {
	return &Callback{onEmit: onEmit, onFlush: onFlush}
}

func (c *Callback) Emit(ctx context.Context, collection string, rec transform.Record) error {
	if c.onEmit != nil {
		return c.onEmit(ctx, collection, rec)
	}
	return nil
}

func (c *Callback) Flush(ctx context.Context) error {
	if c.onFlush != nil {
		return c.onFlush(ctx)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
