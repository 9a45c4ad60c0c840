// Package sink delivers transformed records downstream.
//
// Emit may buffer. Flush must not return nil until every record emitted
// since the previous Flush has been accepted by the backend: the tailer
// persists a checkpoint only after a successful Flush. A failed Flush
// discards the buffer; the tailer re-fetches those documents.
package sink

import (
	"context"

	"github.com/hazyhaar/mongotail/transform"
)

// Sink is an output backend.
type Sink interface {
	Emit(ctx context.Context, collection string, rec transform.Record) error
	Flush(ctx context.Context) error
	Close() error
}
