package sink

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/mongotail/transform"
)

// Router fans records out to every configured sink. A failing sink does not
// stop delivery to the others; the first error is returned so the tailer
// holds the checkpoint back.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Emit(ctx context.Context, collection string, rec transform.Record) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Emit(ctx, collection, rec); err != nil {
			r.logger.Warn("sink: emit failed", "collection", collection, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Flush(ctx context.Context) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Flush(ctx); err != nil {
			r.logger.Warn("sink: flush failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
