// Package tailer runs the polling loop: discover the matching collections,
// fetch the next batch of each past its checkpoint, transform and emit every
// document, then persist the new checkpoint. Cycles that find nothing back
// off exponentially; failed cycles are retried after a fixed delay.
//
// One goroutine drives the loop. A stop request is honoured between
// collections: the batch in flight is emitted and checkpointed first, so a
// stopped run never loses a delivered position and never re-emits one.
package tailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/mongotail/checkpoint"
	"github.com/hazyhaar/mongotail/discovery"
	"github.com/hazyhaar/mongotail/observability"
	"github.com/hazyhaar/mongotail/query"
	"github.com/hazyhaar/mongotail/sink"
	"github.com/hazyhaar/mongotail/source"
	"github.com/hazyhaar/mongotail/transform"
)

// ErrNoProgress disables a collection whose whole batch lacks usable sort
// values.
var ErrNoProgress = errors.New("tailer: no document in batch has a usable sort value")

// CommitMode is how often checkpoints are written.
type CommitMode string

const (
	// CommitBatch writes one checkpoint per fetched batch.
	CommitBatch CommitMode = "batch"
	// CommitDocument writes one checkpoint per emitted document. A crash
	// then replays at most one document, at the cost of a store write and
	// a sink flush per document.
	CommitDocument CommitMode = "document"
)

// Options configures a Tailer.
type Options struct {
	// Namespace prefixes checkpoint keys. Default: "logstash_since".
	Namespace string
	// Pattern selects collections; Exclude removes exact names from it.
	Pattern string
	Exclude []string
	// Mode is the checkpoint representation. Default: ModeID.
	Mode  checkpoint.Mode
	Query query.Spec
	// Commit defaults to CommitBatch.
	Commit CommitMode

	// Delay and DelayMax bound the idle backoff. Defaults: 5s and 300s.
	Delay    time.Duration
	DelayMax time.Duration
	// RetryDelay follows a failed cycle. Default: 3s.
	RetryDelay time.Duration
	// FinalPersistTimeout bounds the checkpoint flush on stop. Default: 10s.
	FinalPersistTimeout time.Duration

	// MaxQueriesPerSecond caps finds across all collections. 0 is no cap.
	MaxQueriesPerSecond float64
	// UntilIdle makes Run return after the first cycle that fetched nothing.
	UntilIdle bool

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.Namespace == "" {
		o.Namespace = "logstash_since"
	}
	if o.Mode == "" {
		o.Mode = checkpoint.ModeID
	}
	if o.Query.SortField == "" {
		o.Query.SortField = "_id"
	}
	if o.Query.BatchSize <= 0 {
		o.Query.BatchSize = 30
	}
	if o.Query.Window.Start.IsZero() {
		o.Query.Window.Start = time.Unix(0, 0).UTC()
	}
	if o.Commit == "" {
		o.Commit = CommitBatch
	}
	if o.Delay <= 0 {
		o.Delay = 5 * time.Second
	}
	if o.DelayMax < o.Delay {
		o.DelayMax = max(300*time.Second, o.Delay)
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 3 * time.Second
	}
	if o.FinalPersistTimeout <= 0 {
		o.FinalPersistTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// CollectionWatch is the loop's state for one collection. Only the loop
// goroutine touches it.
type CollectionWatch struct {
	Name string
	Key  string
	// Stored is the last checkpoint read from or written to the store.
	Stored checkpoint.Checkpoint
	// Cursor is the position of the last document handled in memory.
	Cursor checkpoint.Position
	// dirty is set while Cursor is ahead of Stored.
	dirty bool
}

func (w *CollectionWatch) rollback() {
	w.Cursor = w.Stored.Position
	w.dirty = false
}

// Tailer is the polling loop.
type Tailer struct {
	src   source.Source
	store checkpoint.Store
	conv  *transform.Converter
	sink  sink.Sink
	disc  *discovery.Discovery
	opts  Options
	log   *slog.Logger

	limiter  *rate.Limiter
	backoff  Backoff
	sortPath []string
	seed     checkpoint.Position

	watches  map[string]*CollectionWatch
	disabled map[string]bool
	stats    counters

	// sleep waits d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// New builds a Tailer. It does no I/O.
func New(src source.Source, store checkpoint.Store, snk sink.Sink, conv *transform.Converter, opts Options) (*Tailer, error) {
	opts.defaults()
	disc, err := discovery.New(src, opts.Pattern, opts.Exclude, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("tailer: %w", err)
	}
	switch opts.Commit {
	case CommitBatch, CommitDocument:
	default:
		return nil, fmt.Errorf("tailer: unknown commit mode %q", opts.Commit)
	}

	t := &Tailer{
		src:      src,
		store:    store,
		conv:     conv,
		sink:     snk,
		disc:     disc,
		opts:     opts,
		log:      opts.Logger,
		backoff:  Backoff{Min: opts.Delay, Max: opts.DelayMax, Retry: opts.RetryDelay},
		sortPath: strings.Split(opts.Query.SortField, "."),
		seed:     checkpoint.SeedFor(opts.Mode, opts.Query.Window.Start),
		watches:  make(map[string]*CollectionWatch),
		disabled: make(map[string]bool),
		sleep:    sleepCtx,
	}
	if opts.MaxQueriesPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(opts.MaxQueriesPerSecond), 1)
	}
	return t, nil
}

// Stats returns the current counters.
func (t *Tailer) Stats() Stats { return t.stats.snapshot() }

// Run loops until ctx is cancelled (or, with UntilIdle, until a cycle
// finds nothing). It then flushes any unpersisted checkpoint and returns.
// Cycle errors are logged and retried, never returned.
func (t *Tailer) Run(ctx context.Context) error {
	t.log.Info("tailer: started",
		"pattern", t.opts.Pattern,
		"sort_on", t.opts.Query.SortField,
		"mode", t.opts.Mode,
		"batch_size", t.opts.Query.BatchSize,
		"commit", t.opts.Commit)
	defer t.finalPersist()

	for ctx.Err() == nil {
		out := t.cycle(ctx)

		t.stats.cycles.Add(1)
		t.stats.lastCycle.Store(time.Now().UnixNano())
		t.opts.Metrics.Cycle(out.Err)

		var delay time.Duration
		delay, t.backoff = t.backoff.Next(out)

		if out.Err != nil {
			t.stats.cycleErrors.Add(1)
			t.log.Error("tailer: cycle failed", "error", out.Err, "fetched", out.Fetched, "retry_in", delay)
		} else if out.Fetched == 0 {
			if t.opts.UntilIdle {
				t.log.Info("tailer: idle, exiting")
				return nil
			}
			t.stats.idleSleep.Store(int64(delay))
			t.opts.Metrics.IdleSleep(delay)
			t.log.Debug("tailer: no new documents, sleeping", "delay", delay)
		}

		if delay > 0 {
			t.sleep(ctx, delay)
		}
	}
	t.log.Info("tailer: stopping")
	return nil
}

// cycle runs DISCOVER then one fetch per watched collection. I/O inside
// the cycle ignores cancellation so an in-flight batch always completes;
// ctx is only consulted between collections.
func (t *Tailer) cycle(ctx context.Context) Outcome {
	ioCtx := context.WithoutCancel(ctx)

	names, err := t.disc.List(ioCtx)
	if err != nil {
		return Outcome{Err: err}
	}
	t.stats.watched.Store(int64(len(names)))

	var out Outcome
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if t.disabled[name] {
			continue
		}
		w, err := t.load(ioCtx, name)
		if errors.Is(err, checkpoint.ErrUnparseable) {
			t.disable(name, err)
			continue
		}
		if err != nil {
			out.Err = err
			return out
		}
		n, err := t.poll(ioCtx, w)
		out.Fetched += n
		if err != nil {
			out.Err = fmt.Errorf("tailer: %s: %w", name, err)
			return out
		}
	}
	return out
}

// disable stops tailing a collection that cannot make progress: its stored
// checkpoint is unreadable or its documents have no usable sort value. It
// stays disabled until restart so the operator sees one error, not one per
// cycle.
func (t *Tailer) disable(name string, err error) {
	t.disabled[name] = true
	t.stats.disabled.Add(1)
	t.log.Error("tailer: collection disabled", "collection", name, "error", err)
}

// load refreshes a collection's checkpoint from the store, seeding it on
// first sight. A watch whose cursor is ahead of the store (a previous
// commit failed) restarts from the stored position: those documents are
// fetched and emitted again.
func (t *Tailer) load(ctx context.Context, name string) (*CollectionWatch, error) {
	key := checkpoint.Key(t.opts.Namespace, name)
	cp, err := checkpoint.Load(ctx, t.store, key, t.seed)
	if err != nil {
		return nil, err
	}
	if cp.Position.Mode() != t.opts.Mode {
		return nil, fmt.Errorf("%w: %s holds a %s position, want %s", checkpoint.ErrUnparseable, key, cp.Position.Mode(), t.opts.Mode)
	}
	w, ok := t.watches[name]
	if !ok {
		w = &CollectionWatch{Name: name, Key: key}
		t.watches[name] = w
		t.log.Info("tailer: watching collection", "collection", name, "since", cp.Position)
	}
	w.Stored = cp
	w.Cursor = cp.Position
	w.dirty = false
	return w, nil
}

// poll fetches and handles one batch. It returns the number of documents
// fetched.
func (t *Tailer) poll(ctx context.Context, w *CollectionWatch) (int, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	q := query.Build(t.opts.Query, w.Stored)
	start := time.Now()
	docs, err := t.src.Find(ctx, w.Name, q)
	t.opts.Metrics.Fetched(w.Name, time.Since(start))
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	t.stats.fetched.Add(int64(len(docs)))
	t.log.Debug("tailer: fetched", "collection", w.Name, "count", len(docs), "since", w.Stored.Position)

	positioned := 0
	for _, raw := range docs {
		ok, err := t.handle(ctx, w, raw)
		if err != nil {
			if cerr := t.commit(ctx, w); cerr != nil {
				t.log.Warn("tailer: partial commit failed", "collection", w.Name, "error", cerr)
			}
			return len(docs), err
		}
		if ok {
			positioned++
		}
		if t.opts.Commit == CommitDocument {
			if err := t.commit(ctx, w); err != nil {
				return len(docs), err
			}
		}
	}
	if err := t.commit(ctx, w); err != nil {
		return len(docs), err
	}
	if positioned == 0 {
		// The same batch would come back on every cycle.
		t.disable(w.Name, fmt.Errorf("%w: %d documents", ErrNoProgress, len(docs)))
	}
	return len(docs), nil
}

// handle transforms and emits one document and advances the in-memory
// cursor. ok is false when the document has no usable sort value: it is
// skipped without being emitted since the cursor cannot move past it. A
// document that cannot be transformed is skipped too but still advances
// the cursor so it is not fetched forever.
func (t *Tailer) handle(ctx context.Context, w *CollectionWatch, raw bson.Raw) (ok bool, err error) {
	pos, err := t.position(raw)
	if err != nil {
		t.stats.skipped.Add(1)
		t.opts.Metrics.Skipped(w.Name)
		t.log.Warn("tailer: no usable sort value, document skipped", "collection", w.Name, "sort_on", t.opts.Query.SortField, "error", err)
		return false, nil
	}

	rec, err := t.conv.Convert(w.Name, raw)
	if err != nil {
		t.stats.skipped.Add(1)
		t.opts.Metrics.Skipped(w.Name)
		t.log.Warn("tailer: document skipped", "collection", w.Name, "error", err)
	} else {
		if err := t.sink.Emit(ctx, w.Name, rec); err != nil {
			return true, fmt.Errorf("emit: %w", err)
		}
		t.stats.emitted.Add(1)
		t.opts.Metrics.Emitted(w.Name)
	}

	if pos.Compare(w.Cursor) >= 0 {
		w.Cursor = pos
		w.dirty = true
	}
	return true, nil
}

func (t *Tailer) position(raw bson.Raw) (checkpoint.Position, error) {
	v, err := raw.LookupErr(t.sortPath...)
	if err != nil {
		return checkpoint.Position{}, err
	}
	return checkpoint.FromValue(t.opts.Mode, v)
}

// commit makes everything emitted so far durable: the sink is flushed,
// then the cursor is written. A checkpoint never covers a record the sink
// has not accepted.
//
// A failed flush may have dropped the sink's buffer, so on any failure the
// cursor falls back to the stored position: a later commit must not cover
// records that were never delivered.
func (t *Tailer) commit(ctx context.Context, w *CollectionWatch) error {
	if !w.dirty {
		return nil
	}
	if err := t.sink.Flush(ctx); err != nil {
		w.rollback()
		return fmt.Errorf("flush: %w", err)
	}
	if err := t.store.Put(ctx, w.Key, w.Cursor); err != nil {
		w.rollback()
		return fmt.Errorf("checkpoint: %w", err)
	}
	w.Stored = checkpoint.Checkpoint{Position: w.Cursor, Advanced: true}
	w.dirty = false
	t.stats.checkpointWrites.Add(1)
	t.opts.Metrics.CheckpointWritten(w.Name)
	return nil
}

// finalPersist is the best-effort commit of every watch still ahead of
// the store when Run exits.
func (t *Tailer) finalPersist() {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.FinalPersistTimeout)
	defer cancel()
	for _, w := range t.watches {
		if err := t.commit(ctx, w); err != nil {
			t.log.Warn("tailer: final checkpoint failed", "collection", w.Name, "position", w.Cursor, "error", err)
		}
	}
	if err := t.sink.Flush(ctx); err != nil {
		t.log.Warn("tailer: final flush failed", "error", err)
	}
	t.log.Info("tailer: stopped", "emitted", t.stats.emitted.Load(), "cycles", t.stats.cycles.Load())
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
