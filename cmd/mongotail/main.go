// Command mongotail tails MongoDB collections and ships every new document
// to the configured sinks, resuming from durable checkpoints.
//
// Usage:
//
//	mongotail -config mongotail.yaml
//	mongotail -config mongotail.yaml -until-idle   # drain backlog then exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hazyhaar/mongotail/checkpoint"
	"github.com/hazyhaar/mongotail/config"
	"github.com/hazyhaar/mongotail/observability"
	"github.com/hazyhaar/mongotail/query"
	"github.com/hazyhaar/mongotail/sink"
	"github.com/hazyhaar/mongotail/source"
	"github.com/hazyhaar/mongotail/tailer"
	"github.com/hazyhaar/mongotail/transform"
	"github.com/hazyhaar/mongotail/vtq"
)

func main() {
	configPath := flag.String("config", "mongotail.yaml", "path to the YAML config file")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	untilIdle := flag.Bool("until-idle", false, "exit after the first cycle that finds no new documents")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mongotail:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *untilIdle); err != nil {
		logger.Error("mongotail: fatal", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, untilIdle bool) error {
	mode, err := cfg.CheckpointMode()
	if err != nil {
		return err
	}
	window, err := cfg.Window()
	if err != nil {
		return err
	}
	filter, err := query.ParseFilter(cfg.Query)
	if err != nil {
		return err
	}
	projection, err := query.ParseFilter(cfg.Projection)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, mode)
	if err != nil {
		return err
	}
	defer store.Close()

	snk, err := buildSinks(ctx, cfg.Sinks, logger)
	if err != nil {
		return err
	}
	defer snk.Close()

	tr, err := transform.New(transform.Config{
		Mode:         transform.Mode(cfg.ParseMethod),
		DigFields:    cfg.DigFields,
		DigDigFields: cfg.DigDigFields,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	conv := transform.NewConverter(tr, transform.Envelope{
		StartWindow: cfg.StartWindow,
		EndWindow:   cfg.EndWindow,
		UnpackID:    cfg.UnpackMongoID,
	}, logger)

	src, err := source.Connect(ctx, source.Config{
		URI:            cfg.Mongo.URI,
		Database:       cfg.Mongo.Database,
		ConnectTimeout: cfg.Mongo.ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer src.Close(context.WithoutCancel(ctx))

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics()
	reg.MustRegister(metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	t, err := tailer.New(src, store, snk, conv, tailer.Options{
		Namespace: cfg.SinceTable,
		Pattern:   cfg.Collection,
		Exclude:   cfg.ExcludeCollections,
		Mode:      mode,
		Query: query.Spec{
			SortField:  cfg.SortOn,
			BatchSize:  cfg.BatchSize,
			Window:     window,
			Filter:     filter,
			Projection: projection,
		},
		Commit:              tailer.CommitMode(cfg.Commit),
		Delay:               cfg.Delay,
		DelayMax:            cfg.DelayMax,
		RetryDelay:          cfg.RetryDelay,
		MaxQueriesPerSecond: cfg.MaxQueriesPerSecond,
		UntilIdle:           untilIdle,
		Metrics:             metrics,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	if cfg.StatusAddr != "" {
		status := observability.NewStatusServer(cfg.StatusAddr, func() any { return t.Stats() }, reg, logger)
		go func() {
			if err := status.Run(ctx); err != nil {
				logger.Error("mongotail: status server", "error", err)
			}
		}()
	}

	return t.Run(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, mode checkpoint.Mode) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "postgres":
		return checkpoint.OpenPostgres(ctx, cfg.Checkpoint.DSN, cfg.SinceTable, mode)
	default:
		return checkpoint.OpenSQLite(cfg.Checkpoint.Path, cfg.SinceTable, mode)
	}
}

// buildSinks opens every configured sink. On error the sinks opened so far
// are closed.
func buildSinks(ctx context.Context, cfgs []config.SinkConfig, logger *slog.Logger) (sink.Sink, error) {
	var sinks []sink.Sink
	fail := func(err error) (sink.Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}
	for _, sc := range cfgs {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, sink.NewStdout(os.Stdout))
		case "webhook":
			opts := []sink.WebhookOption{
				sink.WithWebhookRetries(sc.Retries),
				sink.WithWebhookLogger(logger),
			}
			if sc.BreakerThreshold > 0 {
				bopts := []sink.BreakerOption{sink.WithBreakerThreshold(sc.BreakerThreshold)}
				if sc.BreakerReset > 0 {
					bopts = append(bopts, sink.WithBreakerResetTimeout(sc.BreakerReset))
				}
				opts = append(opts, sink.WithWebhookBreaker(sink.NewBreaker(bopts...)))
			}
			sinks = append(sinks, sink.NewWebhook(sc.URL, opts...))
		case "queue":
			q, err := sink.OpenQueue(ctx, sc.Path, vtq.Options{Queue: sc.Queue, Logger: logger})
			if err != nil {
				return fail(fmt.Errorf("queue sink: %w", err))
			}
			sinks = append(sinks, q)
		case "objectstore":
			put, err := sink.NewMinio(ctx, sink.MinioConfig{
				Endpoint:  sc.Endpoint,
				AccessKey: sc.AccessKey,
				SecretKey: sc.SecretKey,
				UseSSL:    sc.UseSSL,
				Bucket:    sc.Bucket,
				Region:    sc.Region,
			})
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, sink.NewObjectStore(put, sc.Prefix, logger))
		default:
			return fail(fmt.Errorf("unknown sink type %q", sc.Type))
		}
	}
	return sink.NewRouter(logger, sinks...), nil
}
