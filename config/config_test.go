package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/mongotail/checkpoint"
)

const minimal = `
mongo:
  uri: mongodb://localhost:27017/app
collection: events_
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 30 || cfg.SortOn != "_id" || cfg.SinceTable != "logstash_since" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Delay != 5*time.Second || cfg.DelayMax != 300*time.Second || cfg.RetryDelay != 3*time.Second {
		t.Errorf("delays = %s %s %s", cfg.Delay, cfg.DelayMax, cfg.RetryDelay)
	}
	if cfg.ParseMethod != "flatten" || cfg.Commit != "batch" {
		t.Errorf("parse_method=%s commit=%s", cfg.ParseMethod, cfg.Commit)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Type != "stdout" {
		t.Errorf("sinks = %+v", cfg.Sinks)
	}
	mode, _ := cfg.CheckpointMode()
	if mode != checkpoint.ModeID {
		t.Errorf("mode = %s, want id for _id sort", mode)
	}
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
mongo:
  uri: mongodb://db:27017/logs
collection: "^events_"
exclude_collections: [events_tmp]
sort_on: ts
batch_size: 100
query: '{"level": "error"}'
start_window: "2015-02-27 00:00:00"
end_window: "2015-02-28 00:00:00"
parse_method: dig
dig_fields: [meta]
delay: 2s
delay_max: 1m
commit: document
checkpoint:
  backend: postgres
  dsn: postgres://u@h/db
sinks:
  - type: webhook
    url: http://collector/ingest
  - type: objectstore
    endpoint: s3.local:9000
    bucket: tail
`))
	if err != nil {
		t.Fatal(err)
	}
	if mode, _ := cfg.CheckpointMode(); mode != checkpoint.ModeTime {
		t.Errorf("mode = %s, want time for a non _id sort", mode)
	}
	if cfg.Sinks[0].Retries != 3 {
		t.Errorf("webhook retries = %d", cfg.Sinks[0].Retries)
	}
	w, _ := cfg.Window()
	if w.End.Sub(w.Start) != 24*time.Hour {
		t.Errorf("window = %+v", w)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no uri":          "collection: x\n",
		"bad pattern":     "mongo:\n  uri: mongodb://h/app\ncollection: \"(\"\n",
		"bad filter":      minimal + "query: '{\"a\": '\n",
		"inverted window": minimal + "start_window: \"2015-02-28 00:00:00\"\nend_window: \"2015-02-27 00:00:00\"\n",
		"bad mode":        minimal + "parse_method: xml\n",
		"bad commit":      minimal + "commit: sometimes\n",
		"delay order":     minimal + "delay: 10s\ndelay_max: 5s\n",
		"pg without dsn":  minimal + "checkpoint:\n  backend: postgres\n",
		"webhook no url":  minimal + "sinks:\n  - type: webhook\n",
		"unknown sink":    minimal + "sinks:\n  - type: kafka\n",
		"checkpoint mode": minimal + "checkpoint:\n  mode: offset\n",
		"id mode on date": minimal + "sort_on: ts\ncheckpoint:\n  mode: id\n",
		"time mode on id": minimal + "checkpoint:\n  mode: time\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParseUnknownKey(t *testing.T) {
	// WHAT: a misspelled key is an error, not silently ignored.
	if _, err := Parse([]byte(minimal + "batchsize: 10\n")); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvMongoURI, "mongodb://secret@db/prod")
	t.Setenv(EnvS3SecretKey, "s3cr3t")

	cfg, err := Parse([]byte(minimal + "sinks:\n  - type: objectstore\n    endpoint: e\n    bucket: b\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mongo.URI != "mongodb://secret@db/prod" {
		t.Errorf("uri = %s", cfg.Mongo.URI)
	}
	if cfg.Sinks[0].SecretKey != "s3cr3t" {
		t.Errorf("secret = %q", cfg.Sinks[0].SecretKey)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mongotail.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
