// Package config loads the mongotail YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/mongotail/checkpoint"
	"github.com/hazyhaar/mongotail/query"
	"github.com/hazyhaar/mongotail/transform"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Environment variables that override secrets from the file.
const (
	EnvMongoURI      = "MONGOTAIL_MONGO_URI"
	EnvCheckpointDSN = "MONGOTAIL_CHECKPOINT_DSN"
	EnvS3AccessKey   = "MONGOTAIL_S3_ACCESS_KEY"
	EnvS3SecretKey   = "MONGOTAIL_S3_SECRET_KEY"
)

// Config is the top-level configuration.
type Config struct {
	Mongo MongoConfig `yaml:"mongo"`

	// Collection is a regular expression searched in collection names.
	Collection         string   `yaml:"collection"`
	ExcludeCollections []string `yaml:"exclude_collections"`

	// SinceTable is the checkpoint namespace: table name and key prefix.
	SinceTable string           `yaml:"since_table"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	SortOn     string `yaml:"sort_on"`
	BatchSize  int64  `yaml:"batch_size"`
	Query      string `yaml:"query"`
	Projection string `yaml:"projection"`

	StartWindow string `yaml:"start_window"`
	EndWindow   string `yaml:"end_window"`

	ParseMethod   string   `yaml:"parse_method"`
	DigFields     []string `yaml:"dig_fields"`
	DigDigFields  []string `yaml:"dig_dig_fields"`
	UnpackMongoID bool     `yaml:"unpack_mongo_id"`

	Delay      time.Duration `yaml:"delay"`
	DelayMax   time.Duration `yaml:"delay_max"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Commit is "batch" or "document".
	Commit              string  `yaml:"commit"`
	MaxQueriesPerSecond float64 `yaml:"max_queries_per_second"`

	StatusAddr string       `yaml:"status_addr"`
	LogLevel   string       `yaml:"log_level"`
	Sinks      []SinkConfig `yaml:"sinks"`
}

// MongoConfig locates the source database.
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // sqlite | postgres
	Path    string `yaml:"path"`    // sqlite
	DSN     string `yaml:"dsn"`     // postgres
	// Mode is "id" or "time". Empty picks id when sort_on is _id.
	Mode string `yaml:"mode"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook | queue | objectstore

	URL     string `yaml:"url"` // webhook
	Retries int    `yaml:"retries"`
	// BreakerThreshold opens the webhook circuit after that many failed
	// flushes. 0 disables the breaker.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`

	Path  string `yaml:"path"`  // queue database
	Queue string `yaml:"queue"` // queue name

	Endpoint  string `yaml:"endpoint"` // objectstore
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoadFile reads, defaults and validates a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and environment overrides, and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SinceTable == "" {
		c.SinceTable = "logstash_since"
	}
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "sqlite"
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "mongotail.db"
	}
	if c.SortOn == "" {
		c.SortOn = "_id"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 30
	}
	if c.ParseMethod == "" {
		c.ParseMethod = string(transform.ModeFlatten)
	}
	if c.Delay == 0 {
		c.Delay = 5 * time.Second
	}
	if c.DelayMax == 0 {
		c.DelayMax = 300 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.Commit == "" {
		c.Commit = "batch"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Mongo.ConnectTimeout == 0 {
		c.Mongo.ConnectTimeout = 10 * time.Second
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == "webhook" && c.Sinks[i].Retries == 0 {
			c.Sinks[i].Retries = 3
		}
	}
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvMongoURI); v != "" {
		c.Mongo.URI = v
	}
	if v := getenv(EnvCheckpointDSN); v != "" {
		c.Checkpoint.DSN = v
	}
	access, secret := getenv(EnvS3AccessKey), getenv(EnvS3SecretKey)
	for i := range c.Sinks {
		if c.Sinks[i].Type != "objectstore" {
			continue
		}
		if access != "" {
			c.Sinks[i].AccessKey = access
		}
		if secret != "" {
			c.Sinks[i].SecretKey = secret
		}
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks every field the tailer depends on, so a bad file stops
// the process before the first query.
func (c *Config) Validate() error {
	if c.Mongo.URI == "" {
		return invalid("mongo.uri is required")
	}
	if c.Collection == "" {
		return invalid("collection is required")
	}
	if _, err := regexp.Compile(c.Collection); err != nil {
		return invalid("collection: %v", err)
	}
	if c.BatchSize <= 0 {
		return invalid("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Delay <= 0 || c.DelayMax < c.Delay {
		return invalid("need 0 < delay <= delay_max, got %s and %s", c.Delay, c.DelayMax)
	}
	if c.RetryDelay <= 0 {
		return invalid("retry_delay must be positive")
	}
	if c.MaxQueriesPerSecond < 0 {
		return invalid("max_queries_per_second must not be negative")
	}
	switch c.Commit {
	case "batch", "document":
	default:
		return invalid("commit must be batch or document, got %q", c.Commit)
	}
	if _, err := transform.New(transform.Config{Mode: transform.Mode(c.ParseMethod)}); err != nil {
		return invalid("parse_method: %v", err)
	}
	if _, err := c.CheckpointMode(); err != nil {
		return invalid("checkpoint.mode: %v", err)
	}
	switch c.Checkpoint.Backend {
	case "sqlite":
	case "postgres":
		if c.Checkpoint.DSN == "" {
			return invalid("checkpoint.dsn is required for postgres")
		}
	default:
		return invalid("checkpoint.backend must be sqlite or postgres, got %q", c.Checkpoint.Backend)
	}
	if _, err := query.ParseFilter(c.Query); err != nil {
		return invalid("query: %v", err)
	}
	if _, err := query.ParseFilter(c.Projection); err != nil {
		return invalid("projection: %v", err)
	}
	if _, err := c.Window(); err != nil {
		return invalid("window: %v", err)
	}
	for i, s := range c.Sinks {
		if err := s.validate(); err != nil {
			return invalid("sinks[%d]: %v", i, err)
		}
	}
	return nil
}

func (s SinkConfig) validate() error {
	switch s.Type {
	case "stdout":
	case "webhook":
		if s.URL == "" {
			return errors.New("webhook needs url")
		}
	case "queue":
		if s.Path == "" {
			return errors.New("queue needs path")
		}
	case "objectstore":
		if s.Endpoint == "" || s.Bucket == "" {
			return errors.New("objectstore needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("unknown sink type %q", s.Type)
	}
	return nil
}

// CheckpointMode resolves the configured mode, defaulting to id when the
// sort field is _id and to time otherwise. Query bounds are built in the
// mode's BSON type and MongoDB never compares across types, so id mode
// requires sort_on _id and time mode forbids it.
func (c *Config) CheckpointMode() (checkpoint.Mode, error) {
	if c.Checkpoint.Mode == "" {
		if c.SortOn == "_id" {
			return checkpoint.ModeID, nil
		}
		return checkpoint.ModeTime, nil
	}
	mode, err := checkpoint.ParseMode(c.Checkpoint.Mode)
	if err != nil {
		return "", err
	}
	switch {
	case mode == checkpoint.ModeID && c.SortOn != "_id":
		return "", fmt.Errorf("id mode needs sort_on _id, got %q", c.SortOn)
	case mode == checkpoint.ModeTime && c.SortOn == "_id":
		return "", errors.New("time mode needs a date sort_on, not _id")
	}
	return mode, nil
}

// Window parses start_window and end_window.
func (c *Config) Window() (query.Window, error) {
	return query.ParseWindow(c.StartWindow, c.EndWindow)
}
