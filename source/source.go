// Package source is the MongoDB side of the tailer: listing collections and
// running one bounded find per collection per cycle.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/hazyhaar/mongotail/query"
)

// Source lists collections and fetches ordered batches of raw documents.
type Source interface {
	// ListCollections returns every collection name in the database.
	ListCollections(ctx context.Context) ([]string, error)
	// Find runs q against collection and returns at most q.Limit documents,
	// ascending on the sort field. An empty slice is a normal result.
	Find(ctx context.Context, collection string, q query.Query) ([]bson.Raw, error)
}

// Config configures the MongoDB connection.
type Config struct {
	// URI is a standard connection string, e.g. mongodb://host:27017/app.
	URI string
	// Database overrides the database named in URI.
	Database string
	// ConnectTimeout bounds the initial connection. Default: 10s.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Mongo is the production Source.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// Connect dials MongoDB and pings the primary.
func Connect(ctx context.Context, cfg Config) (*Mongo, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	dbName := cfg.Database
	if dbName == "" {
		cs, err := connstring.ParseAndValidate(cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("source: parse uri: %w", err)
		}
		dbName = cs.Database
	}
	if dbName == "" {
		return nil, errors.New("source: no database in uri and none configured")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("source: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("source: ping: %w", err)
	}

	cfg.Logger.Info("source: connected", "database", dbName)
	return &Mongo{client: client, db: client.Database(dbName), logger: cfg.Logger}, nil
}

func (m *Mongo) ListCollections(ctx context.Context) ([]string, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("source: list collections: %w", err)
	}
	return names, nil
}

func (m *Mongo) Find(ctx context.Context, collection string, q query.Query) ([]bson.Raw, error) {
	opts := options.Find().SetSort(q.Sort).SetLimit(q.Limit)
	if len(q.Projection) > 0 {
		opts.SetProjection(q.Projection)
	}

	cur, err := m.db.Collection(collection).Find(ctx, q.Filter, opts)
	if err != nil {
		return nil, fmt.Errorf("source: find %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	docs := make([]bson.Raw, 0, q.Limit)
	for cur.Next(ctx) {
		// cur.Current is reused by the next call to Next.
		docs = append(docs, append(bson.Raw(nil), cur.Current...))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("source: read %s: %w", collection, err)
	}
	m.logger.Debug("source: fetched", "collection", collection, "count", len(docs))
	return docs, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
