package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hazyhaar/mongotail/idgen"
	"github.com/hazyhaar/mongotail/transform"
)

// ObjectPutter stores one object.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body []byte) error
}

// ObjectStore buffers JSON lines per collection and uploads one object per
// collection per Flush, under <prefix>/<collection>/<yyyy>/<mm>/<dd>/<id>.jsonl.
type ObjectStore struct {
	put    ObjectPutter
	prefix string
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	bufs map[string]*bytes.Buffer
}

// NewObjectStore returns an ObjectStore writing through put.
func NewObjectStore(put ObjectPutter, prefix string, logger *slog.Logger) *ObjectStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectStore{
		put:    put,
		prefix: strings.Trim(prefix, "/"),
		newID:  idgen.Compact(),
		now:    time.Now,
		logger: logger,
		bufs:   make(map[string]*bytes.Buffer),
	}
}

func (o *ObjectStore) Emit(_ context.Context, collection string, rec transform.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("objectstore: marshal: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	buf, ok := o.bufs[collection]
	if !ok {
		buf = &bytes.Buffer{}
		o.bufs[collection] = buf
	}
	buf.Write(b)
	buf.WriteByte('\n')
	return nil
}

func (o *ObjectStore) Flush(ctx context.Context) error {
	o.mu.Lock()
	bufs := o.bufs
	o.bufs = make(map[string]*bytes.Buffer)
	o.mu.Unlock()

	colls := make([]string, 0, len(bufs))
	for c := range bufs {
		colls = append(colls, c)
	}
	sort.Strings(colls)

	for _, c := range colls {
		key := o.key(c)
		if err := o.put.PutObject(ctx, key, bufs[c].Bytes()); err != nil {
			return fmt.Errorf("objectstore: put %s: %w", key, err)
		}
		o.logger.Debug("objectstore: uploaded", "key", key, "bytes", bufs[c].Len())
	}
	return nil
}

func (o *ObjectStore) Close() error { return nil }

func (o *ObjectStore) key(collection string) string {
	day := o.now().UTC().Format("2006/01/02")
	parts := []string{collection, day, o.newID() + ".jsonl"}
	if o.prefix != "" {
		parts = append([]string{o.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// MinioConfig locates an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
}

// Minio is the S3 ObjectPutter.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to the endpoint and creates the bucket when missing.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("objectstore: bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("objectstore: make bucket: %w", err)
		}
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (m *Minio) PutObject(ctx context.Context, key string, body []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	return err
}
