package transform

import (
	"fmt"
	"log/slog"
	"os"

	"go.mongodb.org/mongo-driver/bson"
)

// Envelope is the engine metadata stamped on every record.
type Envelope struct {
	// Host defaults to os.Hostname.
	Host string
	// StartWindow and EndWindow are the window bounds as configured.
	StartWindow string
	EndWindow   string
	// UnpackID adds host_id and process_id decoded from _id.
	UnpackID bool
}

// Converter decodes a raw document, runs the Transformer over it and adds
// the engine fields.
type Converter struct {
	t      Transformer
	env    Envelope
	logger *slog.Logger
}

// NewConverter returns a Converter. logger may be nil.
func NewConverter(t Transformer, env Envelope, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	if env.Host == "" {
		env.Host, _ = os.Hostname()
	}
	return &Converter{t: t, env: env, logger: logger}
}

// Convert returns the record for raw. An error means the document must be
// skipped; it never means the batch is broken.
func (c *Converter) Convert(collection string, raw bson.Raw) (Record, error) {
	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("transform: not a document: %w", err)
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("transform: decode: %w", err)
	}

	rec := Record{
		"host":             c.env.Host,
		"mongo_collection": collection,
	}
	if b, err := bson.MarshalExtJSON(raw, false, false); err == nil {
		rec["log_entry"] = string(b)
	}

	var id any
	for _, e := range doc {
		if e.Key == "_id" {
			id = e.Value
			break
		}
	}
	rec["mongo_id"] = stringify(id)

	if c.env.UnpackID {
		host, pid, err := UnpackObjectID(id)
		if err != nil {
			c.logger.Warn("transform: unpack id", "collection", collection, "mongo_id", rec["mongo_id"], "error", err)
		} else {
			rec["host_id"] = host
			rec["process_id"] = pid
		}
	}

	fields, err := c.t.Transform(doc)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		rec[k] = v
	}

	rec["start_window"] = c.env.StartWindow
	rec["end_window"] = c.env.EndWindow
	return rec, nil
}
