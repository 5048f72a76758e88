package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hefroy/fleetedge/errors"
)

// KVConfig configures the JetStream KV backed store.
type KVConfig struct {
	// URL of the NATS server, e.g. an embedded broker on the gateway.
	URL string `json:"url"`
	// Bucket name; one bucket per agent installation.
	Bucket string `json:"bucket"`
	// Timeout for individual KV operations.
	Timeout time.Duration `json:"timeout"`
}

// DefaultKVConfig returns sensible defaults.
func DefaultKVConfig() KVConfig {
	return KVConfig{
		URL:     nats.DefaultURL,
		Bucket:  "fleetedge-documents",
		Timeout: 5 * time.Second,
	}
}

// Validate implements config validation for the KV store.
func (c *KVConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "KVConfig", "Validate", "url check")
	}
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "KVConfig", "Validate", "bucket check")
	}
	return nil
}

// kvRecord is the stored representation of a document slot: the sync id
// travels alongside the raw payload so the agent can report document ids
// without rebuilding on startup.
type kvRecord struct {
	SyncID  string `json:"sync_id"`
	Payload []byte `json:"payload"`
}

// KVStore persists documents in a NATS JetStream key/value bucket, one
// key per slot.
type KVStore struct {
	conn    *nats.Conn
	bucket  jetstream.KeyValue
	timeout time.Duration
	logger  *slog.Logger
}

// NewKVStore connects to NATS and creates or opens the bucket.
func NewKVStore(ctx context.Context, cfg KVConfig, logger *slog.Logger) (*KVStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "NewKVStore", "nats connect")
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "KVStore", "NewKVStore", "jetstream init")
	}
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: 1,
	})
	if err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "KVStore", "NewKVStore", "bucket create")
	}
	logger.Info("Document store connected", "bucket", cfg.Bucket, "url", cfg.URL)
	return &KVStore{
		conn:    conn,
		bucket:  bucket,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "kv-store"),
	}, nil
}

// Close releases the NATS connection.
func (s *KVStore) Close() {
	s.conn.Close()
}

func (s *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// Write persists a document into a slot, last writer wins.
func (s *KVStore) Write(ctx context.Context, slot Slot, doc Document) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	value, err := json.Marshal(kvRecord{SyncID: doc.SyncID, Payload: doc.Data})
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "Write", "record encode")
	}
	rev, err := s.bucket.Put(ctx, string(slot), value)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("kv put %s: %w", slot, err), "KVStore", "Write", "kv put")
	}
	s.logger.Debug("Document persisted", "slot", slot, "sync_id", doc.SyncID, "revision", rev)
	return nil
}

// Read returns the document in a slot.
func (s *KVStore) Read(ctx context.Context, slot Slot) (Document, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	entry, err := s.bucket.Get(ctx, string(slot))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return Document{}, errors.WrapTransient(errors.ErrSlotNotFound, "KVStore", "Read", string(slot))
		}
		return Document{}, errors.WrapTransient(fmt.Errorf("kv get %s: %w", slot, err), "KVStore", "Read", "kv get")
	}
	var record kvRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return Document{}, errors.WrapInvalid(err, "KVStore", "Read", "record decode")
	}
	return Document{Data: record.Payload, SyncID: record.SyncID}, nil
}
