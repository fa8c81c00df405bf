package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSStore is a Store backed by a NATS JetStream key-value bucket.
//
// Document paths map to KV keys with slashes replaced by dots (JetStream
// keys do not permit slashes). The KV entry revision serves as the
// document version, which gives Transaction optimistic conflict detection
// across processes: a revision-checked Update fails when another writer
// got there first, even one in a different process.
//
// Transactions are not atomic across keys. Each key mutation is its own
// atomic write; conflict detection covers every key read inside the
// transaction.
type NATSStore struct {
	kv     nats.KeyValue
	logger *zap.Logger
}

// NATSStoreConfig configures the JetStream bucket.
type NATSStoreConfig struct {
	// Bucket is the KV bucket name. Created if it does not exist.
	Bucket string

	// History is the number of revisions JetStream keeps per key.
	History uint8
}

// NewNATSStore binds a Store to a JetStream KV bucket, creating the
// bucket if needed.
func NewNATSStore(nc *nats.Conn, cfg NATSStoreConfig, logger *zap.Logger) (*NATSStore, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		history := cfg.History
		if history == 0 {
			history = 1
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.Bucket,
			History: history,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %q: %w", cfg.Bucket, err)
	}

	return &NATSStore{
		kv:     kv,
		logger: logger.Named("docstore.nats"),
	}, nil
}

// Get returns the document at path.
func (s *NATSStore) Get(ctx context.Context, path string) (*Document, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(pathToKey(path))
	if err != nil {
		return nil, mapKVError(path, err)
	}
	return entryToDoc(path, entry), nil
}

// Set writes data at path unconditionally.
func (s *NATSStore) Set(ctx context.Context, path string, data []byte) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if _, err := s.kv.Put(pathToKey(path), data); err != nil {
		return mapKVError(path, err)
	}
	return nil
}

// Delete removes the document at path. Missing documents are a no-op.
func (s *NATSStore) Delete(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	err := s.kv.Delete(pathToKey(path))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return mapKVError(path, err)
	}
	return nil
}

// Query lists the direct children of collectionPath and filters them
// client-side. JetStream KV has no server-side secondary indexes, so the
// filtering and ordering strategy matches MemoryStore exactly.
func (s *NATSStore) Query(ctx context.Context, collectionPath string, filters []Filter, orderBy *OrderBy, limit int) ([]*Document, error) {
	if err := ValidatePath(collectionPath); err != nil {
		return nil, err
	}

	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapKVError(collectionPath, err)
	}

	var results []*Document
	for _, key := range keys {
		path := keyToPath(key)
		if _, ok := ChildID(collectionPath, path); !ok {
			continue
		}
		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, mapKVError(path, err)
		}
		match, err := matchesFilters(entry.Value(), filters)
		if err != nil {
			return nil, err
		}
		if match {
			results = append(results, entryToDoc(path, entry))
		}
	}

	if orderBy != nil {
		sortDocs(results, orderBy)
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Transaction runs fn with revision tracking and commits with
// revision-checked updates. Any revision mismatch at commit surfaces as
// ErrConflict so the caller can reload and retry.
func (s *NATSStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	tx := &natsTx{
		store:   s,
		reads:   make(map[string]uint64),
		writes:  make(map[string][]byte),
		deletes: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for path, data := range tx.writes {
		key := pathToKey(path)
		revision, read := tx.reads[path]
		var err error
		switch {
		case read && revision > 0:
			_, err = s.kv.Update(key, data, revision)
		case read:
			// Read as absent inside the transaction: Create fails if a
			// concurrent writer materialized the key.
			_, err = s.kv.Create(key, data)
		default:
			_, err = s.kv.Put(key, data)
		}
		if err != nil {
			if isRevisionMismatch(err) || errors.Is(err, nats.ErrKeyExists) {
				return fmt.Errorf("commit %s: %w", path, ErrConflict)
			}
			return mapKVError(path, err)
		}
	}
	for path := range tx.deletes {
		if err := s.Delete(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

type natsTx struct {
	store   *NATSStore
	reads   map[string]uint64
	writes  map[string][]byte
	deletes map[string]bool
}

func (tx *natsTx) Get(path string) (*Document, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if data, ok := tx.writes[path]; ok {
		return &Document{Path: path, Data: append([]byte(nil), data...)}, nil
	}
	if tx.deletes[path] {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}

	entry, err := tx.store.kv.Get(pathToKey(path))
	if errors.Is(err, nats.ErrKeyNotFound) {
		tx.reads[path] = 0
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, mapKVError(path, err)
	}
	tx.reads[path] = entry.Revision()
	return entryToDoc(path, entry), nil
}

func (tx *natsTx) Set(path string, data []byte) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	delete(tx.deletes, path)
	tx.writes[path] = append([]byte(nil), data...)
	return nil
}

func (tx *natsTx) Delete(path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	delete(tx.writes, path)
	tx.deletes[path] = true
	return nil
}

func pathToKey(path string) string {
	return strings.ReplaceAll(path, "/", ".")
}

func keyToPath(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

func entryToDoc(path string, entry nats.KeyValueEntry) *Document {
	return &Document{
		Path:      path,
		Data:      append([]byte(nil), entry.Value()...),
		Version:   int64(entry.Revision()),
		UpdatedAt: entry.Created(),
	}
}

// mapKVError translates NATS errors into the store taxonomy.
func mapKVError(path string, err error) error {
	switch {
	case errors.Is(err, nats.ErrKeyNotFound):
		return fmt.Errorf("get %s: %w", path, ErrNotFound)
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", path, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", path, err)
	}
}

// isRevisionMismatch reports whether err is JetStream's wrong-last-sequence
// rejection of a revision-checked update.
func isRevisionMismatch(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}
	return false
}
