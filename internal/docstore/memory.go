package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an embedded, map-backed Store.
//
// It keeps every document in process memory with a per-path version
// counter, which gives Transaction real conflict detection: a concurrent
// write to any document read inside the transaction fails the commit with
// ErrConflict. Used by the test suite and by single-node deployments that
// do not need cross-process durability.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

// Get returns a copy of the document at path.
func (s *MemoryStore) Get(ctx context.Context, path string) (*Document, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	return copyDoc(doc), nil
}

// Set writes data at path, bumping the document version.
func (s *MemoryStore) Set(ctx context.Context, path string, data []byte) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(path, data)
	return nil
}

func (s *MemoryStore) setLocked(path string, data []byte) {
	var version int64 = 1
	if prev, ok := s.docs[path]; ok {
		version = prev.Version + 1
	}
	s.docs[path] = &Document{
		Path:      path,
		Data:      append([]byte(nil), data...),
		Version:   version,
		UpdatedAt: time.Now(),
	}
}

// Delete removes the document at path. Deleting a missing document is a
// no-op, matching the semantics callers need for archive sweeps.
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, path)
	return nil
}

// Query returns the direct children of collectionPath matching all
// filters, ordered and limited as requested.
func (s *MemoryStore) Query(ctx context.Context, collectionPath string, filters []Filter, orderBy *OrderBy, limit int) ([]*Document, error) {
	if err := ValidatePath(collectionPath); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Document
	for path, doc := range s.docs {
		if _, ok := ChildID(collectionPath, path); !ok {
			continue
		}
		match, err := matchesFilters(doc.Data, filters)
		if err != nil {
			return nil, err
		}
		if match {
			results = append(results, copyDoc(doc))
		}
	}

	if orderBy != nil {
		sortDocs(results, orderBy)
	} else {
		// Deterministic order for callers that do not specify one.
		sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	}

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Transaction runs fn against a snapshot-tracking handle and commits its
// writes atomically. If any document read by fn changed between the read
// and the commit, the commit fails with ErrConflict and no write is
// applied.
func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{store: s, reads: make(map[string]int64), writes: make(map[string][]byte), deletes: make(map[string]bool)}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for path, version := range tx.reads {
		current, ok := s.docs[path]
		switch {
		case !ok && version != 0:
			return fmt.Errorf("commit %s: %w", path, ErrConflict)
		case ok && current.Version != version:
			return fmt.Errorf("commit %s: %w", path, ErrConflict)
		}
	}
	for path, data := range tx.writes {
		s.setLocked(path, data)
	}
	for path := range tx.deletes {
		delete(s.docs, path)
	}
	return nil
}

// memTx tracks reads (path -> observed version, 0 for absent) and buffers
// writes until commit.
type memTx struct {
	store   *MemoryStore
	reads   map[string]int64
	writes  map[string][]byte
	deletes map[string]bool
}

func (tx *memTx) Get(path string) (*Document, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if data, ok := tx.writes[path]; ok {
		return &Document{Path: path, Data: append([]byte(nil), data...)}, nil
	}
	if tx.deletes[path] {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}

	tx.store.mu.RLock()
	doc, ok := tx.store.docs[path]
	tx.store.mu.RUnlock()

	if !ok {
		tx.reads[path] = 0
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	tx.reads[path] = doc.Version
	return copyDoc(doc), nil
}

func (tx *memTx) Set(path string, data []byte) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	delete(tx.deletes, path)
	tx.writes[path] = append([]byte(nil), data...)
	return nil
}

func (tx *memTx) Delete(path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	delete(tx.writes, path)
	tx.deletes[path] = true
	return nil
}

func copyDoc(doc *Document) *Document {
	cp := *doc
	cp.Data = append([]byte(nil), doc.Data...)
	return &cp
}

// matchesFilters evaluates all filters against the JSON document body.
// A document missing a filtered field does not match.
func matchesFilters(data []byte, filters []Filter) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, fmt.Errorf("decode document for filtering: %w", err)
	}
	for _, f := range filters {
		value, ok := lookupField(fields, f.Field)
		if !ok || !compareValues(value, f.Op, f.Value) {
			return false, nil
		}
	}
	return true, nil
}

// lookupField resolves a dotted field path inside a decoded JSON object.
func lookupField(fields map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	current := any(fields)
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compareValues(have any, op Op, want any) bool {
	if hf, wf, ok := asFloats(have, want); ok {
		switch op {
		case OpEq:
			return hf == wf
		case OpGt:
			return hf > wf
		case OpGte:
			return hf >= wf
		case OpLt:
			return hf < wf
		case OpLte:
			return hf <= wf
		}
		return false
	}

	hs, hok := have.(string)
	ws, wok := want.(string)
	if hok && wok {
		switch op {
		case OpEq:
			return hs == ws
		case OpGt:
			return hs > ws
		case OpGte:
			return hs >= ws
		case OpLt:
			return hs < ws
		case OpLte:
			return hs <= ws
		}
		return false
	}

	if op == OpEq {
		return have == want
	}
	return false
}

func asFloats(a, b any) (float64, float64, bool) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return af, bf, aok && bok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func sortDocs(docs []*Document, orderBy *OrderBy) {
	sort.Slice(docs, func(i, j int) bool {
		var fi, fj map[string]any
		// Ignore decode errors here: undecodable documents sort last.
		_ = json.Unmarshal(docs[i].Data, &fi)
		_ = json.Unmarshal(docs[j].Data, &fj)
		vi, iok := lookupField(fi, orderBy.Field)
		vj, jok := lookupField(fj, orderBy.Field)
		if !iok || !jok {
			return jok
		}
		less := compareValues(vi, OpLt, vj)
		if orderBy.Desc {
			return compareValues(vi, OpGt, vj)
		}
		return less
	})
}
