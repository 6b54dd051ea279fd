package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"sync"

	"nowhere-ai/internal/domain"
)

// MemoryStore implements domain.Store entirely in process. It backs the
// development profile and the test suites; semantics mirror SQLiteStore,
// including version checks and unique constraints (partial Where predicates
// excepted, which only the SQL engine evaluates).
type MemoryStore struct {
	clock domain.Clock

	mu          sync.RWMutex
	specs       map[string]domain.CollectionSpec
	collections map[string]map[string]*memRecord
}

type memRecord struct {
	rec     domain.Record
	indexed map[string]string
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(clock domain.Clock) *MemoryStore {
	return &MemoryStore{
		clock:       clock,
		specs:       make(map[string]domain.CollectionSpec),
		collections: make(map[string]map[string]*memRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) EnsureCollection(_ context.Context, spec domain.CollectionSpec) error {
	if !identPattern.MatchString(spec.Name) {
		return domain.NewValidationError("store.ensure_collection", "invalid collection name", "name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.Name] = spec
	if _, ok := s.collections[spec.Name]; !ok {
		s.collections[spec.Name] = make(map[string]*memRecord)
	}
	return nil
}

func (s *MemoryStore) specLocked(collection string) (domain.CollectionSpec, error) {
	spec, ok := s.specs[collection]
	if !ok {
		return domain.CollectionSpec{}, domain.NewDomainError("store", domain.ErrValidation, "unknown collection "+collection)
	}
	return spec, nil
}

func indexedValues(spec domain.CollectionSpec, data json.RawMessage) (map[string]string, error) {
	vals, err := extractIndexed(spec, data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(spec.Indexed))
	for i, f := range spec.Indexed {
		out[f] = vals[i].(string)
	}
	return out, nil
}

// uniqueViolated reports whether candidate would collide with another record
// under any full (non-partial) unique constraint of spec.
func uniqueViolated(spec domain.CollectionSpec, coll map[string]*memRecord, id string, candidate map[string]string) bool {
	for _, u := range spec.Unique {
		if u.Where != "" {
			continue
		}
		for otherID, other := range coll {
			if otherID == id {
				continue
			}
			match := true
			for _, f := range u.Fields {
				if other.indexed[f] != candidate[f] {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
	}
	return false
}

func (s *MemoryStore) Put(_ context.Context, collection, id string, data json.RawMessage) (*domain.Record, error) {
	const op = "store.put"
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, err := s.specLocked(collection)
	if err != nil {
		return nil, err
	}
	coll := s.collections[collection]
	if _, exists := coll[id]; exists {
		return nil, domain.NewDomainError(op, domain.ErrConflict, fmt.Sprintf("%s/%s already exists", collection, id))
	}
	idx, err := indexedValues(spec, data)
	if err != nil {
		return nil, err
	}
	if uniqueViolated(spec, coll, id, idx) {
		return nil, domain.NewDomainError(op, domain.ErrConflict, fmt.Sprintf("%s/%s unique violation", collection, id))
	}
	now := s.clock.Now().UTC()
	rec := domain.Record{ID: id, Version: 1, Data: append(json.RawMessage(nil), data...), CreatedAt: now, UpdatedAt: now}
	coll[id] = &memRecord{rec: rec, indexed: idx}
	out := rec
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, collection, id string) (*domain.Record, error) {
	const op = "store.get"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.specLocked(collection); err != nil {
		return nil, err
	}
	mr, ok := s.collections[collection][id]
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, fmt.Sprintf("%s/%s", collection, id))
	}
	out := mr.rec
	out.Data = append(json.RawMessage(nil), mr.rec.Data...)
	return &out, nil
}

func (s *MemoryStore) Update(_ context.Context, collection, id string, version int64, data json.RawMessage) (*domain.Record, error) {
	const op = "store.update"
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, err := s.specLocked(collection)
	if err != nil {
		return nil, err
	}
	coll := s.collections[collection]
	mr, ok := coll[id]
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, fmt.Sprintf("%s/%s", collection, id))
	}
	if mr.rec.Version != version {
		return nil, domain.NewDomainError(op, domain.ErrConflict, fmt.Sprintf("%s/%s version %d is stale", collection, id, version))
	}
	idx, err := indexedValues(spec, data)
	if err != nil {
		return nil, err
	}
	if uniqueViolated(spec, coll, id, idx) {
		return nil, domain.NewDomainError(op, domain.ErrConflict, fmt.Sprintf("%s/%s unique violation", collection, id))
	}
	mr.rec.Version++
	mr.rec.Data = append(json.RawMessage(nil), data...)
	mr.rec.UpdatedAt = s.clock.Now().UTC()
	mr.indexed = idx
	out := mr.rec
	out.Data = append(json.RawMessage(nil), mr.rec.Data...)
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	const op = "store.delete"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.specLocked(collection); err != nil {
		return err
	}
	coll := s.collections[collection]
	if _, ok := coll[id]; !ok {
		return domain.NewDomainError(op, domain.ErrNotFound, fmt.Sprintf("%s/%s", collection, id))
	}
	delete(coll, id)
	return nil
}

func matches(spec domain.CollectionSpec, mr *memRecord, filter domain.Filter) (bool, error) {
	indexed := func(f string) bool {
		for _, i := range spec.Indexed {
			if i == f {
				return true
			}
		}
		return false
	}
	for f, v := range filter.Eq {
		if !indexed(f) {
			return false, domain.NewValidationError("store.query", "field not indexed: "+f, f)
		}
		if mr.indexed[f] != v {
			return false, nil
		}
	}
	if r := filter.Range; r != nil {
		if !indexed(r.Field) {
			return false, domain.NewValidationError("store.query", "field not indexed: "+r.Field, r.Field)
		}
		v := mr.indexed[r.Field]
		if r.From != "" && v < r.From {
			return false, nil
		}
		if r.To != "" && v >= r.To {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemoryStore) selectRecords(collection string, filter domain.Filter, sorts []domain.Sort) ([]*memRecord, error) {
	spec, err := s.specLocked(collection)
	if err != nil {
		return nil, err
	}
	var out []*memRecord
	for _, mr := range s.collections[collection] {
		ok, err := matches(spec, mr, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, mr)
		}
	}

	builtin := map[string]bool{"id": true, "created_at": true, "updated_at": true}
	sortable := func(f string) bool {
		if builtin[f] {
			return true
		}
		for _, i := range spec.Indexed {
			if i == f {
				return true
			}
		}
		return false
	}
	effective := sorts
	if len(effective) == 0 {
		effective = []domain.Sort{{Field: "created_at"}, {Field: "id"}}
	}
	for _, srt := range effective {
		if !sortable(srt.Field) {
			return nil, domain.NewValidationError("store.query", "cannot sort on "+srt.Field, srt.Field)
		}
	}

	key := func(mr *memRecord, field string) string {
		switch field {
		case "id":
			return mr.rec.ID
		case "created_at":
			return mr.rec.CreatedAt.Format("2006-01-02T15:04:05.000000000")
		case "updated_at":
			return mr.rec.UpdatedAt.Format("2006-01-02T15:04:05.000000000")
		}
		return mr.indexed[field]
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, srt := range effective {
			a, b := key(out[i], srt.Field), key(out[j], srt.Field)
			if a == b {
				continue
			}
			if srt.Desc {
				return a > b
			}
			return a < b
		}
		return false
	})
	return out, nil
}

func (s *MemoryStore) Query(_ context.Context, collection string, filter domain.Filter, sorts []domain.Sort, limit int) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	selected, err := s.selectRecords(collection, filter, sorts)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}
	out := make([]domain.Record, 0, len(selected))
	for _, mr := range selected {
		rec := mr.rec
		rec.Data = append(json.RawMessage(nil), mr.rec.Data...)
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, collection string, filter domain.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	selected, err := s.selectRecords(collection, filter, nil)
	if err != nil {
		return 0, err
	}
	return int64(len(selected)), nil
}

func (s *MemoryStore) Stream(ctx context.Context, collection string, filter domain.Filter, sorts []domain.Sort) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		recs, err := s.Query(ctx, collection, filter, sorts, 0)
		if err != nil {
			yield(domain.Record{}, err)
			return
		}
		for _, rec := range recs {
			if ctx.Err() != nil {
				yield(domain.Record{}, ctx.Err())
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

var _ domain.Store = (*MemoryStore)(nil)
