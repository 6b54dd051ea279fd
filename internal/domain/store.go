package domain

import (
	"context"
	"encoding/json"
	"iter"
	"time"
)

// Record is the storage envelope for any persisted entity. Version starts at 1
// and increments on every successful Update.
type Record struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Range bounds an indexed field. Zero bounds are open.
type Range struct {
	Field string `json:"field"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

// Filter narrows a Query to records whose indexed fields match. Eq terms are
// ANDed together and with the optional Range.
type Filter struct {
	Eq    map[string]string `json:"eq,omitempty"`
	Range *Range            `json:"range,omitempty"`
}

// Sort orders query results on one indexed field.
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// UniqueSpec declares a uniqueness constraint over indexed fields. A non-empty
// Where makes the constraint partial: only rows matching the predicate compete.
type UniqueSpec struct {
	Fields []string `json:"fields"`
	Where  string   `json:"where,omitempty"`
}

// CollectionSpec declares a collection ahead of use. Indexed names the fields
// extracted from Data for filtering and sorting.
type CollectionSpec struct {
	Name    string       `json:"name"`
	Indexed []string     `json:"indexed,omitempty"`
	Unique  []UniqueSpec `json:"unique,omitempty"`
}

// Store is the persistence port. Implementations return ErrNotFound for
// missing records, ErrConflict for duplicate ids, unique violations and stale
// versions, and ErrValidation for filters on non-indexed fields.
type Store interface {
	// EnsureCollection creates the collection and its indexes if absent.
	// Calling it again with the same spec is a no-op.
	EnsureCollection(ctx context.Context, spec CollectionSpec) error

	// Put inserts a new record with version 1.
	Put(ctx context.Context, collection, id string, data json.RawMessage) (*Record, error)

	// Get fetches one record by id.
	Get(ctx context.Context, collection, id string) (*Record, error)

	// Update replaces Data only when version matches the stored version,
	// then bumps it. A mismatch returns ErrConflict without writing.
	Update(ctx context.Context, collection, id string, version int64, data json.RawMessage) (*Record, error)

	// Delete removes a record by id.
	Delete(ctx context.Context, collection, id string) error

	// Query returns matching records. limit <= 0 means no limit.
	Query(ctx context.Context, collection string, filter Filter, sort []Sort, limit int) ([]Record, error)

	// Count returns the number of matching records.
	Count(ctx context.Context, collection string, filter Filter) (int64, error)

	// Stream yields matching records one at a time without materializing
	// the result set. Iteration stops early when the yield returns false
	// or ctx is done.
	Stream(ctx context.Context, collection string, filter Filter, sort []Sort) iter.Seq2[Record, error]

	Close() error
}
