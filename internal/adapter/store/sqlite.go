package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"nowhere-ai/internal/domain"
)

// SQLiteStore implements domain.Store on a single SQLite database. Each
// collection maps to its own table; indexed fields are extracted from the
// JSON document into TEXT columns at write time so they can back indexes.
type SQLiteStore struct {
	db    *sql.DB
	clock domain.Clock

	mu    sync.RWMutex
	specs map[string]domain.CollectionSpec
}

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string, clock domain.Clock) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return &SQLiteStore{
		db:    db,
		clock: clock,
		specs: make(map[string]domain.CollectionSpec),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureCollection(ctx context.Context, spec domain.CollectionSpec) error {
	const op = "store.ensure_collection"
	if !identPattern.MatchString(spec.Name) {
		return domain.NewValidationError(op, "invalid collection name", "name")
	}
	for _, f := range spec.Indexed {
		if !identPattern.MatchString(f) {
			return domain.NewValidationError(op, "invalid indexed field "+f, "indexed")
		}
	}

	var cols strings.Builder
	for _, f := range spec.Indexed {
		fmt.Fprintf(&cols, ",\n\t\t\tidx_%s TEXT", f)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL%s
		)
	`, spec.Name, cols.String())
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%s %s: %w", op, spec.Name, err)
	}

	for _, f := range spec.Indexed {
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS ix_%s_%s ON %s (idx_%s)", spec.Name, f, spec.Name, f)
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("%s index %s.%s: %w", op, spec.Name, f, err)
		}
	}
	for i, u := range spec.Unique {
		cols := make([]string, 0, len(u.Fields))
		for _, f := range u.Fields {
			if !identPattern.MatchString(f) {
				return domain.NewValidationError(op, "invalid unique field "+f, "unique")
			}
			cols = append(cols, "idx_"+f)
		}
		stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_%d ON %s (%s)",
			spec.Name, i, spec.Name, strings.Join(cols, ", "))
		if u.Where != "" {
			stmt += " WHERE " + u.Where
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s unique index %s: %w", op, spec.Name, err)
		}
	}

	s.mu.Lock()
	s.specs[spec.Name] = spec
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) spec(collection string) (domain.CollectionSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[collection]
	if !ok {
		return domain.CollectionSpec{}, domain.NewDomainError("store", domain.ErrValidation, "unknown collection "+collection)
	}
	return spec, nil
}

// extractIndexed pulls the spec's indexed fields out of the JSON document.
// Missing fields become empty strings; scalars are stringified.
func extractIndexed(spec domain.CollectionSpec, data json.RawMessage) ([]any, error) {
	if len(spec.Indexed) == 0 {
		return nil, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, domain.NewValidationError("store.put", "data is not a JSON object", "data")
	}
	vals := make([]any, 0, len(spec.Indexed))
	for _, f := range spec.Indexed {
		raw, ok := doc[f]
		if !ok || string(raw) == "null" {
			vals = append(vals, "")
			continue
		}
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			vals = append(vals, str)
			continue
		}
		// Non-string scalar: store its JSON text form.
		vals = append(vals, string(raw))
	}
	return vals, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

func (s *SQLiteStore) Put(ctx context.Context, collection, id string, data json.RawMessage) (*domain.Record, error) {
	const op = "store.put"
	spec, err := s.spec(collection)
	if err != nil {
		return nil, err
	}
	idxVals, err := extractIndexed(spec, data)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	ts := now.Format(time.RFC3339Nano)

	cols := []string{"id", "version", "data", "created_at", "updated_at"}
	args := []any{id, int64(1), string(data), ts, ts}
	for i, f := range spec.Indexed {
		cols = append(cols, "idx_"+f)
		args = append(args, idxVals[i])
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		collection, strings.Join(cols, ", "), placeholders)
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.NewDomainError(op, domain.ErrConflict, fmt.Sprintf("%s/%s already exists", collection, id))
		}
		return nil, fmt.Errorf("%s %s/%s: %w", op, collection, id, err)
	}
	return &domain.Record{ID: id, Version: 1, Data: data, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*domain.Record, error) {
	const op = "store.get"
	if _, err := s.spec(collection); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, version, data, created_at, updated_at FROM %s WHERE id = ?", collection), id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewDomainError(op, domain.ErrNotFound, fmt.Sprintf("%s/%s", collection, id))
		}
		return nil, fmt.Errorf("%s %s/%s: %w", op, collection, id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Update(ctx context.Context, collection, id string, version int64, data json.RawMessage) (*domain.Record, error) {
	const op = "store.update"
	spec, err := s.spec(collection)
	if err != nil {
		return nil, err
	}
	idxVals, err := extractIndexed(spec, data)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	ts := now.Format(time.RFC3339Nano)

	set := []string{"version = version + 1", "data = ?", "updated_at = ?"}
	args := []any{string(data), ts}
	for i, f := range spec.Indexed {
		set = append(set, "idx_"+f+" = ?")
		args = append(args, idxVals[i])
	}
	args = append(args, id, version)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND version = ?",
		collection, strings.Join(set, ", "))
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.NewDomainError(op, domain.ErrConflict, fmt.Sprintf("%s/%s unique violation", collection, id))
		}
		return nil, fmt.Errorf("%s %s/%s: %w", op, collection, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish a missing record from a stale version.
		if _, err := s.Get(ctx, collection, id); err != nil {
			return nil, err
		}
		return nil, domain.NewDomainError(op, domain.ErrConflict, fmt.Sprintf("%s/%s version %d is stale", collection, id, version))
	}
	return s.Get(ctx, collection, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	const op = "store.delete"
	if _, err := s.spec(collection); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", collection), id)
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", op, collection, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError(op, domain.ErrNotFound, fmt.Sprintf("%s/%s", collection, id))
	}
	return nil
}

// buildWhere renders filter into a WHERE clause over extracted index columns.
func buildWhere(spec domain.CollectionSpec, filter domain.Filter) (string, []any, error) {
	indexed := func(f string) bool {
		for _, i := range spec.Indexed {
			if i == f {
				return true
			}
		}
		return false
	}
	fields := make([]string, 0, len(filter.Eq))
	for f := range filter.Eq {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var conds []string
	var args []any
	for _, f := range fields {
		if !indexed(f) {
			return "", nil, domain.NewValidationError("store.query", "field not indexed: "+f, f)
		}
		conds = append(conds, "idx_"+f+" = ?")
		args = append(args, filter.Eq[f])
	}
	if r := filter.Range; r != nil {
		if !indexed(r.Field) {
			return "", nil, domain.NewValidationError("store.query", "field not indexed: "+r.Field, r.Field)
		}
		if r.From != "" {
			conds = append(conds, "idx_"+r.Field+" >= ?")
			args = append(args, r.From)
		}
		if r.To != "" {
			conds = append(conds, "idx_"+r.Field+" < ?")
			args = append(args, r.To)
		}
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func buildOrder(spec domain.CollectionSpec, sorts []domain.Sort) (string, error) {
	if len(sorts) == 0 {
		return " ORDER BY created_at, id", nil
	}
	builtin := map[string]bool{"id": true, "created_at": true, "updated_at": true, "version": true}
	indexed := func(f string) bool {
		for _, i := range spec.Indexed {
			if i == f {
				return true
			}
		}
		return false
	}
	terms := make([]string, 0, len(sorts))
	for _, srt := range sorts {
		var col string
		switch {
		case builtin[srt.Field]:
			col = srt.Field
		case indexed(srt.Field):
			col = "idx_" + srt.Field
		default:
			return "", domain.NewValidationError("store.query", "cannot sort on "+srt.Field, srt.Field)
		}
		if srt.Desc {
			col += " DESC"
		}
		terms = append(terms, col)
	}
	return " ORDER BY " + strings.Join(terms, ", "), nil
}

func (s *SQLiteStore) Query(ctx context.Context, collection string, filter domain.Filter, sorts []domain.Sort, limit int) ([]domain.Record, error) {
	const op = "store.query"
	spec, err := s.spec(collection)
	if err != nil {
		return nil, err
	}
	where, args, err := buildWhere(spec, filter)
	if err != nil {
		return nil, err
	}
	order, err := buildOrder(spec, sorts)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT id, version, data, created_at, updated_at FROM %s%s%s", collection, where, order)
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, collection, err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", op, collection, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, collection string, filter domain.Filter) (int64, error) {
	const op = "store.count"
	spec, err := s.spec(collection)
	if err != nil {
		return 0, err
	}
	where, args, err := buildWhere(spec, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", collection, where)
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s %s: %w", op, collection, err)
	}
	return n, nil
}

func (s *SQLiteStore) Stream(ctx context.Context, collection string, filter domain.Filter, sorts []domain.Sort) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		const op = "store.stream"
		spec, err := s.spec(collection)
		if err != nil {
			yield(domain.Record{}, err)
			return
		}
		where, args, err := buildWhere(spec, filter)
		if err != nil {
			yield(domain.Record{}, err)
			return
		}
		order, err := buildOrder(spec, sorts)
		if err != nil {
			yield(domain.Record{}, err)
			return
		}
		stmt := fmt.Sprintf("SELECT id, version, data, created_at, updated_at FROM %s%s%s", collection, where, order)
		rows, err := s.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			yield(domain.Record{}, fmt.Errorf("%s %s: %w", op, collection, err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			if ctx.Err() != nil {
				yield(domain.Record{}, ctx.Err())
				return
			}
			rec, err := scanRecord(rows)
			if err != nil {
				yield(domain.Record{}, fmt.Errorf("%s %s: %w", op, collection, err))
				return
			}
			if !yield(*rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Record{}, fmt.Errorf("%s %s: %w", op, collection, err))
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.Record, error) {
	var rec domain.Record
	var data, createdStr, updatedStr string
	if err := row.Scan(&rec.ID, &rec.Version, &data, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &rec, nil
}

var _ domain.Store = (*SQLiteStore)(nil)
