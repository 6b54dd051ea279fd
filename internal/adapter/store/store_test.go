package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nowhere-ai/internal/domain"
)

func openStores(t *testing.T) map[string]domain.Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"), domain.SystemClock{})
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]domain.Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(domain.SystemClock{}),
	}
}

func testSpec() domain.CollectionSpec {
	return domain.CollectionSpec{
		Name:    "widgets",
		Indexed: []string{"tenant_id", "state"},
		Unique:  []domain.UniqueSpec{{Fields: []string{"tenant_id", "state"}}},
	}
}

func doc(tenant, state string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"tenant_id":%q,"state":%q,"note":"x"}`, tenant, state))
}

func TestStoreRoundTrip(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.EnsureCollection(ctx, testSpec()))

			rec, err := st.Put(ctx, "widgets", "w1", doc("t1", "queued"))
			require.NoError(t, err)
			assert.Equal(t, int64(1), rec.Version)

			got, err := st.Get(ctx, "widgets", "w1")
			require.NoError(t, err)
			assert.JSONEq(t, string(doc("t1", "queued")), string(got.Data))

			_, err = st.Get(ctx, "widgets", "missing")
			assert.True(t, errors.Is(err, domain.ErrNotFound))
		})
	}
}

func TestStoreDuplicateID(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.EnsureCollection(ctx, testSpec()))
			_, err := st.Put(ctx, "widgets", "w1", doc("t1", "queued"))
			require.NoError(t, err)
			_, err = st.Put(ctx, "widgets", "w1", doc("t2", "running"))
			assert.True(t, errors.Is(err, domain.ErrConflict))
		})
	}
}

func TestStoreUniqueConstraint(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.EnsureCollection(ctx, testSpec()))
			_, err := st.Put(ctx, "widgets", "w1", doc("t1", "queued"))
			require.NoError(t, err)
			_, err = st.Put(ctx, "widgets", "w2", doc("t1", "queued"))
			assert.True(t, errors.Is(err, domain.ErrConflict), "same (tenant_id, state) pair must be rejected")

			_, err = st.Put(ctx, "widgets", "w3", doc("t1", "running"))
			assert.NoError(t, err)
		})
	}
}

func TestStoreVersionedUpdate(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.EnsureCollection(ctx, testSpec()))
			rec, err := st.Put(ctx, "widgets", "w1", doc("t1", "queued"))
			require.NoError(t, err)

			updated, err := st.Update(ctx, "widgets", "w1", rec.Version, doc("t1", "running"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), updated.Version)

			// Stale writer loses.
			_, err = st.Update(ctx, "widgets", "w1", rec.Version, doc("t1", "failed"))
			assert.True(t, errors.Is(err, domain.ErrConflict))

			// Missing record is not-found, not conflict.
			_, err = st.Update(ctx, "widgets", "nope", 1, doc("t1", "queued"))
			assert.True(t, errors.Is(err, domain.ErrNotFound))
		})
	}
}

func TestStoreQueryFilterSortLimit(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			spec := domain.CollectionSpec{Name: "widgets", Indexed: []string{"tenant_id", "state"}}
			require.NoError(t, st.EnsureCollection(ctx, spec))
			seed := []struct{ id, tenant, state string }{
				{"a", "t1", "queued"},
				{"b", "t1", "running"},
				{"c", "t2", "queued"},
				{"d", "t1", "queued"},
			}
			for _, s := range seed {
				_, err := st.Put(ctx, "widgets", s.id, doc(s.tenant, s.state))
				require.NoError(t, err)
			}

			recs, err := st.Query(ctx, "widgets",
				domain.Filter{Eq: map[string]string{"tenant_id": "t1", "state": "queued"}},
				[]domain.Sort{{Field: "id"}}, 0)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "a", recs[0].ID)
			assert.Equal(t, "d", recs[1].ID)

			recs, err = st.Query(ctx, "widgets",
				domain.Filter{Eq: map[string]string{"tenant_id": "t1"}},
				[]domain.Sort{{Field: "id", Desc: true}}, 2)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "d", recs[0].ID)

			n, err := st.Count(ctx, "widgets", domain.Filter{Eq: map[string]string{"state": "queued"}})
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			_, err = st.Query(ctx, "widgets",
				domain.Filter{Eq: map[string]string{"note": "x"}}, nil, 0)
			assert.True(t, errors.Is(err, domain.ErrValidation), "non-indexed filter field must be rejected")
		})
	}
}

func TestStoreRangeFilter(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			spec := domain.CollectionSpec{Name: "events", Indexed: []string{"ts"}}
			require.NoError(t, st.EnsureCollection(ctx, spec))
			for i, ts := range []string{"2025-06-01", "2025-06-02", "2025-06-03"} {
				_, err := st.Put(ctx, "events", fmt.Sprintf("e%d", i),
					json.RawMessage(fmt.Sprintf(`{"ts":%q}`, ts)))
				require.NoError(t, err)
			}
			recs, err := st.Query(ctx, "events",
				domain.Filter{Range: &domain.Range{Field: "ts", From: "2025-06-02", To: "2025-06-03"}},
				nil, 0)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "e1", recs[0].ID)
		})
	}
}

func TestStoreStream(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			spec := domain.CollectionSpec{Name: "widgets", Indexed: []string{"tenant_id", "state"}}
			require.NoError(t, st.EnsureCollection(ctx, spec))
			for i := 0; i < 5; i++ {
				_, err := st.Put(ctx, "widgets", fmt.Sprintf("w%d", i), doc("t1", "queued"))
				require.NoError(t, err)
			}
			var seen int
			for rec, err := range st.Stream(ctx, "widgets", domain.Filter{}, []domain.Sort{{Field: "id"}}) {
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("w%d", seen), rec.ID)
				seen++
				if seen == 3 {
					break
				}
			}
			assert.Equal(t, 3, seen)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.EnsureCollection(ctx, testSpec()))
			_, err := st.Put(ctx, "widgets", "w1", doc("t1", "queued"))
			require.NoError(t, err)
			require.NoError(t, st.Delete(ctx, "widgets", "w1"))
			assert.True(t, errors.Is(st.Delete(ctx, "widgets", "w1"), domain.ErrNotFound))
		})
	}
}
