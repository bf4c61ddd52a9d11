package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordermail/internal/model"
)

type fakeERP struct {
	products  []map[string]any
	customers []map[string]any
	err       error
	calls     int
}

func (f *fakeERP) SearchRead(ctx context.Context, mdl string, domain []any, fields []string, limit int) ([]map[string]any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	// The first domain element is always the id cursor; more elements mean an
	// incremental pass, which this fake answers with no changes.
	incremental := len(domain) > 1
	if incremental {
		return nil, nil
	}
	// The cursor paging loop calls again with id > lastID; return each set
	// once by checking the cursor value.
	cursor := domain[0].([]any)[2].(int64)
	if cursor > 0 {
		return nil, nil
	}
	switch mdl {
	case "product.product":
		return f.products, nil
	case "res.partner":
		return f.customers, nil
	}
	return nil, nil
}

func (f *fakeERP) Create(ctx context.Context, mdl string, values map[string]any) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeERP) Read(ctx context.Context, mdl string, ids []int64, fields []string) ([]map[string]any, error) {
	return nil, errors.New("not implemented")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSyncFullThenIncrementalZeros(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Load())

	client := &fakeERP{
		products: []map[string]any{
			{"id": float64(8653), "default_code": "L1520-457", "name": "Liner 457", "list_price": 12.5, "standard_price": 8.0, "write_date": "2026-08-20 10:00:00"},
			{"id": float64(8798), "default_code": "L1520-600", "name": "Liner 600", "list_price": 14.0, "standard_price": 9.0, "write_date": "2026-08-20 10:00:00"},
		},
		customers: []map[string]any{
			{"id": float64(41), "ref": "C-41", "name": "Schur Star Systems GmbH", "email": "orders@schur-star.example", "phone": false, "contact_address": false, "write_date": "2026-08-20 10:00:00"},
		},
	}
	syncer := NewSyncer(store, NewWatermark(dir), client, discard())

	result, err := syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.ProductsSynced)
	assert.Equal(t, 1, result.CustomersSynced)

	p, ok := store.ProductByCode("L1520-457")
	require.True(t, ok)
	assert.Equal(t, int64(8653), p.ID)

	// Null phone arrives as boolean false and must read back empty.
	c, ok := store.CustomerByID(41)
	require.True(t, ok)
	assert.Empty(t, c.Phone)
	assert.Empty(t, c.Address)

	// Nothing changed since the watermark: the second pass merges nothing and
	// the catalog is untouched.
	result, err = syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.ProductsSynced)
	assert.Zero(t, result.CustomersSynced)
	products, customers := store.Counts()
	assert.Equal(t, 2, products)
	assert.Equal(t, 1, customers)
}

func TestSyncTransientFailure(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	client := &fakeERP{err: model.Transient("erp rpc", errors.New("status 503"))}
	syncer := NewSyncer(store, NewWatermark(dir), client, discard())

	_, err := syncer.Sync(context.Background())
	var transient *model.SyncTransientError
	require.ErrorAs(t, err, &transient)

	// The watermark must not advance past a failed sync.
	_, ok, err := NewWatermark(dir).Read()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncSchemaMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	client := &fakeERP{
		customers: []map[string]any{{"name": "no id field"}},
	}
	syncer := NewSyncer(store, NewWatermark(dir), client, discard())

	_, err := syncer.Sync(context.Background())
	var fatal *model.SyncFatalError
	require.ErrorAs(t, err, &fatal)
}

func TestMergeByIDUpdatesAndAppends(t *testing.T) {
	existing := []model.Product{{ID: 1, Name: "old"}, {ID: 2, Name: "keep"}}
	incoming := []model.Product{{ID: 1, Name: "new"}, {ID: 3, Name: "added"}}

	merged := mergeByID(existing, incoming, func(p model.Product) int64 { return p.ID })
	require.Len(t, merged, 3)
	assert.Equal(t, "new", merged[0].Name)
	assert.Equal(t, "keep", merged[1].Name)
	assert.Equal(t, "added", merged[2].Name)
}
