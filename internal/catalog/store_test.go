package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordermail/internal/model"
)

func testStore(t *testing.T, products []model.Product, customers []model.Customer) *Store {
	t.Helper()
	store := NewStore(t.TempDir())
	require.NoError(t, store.Replace(products, customers))
	return store
}

func TestProductByCodeTrimsBothSides(t *testing.T) {
	store := testStore(t, []model.Product{
		{ID: 1, Code: "3M9353R ", Name: "Splicing Tape"},
	}, nil)

	p, ok := store.ProductByCode("3M9353R")
	require.True(t, ok)
	assert.Equal(t, int64(1), p.ID)
	assert.Equal(t, "3M9353R", p.Code)

	p, ok = store.ProductByCode("  3M9353R  ")
	require.True(t, ok)
	assert.Equal(t, int64(1), p.ID)

	_, ok = store.ProductByCode("3M9353")
	assert.False(t, ok)
}

func TestCustomerByNameFolds(t *testing.T) {
	store := testStore(t, nil, []model.Customer{
		{ID: 7, Name: "Müller  Verpackung GmbH"},
	})

	c, ok := store.CustomerByName("muller verpackung gmbh")
	require.True(t, ok)
	assert.Equal(t, int64(7), c.ID)

	c, ok = store.CustomerByName("MÜLLER VERPACKUNG GMBH")
	require.True(t, ok)
	assert.Equal(t, int64(7), c.ID)
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, "schur star systems gmbh", FoldName("  Schur   Star Systems GmbH "))
	assert.Equal(t, "muller", FoldName("Müller"))
}

func TestReplacePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Replace(
		[]model.Product{{ID: 2, Code: "L1520-457", Name: "Liner"}},
		[]model.Customer{{ID: 3, Name: "Acme"}},
	))

	reloaded := NewStore(dir)
	require.NoError(t, reloaded.Load())
	products, customers := reloaded.Counts()
	assert.Equal(t, 1, products)
	assert.Equal(t, 1, customers)
	p, ok := reloaded.ProductByCode("L1520-457")
	require.True(t, ok)
	assert.Equal(t, "Liner", p.Name)
}

func TestLoadMissingFilesIsEmpty(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Load())
	products, customers := store.Counts()
	assert.Zero(t, products)
	assert.Zero(t, customers)
	assert.True(t, store.Mtime().IsZero())
}

func TestWatermarkRoundTrip(t *testing.T) {
	w := NewWatermark(t.TempDir())

	_, ok, err := w.Read()
	require.NoError(t, err)
	assert.False(t, ok)

	ts := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	require.NoError(t, w.Write(ts))

	got, ok, err := w.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ts, got)
}
