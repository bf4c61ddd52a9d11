package verify

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
	products  map[int64]map[string]any
	customers map[int64]map[string]any
	searches  [][]any
	err       error
}

func (f *fakeERP) SearchRead(ctx context.Context, mdl string, domain []any, fields []string, limit int) ([]map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.searches = append(f.searches, domain)
	var out []map[string]any
	for _, rec := range f.customers {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeERP) Create(ctx context.Context, mdl string, values map[string]any) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeERP) Read(ctx context.Context, mdl string, ids []int64, fields []string) ([]map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	source := f.products
	if mdl == "res.partner" {
		source = f.customers
	}
	var out []map[string]any
	for _, id := range ids {
		if rec, ok := source[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func matched(ids ...int64) []model.Match {
	out := make([]model.Match, len(ids))
	for i := range ids {
		out[i] = model.Match{ChosenProductID: &ids[i], Confidence: 1.0, Method: model.MethodExactCode}
	}
	return out
}

func TestVerifyAllPresent(t *testing.T) {
	custID := int64(41)
	v := New(&fakeERP{
		products: map[int64]map[string]any{
			8653: {"id": float64(8653), "active": true, "list_price": 12.5},
		},
		customers: map[int64]map[string]any{
			41: {"id": float64(41), "active": true},
		},
	}, discard())

	out, err := v.Verify(context.Background(), matched(8653),
		&model.CustomerMatch{CustomerID: &custID, Name: "Schur Star Systems GmbH"})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Misses)
	assert.True(t, out.CustomerVerified)
	require.NotNil(t, out.CustomerERPID)
	assert.Equal(t, int64(41), *out.CustomerERPID)
	require.Len(t, out.Products, 1)
	assert.True(t, out.Products[0].Exists)
	assert.Equal(t, 12.5, out.Products[0].ListPrice)
}

func TestVerifyMissingProductIsAMiss(t *testing.T) {
	v := New(&fakeERP{products: map[int64]map[string]any{}}, discard())

	out, err := v.Verify(context.Background(), matched(8653), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Misses)
	require.Len(t, out.Products, 1)
	assert.False(t, out.Products[0].Exists)
}

func TestVerifyArchivedProductIsAMiss(t *testing.T) {
	v := New(&fakeERP{
		products: map[int64]map[string]any{
			8653: {"id": float64(8653), "active": false},
		},
	}, discard())

	out, err := v.Verify(context.Background(), matched(8653), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Misses)
}

func TestVerifyDuplicateProductReadOnce(t *testing.T) {
	v := New(&fakeERP{
		products: map[int64]map[string]any{
			8653: {"id": float64(8653), "active": true, "list_price": 12.5},
		},
	}, discard())

	out, err := v.Verify(context.Background(), matched(8653, 8653), nil)
	require.NoError(t, err)
	// Two lines, one ERP record, both verified.
	require.Len(t, out.Products, 2)
	assert.True(t, out.Products[0].Exists)
	assert.True(t, out.Products[1].Exists)
	assert.Equal(t, 0, out.Misses)
}

func TestVerifyUnmatchedLinesSkipped(t *testing.T) {
	v := New(&fakeERP{}, discard())

	out, err := v.Verify(context.Background(), []model.Match{{Method: model.MethodUnmatched}}, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Products)
	assert.Equal(t, 0, out.Misses)
}

func TestVerifyNameSearchFallback(t *testing.T) {
	erpClient := &fakeERP{
		customers: map[int64]map[string]any{
			41: {"id": float64(41), "name": "Schur Star Systems GmbH", "active": true},
		},
	}
	v := New(erpClient, discard())

	customer := &model.CustomerMatch{Name: "Schur Star Systems GmbH"}
	out, err := v.Verify(context.Background(), nil, customer)
	require.NoError(t, err)
	assert.True(t, out.CustomerVerified)
	require.NotNil(t, out.CustomerERPID)
	assert.Equal(t, int64(41), *out.CustomerERPID)
	require.NotNil(t, customer.CustomerID)
	assert.Equal(t, "erp_name_search", customer.Method)
	require.Len(t, erpClient.searches, 1)
}

func TestVerifyNameSearchAmbiguousStaysUnresolved(t *testing.T) {
	erpClient := &fakeERP{
		customers: map[int64]map[string]any{
			41: {"id": float64(41), "name": "Schur Star Systems GmbH", "active": true},
			42: {"id": float64(42), "name": "Schur Star Systems Nordic", "active": true},
		},
	}
	v := New(erpClient, discard())

	customer := &model.CustomerMatch{Name: "Schur Star"}
	out, err := v.Verify(context.Background(), nil, customer)
	require.NoError(t, err)
	assert.False(t, out.CustomerVerified)
	assert.Nil(t, out.CustomerERPID)
	assert.Nil(t, customer.CustomerID)
}

func TestVerifyTransientErrorAborts(t *testing.T) {
	v := New(&fakeERP{err: model.Transient("erp rpc", errors.New("status 503"))}, discard())

	_, err := v.Verify(context.Background(), matched(8653), nil)
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
}
