package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordermail/internal/model"
	"ordermail/internal/state"
)

type fakeERP struct {
	nextID  int64
	creates []map[string]any
	err     error
}

func (f *fakeERP) SearchRead(ctx context.Context, mdl string, domain []any, fields []string, limit int) ([]map[string]any, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeERP) Create(ctx context.Context, mdl string, values map[string]any) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.creates = append(f.creates, values)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeERP) Read(ctx context.Context, mdl string, ids []int64, fields []string) ([]map[string]any, error) {
	return nil, errors.New("not implemented")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testState(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func matchedInput() *Input {
	id := int64(8653)
	return &Input{
		MessageID:  "42",
		OrderRef:   "PO-2026-114",
		CustomerID: 41,
		LineItems:  []model.LineItem{{RawCode: "L1520-457", Quantity: 10, UnitPrice: 12.5}},
		Matches:    []model.Match{{ChosenProductID: &id, Confidence: 1.0, Method: model.MethodExactCode}},
		Notes:      "deliver week 36",
	}
}

func TestWriteCreatesOnce(t *testing.T) {
	erpClient := &fakeERP{nextID: 9000}
	w := NewWriter(erpClient, testState(t), true, discard())

	order, err := w.Write(context.Background(), matchedInput())
	require.NoError(t, err)
	assert.Equal(t, model.OrderCreated, order.Status)
	assert.Equal(t, int64(9001), order.ERPOrderID)
	assert.Equal(t, "42|PO-2026-114", order.IdempotencyKey)
	require.Len(t, erpClient.creates, 1)

	values := erpClient.creates[0]
	assert.Equal(t, int64(41), values["partner_id"])
	assert.Equal(t, "PO-2026-114", values["client_order_ref"])
	lines := values["order_line"].([]any)
	require.Len(t, lines, 1)
	line := lines[0].([]any)[2].(map[string]any)
	assert.Equal(t, int64(8653), line["product_id"])
	assert.Equal(t, 10.0, line["product_uom_qty"])
	assert.Equal(t, 12.5, line["price_unit"])

	// The same message submitted again is a duplicate, not a second order.
	order, err = w.Write(context.Background(), matchedInput())
	require.NoError(t, err)
	assert.Equal(t, model.OrderDuplicate, order.Status)
	assert.Equal(t, int64(9001), order.ERPOrderID)
	assert.Len(t, erpClient.creates, 1)
}

func TestWriteDisabled(t *testing.T) {
	erpClient := &fakeERP{}
	w := NewWriter(erpClient, testState(t), false, discard())

	order, err := w.Write(context.Background(), matchedInput())
	require.NoError(t, err)
	assert.Equal(t, model.OrderNotCreated, order.Status)
	assert.Empty(t, order.Error)
	assert.Empty(t, erpClient.creates)
}

func TestWriteRejectsUnmatchedLines(t *testing.T) {
	w := NewWriter(&fakeERP{}, testState(t), true, discard())
	in := matchedInput()
	in.Matches = []model.Match{{Method: model.MethodUnmatched}}

	order, err := w.Write(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.OrderNotCreated, order.Status)
	assert.Contains(t, order.Error, "no chosen product")
}

func TestWriteERPFailureYieldsNotCreated(t *testing.T) {
	erpClient := &fakeERP{err: model.Transient("erp rpc", errors.New("status 503"))}
	st := testState(t)
	w := NewWriter(erpClient, st, true, discard())

	order, err := w.Write(context.Background(), matchedInput())
	require.NoError(t, err)
	assert.Equal(t, model.OrderNotCreated, order.Status)
	assert.Contains(t, order.Error, "status 503")

	// The key was never recorded, so a retry may still submit.
	_, err = st.OrderByKey(order.IdempotencyKey)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "42|PO-1", IdempotencyKey("42", "PO-1"))
	assert.Equal(t, "42|", IdempotencyKey("42", ""))
}
