// Package orders writes draft sales orders to the ERP, exactly once per
// message and order reference.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ordermail/internal/erp"
	"ordermail/internal/model"
	"ordermail/internal/state"
)

// Input is everything the writer needs for one submission.
type Input struct {
	MessageID  string
	OrderRef   string
	CustomerID int64
	LineItems  []model.LineItem
	Matches    []model.Match
	Notes      string
}

// Writer submits draft orders. Enabled=false keeps the full pipeline running
// without touching the ERP; every decision is still recorded.
type Writer struct {
	client  erp.Client
	store   *state.Store
	enabled bool
	logger  *slog.Logger
}

// NewWriter creates a Writer.
func NewWriter(client erp.Client, store *state.Store, enabled bool, logger *slog.Logger) *Writer {
	return &Writer{client: client, store: store, enabled: enabled, logger: logger}
}

// IdempotencyKey derives the submission key for one message and reference.
// Reprocessing the same message never yields a second ERP order.
func IdempotencyKey(messageID, orderRef string) string {
	return messageID + "|" + orderRef
}

// Write submits one draft order. A key already present in the index returns a
// duplicate record without an ERP call.
func (w *Writer) Write(ctx context.Context, in *Input) (*model.Order, error) {
	key := IdempotencyKey(in.MessageID, in.OrderRef)

	if existing, err := w.store.OrderByKey(key); err == nil {
		w.logger.Info("order already submitted", "idempotency_key", key, "erp_order_id", existing.ERPOrderID)
		return &model.Order{
			ERPOrderID:     existing.ERPOrderID,
			IdempotencyKey: key,
			Status:         model.OrderDuplicate,
			SubmittedAt:    existing.CreatedAt,
		}, nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	if !w.enabled {
		w.logger.Info("order creation disabled, recording decision only", "idempotency_key", key)
		return &model.Order{
			IdempotencyKey: key,
			Status:         model.OrderNotCreated,
		}, nil
	}

	values, err := w.orderValues(in)
	if err != nil {
		return &model.Order{IdempotencyKey: key, Status: model.OrderNotCreated, Error: err.Error()}, nil
	}

	erpID, err := w.client.Create(ctx, "sale.order", values)
	if err != nil {
		// A submission failure never blocks the rest of the pipeline; the
		// record carries the error and the message stays eligible for review.
		w.logger.Error("sale order submission failed", "idempotency_key", key, "error", err)
		return &model.Order{
			IdempotencyKey: key,
			Status:         model.OrderNotCreated,
			Error:          fmt.Sprintf("create sale order: %v", err),
		}, nil
	}

	order := &model.Order{
		ERPOrderID:     erpID,
		IdempotencyKey: key,
		Status:         model.OrderCreated,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := w.store.RecordOrder(state.OrderRecord{
		IdempotencyKey: key,
		ERPOrderID:     erpID,
		Status:         order.Status,
		CreatedAt:      order.SubmittedAt,
	}); err != nil {
		// The ERP order exists but the index write lost a race or failed. The
		// audit record still carries the ERP id; flag it for the operator.
		w.logger.Error("order index write failed after ERP create",
			"idempotency_key", key, "erp_order_id", erpID, "error", err)
		return order, fmt.Errorf("%w: order %d created but not indexed", model.ErrWriterConflict, erpID)
	}
	w.logger.Info("draft order created", "erp_order_id", erpID, "lines", len(in.LineItems))
	return order, nil
}

// orderValues builds the sale.order create payload. Only lines with a chosen
// product are written; a caller submitting unmatched lines is a bug.
func (w *Writer) orderValues(in *Input) (map[string]any, error) {
	if in.CustomerID == 0 {
		return nil, fmt.Errorf("no verified customer")
	}
	if len(in.Matches) != len(in.LineItems) {
		return nil, fmt.Errorf("matches and line items out of step: %d vs %d", len(in.Matches), len(in.LineItems))
	}

	var lines []any
	for i, m := range in.Matches {
		if m.ChosenProductID == nil {
			return nil, fmt.Errorf("line %d has no chosen product", i)
		}
		item := in.LineItems[i]
		line := map[string]any{
			"product_id":      *m.ChosenProductID,
			"product_uom_qty": item.Quantity,
		}
		if item.UnitPrice > 0 {
			line["price_unit"] = item.UnitPrice
		}
		lines = append(lines, []any{0, 0, line})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no matched lines to submit")
	}

	values := map[string]any{
		"partner_id": in.CustomerID,
		"order_line": lines,
	}
	if in.OrderRef != "" {
		values["client_order_ref"] = in.OrderRef
	}
	if in.Notes != "" {
		values["note"] = in.Notes
	}
	return values, nil
}
