// Package verify checks matched products and the resolved customer against
// the live ERP before any order is written.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"ordermail/internal/erp"
	"ordermail/internal/model"
)

// Verifier confirms catalog matches against the ERP. The local catalog can
// lag behind the ERP by one sync interval; verification catches products that
// were archived or repriced in the meantime.
type Verifier struct {
	client erp.Client
	logger *slog.Logger
}

// New creates a Verifier.
func New(client erp.Client, logger *slog.Logger) *Verifier {
	return &Verifier{client: client, logger: logger}
}

// Verify checks every chosen product and the matched customer. A transient
// RPC failure aborts verification; a missing record is a miss, not an error.
func (v *Verifier) Verify(ctx context.Context, matches []model.Match, customer *model.CustomerMatch) (*model.ERPVerification, error) {
	out := &model.ERPVerification{}

	ids := make([]int64, 0, len(matches))
	lineByID := make(map[int64][]int)
	for i, m := range matches {
		if m.ChosenProductID == nil {
			continue
		}
		id := *m.ChosenProductID
		if _, seen := lineByID[id]; !seen {
			ids = append(ids, id)
		}
		lineByID[id] = append(lineByID[id], i)
	}

	if len(ids) > 0 {
		records, err := v.client.Read(ctx, "product.product", ids, []string{"id", "active", "list_price"})
		if err != nil {
			return nil, fmt.Errorf("verify products: %w", err)
		}
		found := make(map[int64]map[string]any, len(records))
		for _, rec := range records {
			if id, ok := recordID(rec); ok {
				found[id] = rec
			}
		}
		for _, id := range ids {
			rec, ok := found[id]
			exists := ok && recordActive(rec)
			price := 0.0
			if ok {
				price, _ = rec["list_price"].(float64)
			}
			for _, line := range lineByID[id] {
				out.Products = append(out.Products, model.ProductVerification{
					LineIndex: line,
					ProductID: id,
					Exists:    exists,
					ListPrice: price,
				})
			}
			if !exists {
				out.Misses++
				v.logger.Warn("matched product missing in ERP", "product_id", id)
			}
		}
	}

	switch {
	case customer != nil && customer.CustomerID != nil:
		id := *customer.CustomerID
		records, err := v.client.Read(ctx, "res.partner", []int64{id}, []string{"id", "active"})
		if err != nil {
			return nil, fmt.Errorf("verify customer: %w", err)
		}
		if len(records) > 0 && recordActive(records[0]) {
			out.CustomerERPID = &id
			out.CustomerVerified = true
		} else {
			out.Misses++
			v.logger.Warn("matched customer missing in ERP", "customer_id", id)
		}
	case customer != nil && strings.TrimSpace(customer.Name) != "":
		if err := v.searchCustomer(ctx, out, customer); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// searchCustomer resolves a customer the local catalog missed by searching
// the ERP directly; the catalog can lag behind by one sync interval.
func (v *Verifier) searchCustomer(ctx context.Context, out *model.ERPVerification, customer *model.CustomerMatch) error {
	name := strings.TrimSpace(customer.Name)
	records, err := v.client.SearchRead(ctx, "res.partner",
		[]any{[]any{"name", "ilike", name}}, []string{"id", "name", "active"}, 2)
	if err != nil {
		return fmt.Errorf("search customer: %w", err)
	}
	var hits []int64
	for _, rec := range records {
		if !recordActive(rec) {
			continue
		}
		if id, ok := recordID(rec); ok {
			hits = append(hits, id)
		}
	}
	// A single active hit is an unambiguous resolution; anything else stays
	// unresolved for the operator.
	if len(hits) != 1 {
		v.logger.Warn("ERP name search did not resolve customer", "name", name, "hits", len(hits))
		return nil
	}
	id := hits[0]
	out.CustomerERPID = &id
	out.CustomerVerified = true
	customer.CustomerID = &id
	customer.Method = "erp_name_search"
	v.logger.Info("customer resolved by ERP name search", "name", name, "customer_id", id)
	return nil
}

func recordID(rec map[string]any) (int64, bool) {
	switch v := rec["id"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// recordActive treats an absent active field as active; some models do not
// expose it.
func recordActive(rec map[string]any) bool {
	v, ok := rec["active"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return !ok || b
}
