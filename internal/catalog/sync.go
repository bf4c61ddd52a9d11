package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ordermail/internal/erp"
	"ordermail/internal/model"
)

const syncBatchSize = 500

// SyncResult reports how many records one sync pass merged.
type SyncResult struct {
	CustomersSynced int `json:"customers_synced"`
	ProductsSynced  int `json:"products_synced"`
}

// Syncer pulls records created or modified since the stored watermark and
// merges them into the live store.
type Syncer struct {
	store     *Store
	watermark *Watermark
	client    erp.Client
	logger    *slog.Logger

	// OnCatalogChange is invoked after a merge that changed products, so the
	// embedding index can be rebuilt by the sync worker rather than lazily
	// by processing workers.
	OnCatalogChange func()
}

// NewSyncer creates a Syncer over the given store.
func NewSyncer(store *Store, watermark *Watermark, client erp.Client, logger *slog.Logger) *Syncer {
	return &Syncer{store: store, watermark: watermark, client: client, logger: logger}
}

// Sync performs one incremental pass. A missing watermark triggers a full
// sync which then becomes the baseline. The new watermark (sync start time)
// is persisted only after both the snapshot file write and the in-memory
// swap succeeded.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	start := time.Now().UTC()

	since, haveWatermark, err := s.watermark.Read()
	if err != nil {
		return SyncResult{}, &model.SyncFatalError{Err: err}
	}

	var domain []any
	if haveWatermark {
		ts := erp.FormatTime(since)
		domain = []any{
			"|",
			[]any{"create_date", ">", ts},
			[]any{"write_date", ">", ts},
		}
		s.logger.Debug("incremental sync", "since", ts)
	} else {
		s.logger.Info("no watermark found, performing full sync")
	}

	customers, err := s.fetchCustomers(ctx, domain)
	if err != nil {
		return SyncResult{}, err
	}
	products, err := s.fetchProducts(ctx, domain)
	if err != nil {
		return SyncResult{}, err
	}

	result := SyncResult{CustomersSynced: len(customers), ProductsSynced: len(products)}

	if len(customers) > 0 || len(products) > 0 || !haveWatermark {
		merged := mergeByID(s.store.AllProducts(), products, func(p model.Product) int64 { return p.ID })
		mergedCustomers := mergeByID(s.store.AllCustomers(), customers, func(c model.Customer) int64 { return c.ID })

		if err := s.store.Replace(merged, mergedCustomers); err != nil {
			return SyncResult{}, &model.SyncTransientError{Err: err}
		}
		if len(products) > 0 && s.OnCatalogChange != nil {
			s.OnCatalogChange()
		}
	}

	if err := s.watermark.Write(start); err != nil {
		return SyncResult{}, &model.SyncTransientError{Err: err}
	}

	s.logger.Info("sync completed",
		"customers_synced", result.CustomersSynced,
		"products_synced", result.ProductsSynced,
		"full", !haveWatermark)
	return result, nil
}

// mergeByID updates existing records in place and appends unknown ids.
func mergeByID[T any](existing, incoming []T, id func(T) int64) []T {
	out := make([]T, len(existing))
	copy(out, existing)
	index := make(map[int64]int, len(out))
	for i, rec := range out {
		index[id(rec)] = i
	}
	for _, rec := range incoming {
		if i, ok := index[id(rec)]; ok {
			out[i] = rec
		} else {
			index[id(rec)] = len(out)
			out = append(out, rec)
		}
	}
	return out
}

func (s *Syncer) fetchProducts(ctx context.Context, domain []any) ([]model.Product, error) {
	fields := []string{"id", "default_code", "name", "list_price", "standard_price", "write_date"}
	records, err := s.fetchBatched(ctx, "product.product", domain, fields)
	if err != nil {
		return nil, err
	}
	products := make([]model.Product, 0, len(records))
	for _, rec := range records {
		p, err := productFromRecord(rec)
		if err != nil {
			return nil, &model.SyncFatalError{Err: err}
		}
		products = append(products, p)
	}
	return products, nil
}

func (s *Syncer) fetchCustomers(ctx context.Context, domain []any) ([]model.Customer, error) {
	fields := []string{"id", "ref", "name", "email", "phone", "contact_address", "write_date"}
	records, err := s.fetchBatched(ctx, "res.partner", domain, fields)
	if err != nil {
		return nil, err
	}
	customers := make([]model.Customer, 0, len(records))
	for _, rec := range records {
		c, err := customerFromRecord(rec)
		if err != nil {
			return nil, &model.SyncFatalError{Err: err}
		}
		customers = append(customers, c)
	}
	return customers, nil
}

// fetchBatched pages through matching records by id to keep individual RPC
// payloads bounded.
func (s *Syncer) fetchBatched(ctx context.Context, mdl string, domain []any, fields []string) ([]map[string]any, error) {
	var all []map[string]any
	lastID := int64(0)
	for {
		batchDomain := append([]any{[]any{"id", ">", lastID}}, domain...)
		batch, err := s.client.SearchRead(ctx, mdl, batchDomain, fields, syncBatchSize)
		if err != nil {
			if model.IsTransient(err) {
				return nil, &model.SyncTransientError{Err: err}
			}
			return nil, &model.SyncFatalError{Err: err}
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			id, err := recordID(rec)
			if err != nil {
				return nil, &model.SyncFatalError{Err: fmt.Errorf("%s: %w", mdl, err)}
			}
			if id > lastID {
				lastID = id
			}
		}
		all = append(all, batch...)
		if len(batch) < syncBatchSize {
			break
		}
	}
	return all, nil
}

func recordID(rec map[string]any) (int64, error) {
	raw, ok := rec["id"]
	if !ok {
		return 0, fmt.Errorf("record missing id field")
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	}
	return 0, fmt.Errorf("record id has unexpected type %T", raw)
}

// The ERP encodes null fields as boolean false; treat those as empty.

func recString(rec map[string]any, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

func recFloat(rec map[string]any, key string) float64 {
	if v, ok := rec[key].(float64); ok {
		return v
	}
	return 0
}

func recTime(rec map[string]any, key string) time.Time {
	raw := recString(rec, key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(erp.TimeFormat, raw, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func productFromRecord(rec map[string]any) (model.Product, error) {
	id, err := recordID(rec)
	if err != nil {
		return model.Product{}, err
	}
	return model.Product{
		ID:            id,
		Code:          recString(rec, "default_code"),
		Name:          recString(rec, "name"),
		ListPrice:     recFloat(rec, "list_price"),
		StandardPrice: recFloat(rec, "standard_price"),
		UpdatedAt:     recTime(rec, "write_date"),
	}, nil
}

func customerFromRecord(rec map[string]any) (model.Customer, error) {
	id, err := recordID(rec)
	if err != nil {
		return model.Customer{}, err
	}
	return model.Customer{
		ID:        id,
		Ref:       recString(rec, "ref"),
		Name:      recString(rec, "name"),
		Email:     recString(rec, "email"),
		Phone:     recString(rec, "phone"),
		Address:   recString(rec, "contact_address"),
		UpdatedAt: recTime(rec, "write_date"),
	}, nil
}
