package match

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"ordermail/internal/catalog"
	"ordermail/internal/llm"
	"ordermail/internal/model"
)

// embedBatchSize bounds one embedding request.
const embedBatchSize = 64

// indexEntry pairs a product with its embedding vector.
type indexEntry struct {
	ProductID int64     `json:"product_id"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
}

type indexFile struct {
	CatalogMtime int64        `json:"catalog_mtime"`
	Entries      []indexEntry `json:"entries"`
}

// Index holds product embeddings, rebuilt whenever the catalog snapshot
// changes. The on-disk cache is keyed by the products file modification time
// so a restart reuses vectors instead of re-embedding the whole catalog.
type Index struct {
	dir      string
	store    *catalog.Store
	provider llm.Provider
	logger   *slog.Logger

	mu      sync.RWMutex
	mtime   int64
	entries []indexEntry
}

// NewIndex creates an embedding index cached under dir.
func NewIndex(dir string, store *catalog.Store, provider llm.Provider, logger *slog.Logger) *Index {
	return &Index{dir: dir, store: store, provider: provider, logger: logger}
}

func (x *Index) cachePath(mtime int64) string {
	return filepath.Join(x.dir, fmt.Sprintf("index_%d.json", mtime))
}

// Refresh makes the in-memory index current with the catalog snapshot. It is
// a no-op when the catalog has not changed since the last refresh.
func (x *Index) Refresh(ctx context.Context) error {
	mtime := x.store.Mtime().Unix()

	x.mu.RLock()
	current := x.mtime
	x.mu.RUnlock()
	if current == mtime && current != 0 {
		return nil
	}

	if entries, err := x.loadCache(mtime); err == nil && entries != nil {
		x.swap(mtime, entries)
		x.logger.Info("embedding index loaded from cache", "products", len(entries))
		return nil
	}

	entries, err := x.build(ctx)
	if err != nil {
		return fmt.Errorf("build embedding index: %w", err)
	}
	x.swap(mtime, entries)
	if err := x.saveCache(mtime, entries); err != nil {
		x.logger.Warn("embedding index cache write failed", "error", err)
	}
	x.logger.Info("embedding index rebuilt", "products", len(entries))
	return nil
}

func (x *Index) swap(mtime int64, entries []indexEntry) {
	x.mu.Lock()
	x.mtime = mtime
	x.entries = entries
	x.mu.Unlock()
}

func (x *Index) loadCache(mtime int64) ([]indexEntry, error) {
	data, err := os.ReadFile(x.cachePath(mtime))
	if err != nil {
		return nil, err
	}
	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.CatalogMtime != mtime {
		return nil, fmt.Errorf("cache key mismatch")
	}
	return f.Entries, nil
}

func (x *Index) saveCache(mtime int64, entries []indexEntry) error {
	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(indexFile{CatalogMtime: mtime, Entries: entries})
	if err != nil {
		return err
	}
	tmp := x.cachePath(mtime) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, x.cachePath(mtime)); err != nil {
		return err
	}
	x.pruneStale(mtime)
	return nil
}

// pruneStale removes cache files for superseded catalog snapshots.
func (x *Index) pruneStale(keep int64) {
	matches, err := filepath.Glob(filepath.Join(x.dir, "index_*.json"))
	if err != nil {
		return
	}
	for _, path := range matches {
		if path != x.cachePath(keep) {
			os.Remove(path)
		}
	}
}

func (x *Index) build(ctx context.Context) ([]indexEntry, error) {
	products := x.store.AllProducts()
	entries := make([]indexEntry, 0, len(products))

	for start := 0; start < len(products); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(products) {
			end = len(products)
		}
		batch := products[start:end]
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = productText(p)
		}
		vectors, err := x.provider.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed products %d..%d: %w", start, end, err)
		}
		for i, p := range batch {
			entries = append(entries, indexEntry{ProductID: p.ID, Text: texts[i], Vector: vectors[i]})
		}
	}
	return entries, nil
}

func productText(p model.Product) string {
	if p.Code != "" {
		return p.Code + " " + p.Name
	}
	return p.Name
}

// scored is one nearest-neighbor hit.
type scored struct {
	ProductID int64
	Semantic  float64
}

// Nearest returns the k entries most similar to the query vector, ordered by
// descending cosine similarity.
func (x *Index) Nearest(query []float32, k int) []scored {
	x.mu.RLock()
	entries := x.entries
	x.mu.RUnlock()

	hits := make([]scored, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, scored{ProductID: e.ProductID, Semantic: cosine(query, e.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Semantic > hits[j].Semantic })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// cosine computes cosine similarity between two vectors. Mismatched lengths
// or zero vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
