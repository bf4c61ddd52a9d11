// Package catalog maintains the local, file-backed snapshot of products and
// customers synced from the ERP, and the incremental sync that keeps it
// fresh.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"ordermail/internal/model"
)

const (
	productsFile  = "products.json"
	customersFile = "customers.json"
)

// snapshot is an immutable view of the catalog. Readers hold a reference for
// the duration of a request; writers build a new snapshot and swap it.
type snapshot struct {
	products       []model.Product
	customers      []model.Customer
	productsByID   map[int64]*model.Product
	productsByCode map[string]*model.Product
	customersByID  map[int64]*model.Customer
	customerNames  map[string]*model.Customer
}

// Store provides thread-safe lookups over the catalog snapshot.
// Many readers, one writer (the incremental sync).
type Store struct {
	dir string

	mu   sync.RWMutex
	snap *snapshot
}

// NewStore creates a store rooted at dir. Call Load before first use.
func NewStore(dir string) *Store {
	return &Store{dir: dir, snap: buildSnapshot(nil, nil)}
}

// Load reads the product and customer snapshots from disk. Missing files are
// treated as empty catalogs (first run before any sync).
func (s *Store) Load() error {
	var products []model.Product
	if err := readJSONFile(filepath.Join(s.dir, productsFile), &products); err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	var customers []model.Customer
	if err := readJSONFile(filepath.Join(s.dir, customersFile), &customers); err != nil {
		return fmt.Errorf("load customers: %w", err)
	}

	s.mu.Lock()
	s.snap = buildSnapshot(products, customers)
	s.mu.Unlock()
	return nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func buildSnapshot(products []model.Product, customers []model.Customer) *snapshot {
	snap := &snapshot{
		products:       products,
		customers:      customers,
		productsByID:   make(map[int64]*model.Product, len(products)),
		productsByCode: make(map[string]*model.Product, len(products)),
		customersByID:  make(map[int64]*model.Customer, len(customers)),
		customerNames:  make(map[string]*model.Customer, len(customers)),
	}
	for i := range snap.products {
		p := &snap.products[i]
		// Source data carries trailing whitespace on codes; trim on ingest
		// so lookups by clean code never miss.
		p.Code = strings.TrimSpace(p.Code)
		snap.productsByID[p.ID] = p
		if p.Code != "" {
			snap.productsByCode[p.Code] = p
		}
	}
	for i := range snap.customers {
		c := &snap.customers[i]
		snap.customersByID[c.ID] = c
		if c.Name != "" {
			snap.customerNames[FoldName(c.Name)] = c
		}
	}
	return snap
}

// current returns the active snapshot.
func (s *Store) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// ProductByID returns the product with the given id.
func (s *Store) ProductByID(id int64) (model.Product, bool) {
	if p, ok := s.current().productsByID[id]; ok {
		return *p, true
	}
	return model.Product{}, false
}

// ProductByCode returns the product whose trimmed code equals the trimmed
// input, case-exact.
func (s *Store) ProductByCode(code string) (model.Product, bool) {
	if p, ok := s.current().productsByCode[strings.TrimSpace(code)]; ok {
		return *p, true
	}
	return model.Product{}, false
}

// SearchCodePrefix returns up to limit products whose code starts with the
// trimmed prefix.
func (s *Store) SearchCodePrefix(prefix string, limit int) []model.Product {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil
	}
	var out []model.Product
	for _, p := range s.current().products {
		if strings.HasPrefix(p.Code, prefix) {
			out = append(out, p)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// CustomerByID returns the customer with the given id.
func (s *Store) CustomerByID(id int64) (model.Customer, bool) {
	if c, ok := s.current().customersByID[id]; ok {
		return *c, true
	}
	return model.Customer{}, false
}

// CustomerByName returns the customer whose folded name equals the folded
// input.
func (s *Store) CustomerByName(name string) (model.Customer, bool) {
	if c, ok := s.current().customerNames[FoldName(name)]; ok {
		return *c, true
	}
	return model.Customer{}, false
}

// AllProducts returns the product slice of the current snapshot. The slice
// must not be mutated.
func (s *Store) AllProducts() []model.Product {
	return s.current().products
}

// AllCustomers returns the customer slice of the current snapshot.
func (s *Store) AllCustomers() []model.Customer {
	return s.current().customers
}

// Counts returns the number of products and customers.
func (s *Store) Counts() (products, customers int) {
	snap := s.current()
	return len(snap.products), len(snap.customers)
}

// Replace persists both snapshots to disk and then swaps the in-memory
// snapshot atomically. Readers never observe a partial merge: the new
// snapshot becomes visible in one assignment under the write lock.
func (s *Store) Replace(products []model.Product, customers []model.Customer) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	if err := writeJSONFile(filepath.Join(s.dir, productsFile), products); err != nil {
		return fmt.Errorf("write products: %w", err)
	}
	if err := writeJSONFile(filepath.Join(s.dir, customersFile), customers); err != nil {
		return fmt.Errorf("write customers: %w", err)
	}

	snap := buildSnapshot(products, customers)
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return nil
}

// Mtime returns the modification time of the products snapshot file. It is
// the cache key for the embedding index.
func (s *Store) Mtime() time.Time {
	info, err := os.Stat(filepath.Join(s.dir, productsFile))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// writeJSONFile writes v as JSON via tmp+rename so a crash never leaves a
// truncated snapshot.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldName normalizes a name for index lookups: lowercased, diacritics
// stripped, whitespace collapsed.
func FoldName(name string) string {
	folded, _, err := transform.String(foldTransformer, name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
