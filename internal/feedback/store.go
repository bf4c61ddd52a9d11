// Package feedback turns operator chat replies into recorded corrections and
// training examples, and feeds them back into extraction.
package feedback

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ordermail/internal/model"
)

const (
	correctionsFile = "corrections.jsonl"
	examplesFile    = "training_examples.jsonl"
)

// Store persists corrections and training examples as append-only JSONL.
// One mutex serializes appenders; readers re-scan the file, which stays cheap
// at correction volumes.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a feedback store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// AppendCorrection records one correction.
func (s *Store) AppendCorrection(c *model.Correction) error {
	return s.appendLine(correctionsFile, c)
}

// AppendExample records one training example.
func (s *Store) AppendExample(e *model.TrainingExample) error {
	return s.appendLine(examplesFile, e)
}

func (s *Store) appendLine(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create feedback dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", name, err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return f.Sync()
}

// RecentExamples returns up to n of the newest training examples, oldest
// first. It satisfies the extractor's training source.
func (s *Store) RecentExamples(n int) ([]model.TrainingExample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, examplesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open examples: %w", err)
	}
	defer f.Close()

	var all []model.TrainingExample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ex model.TrainingExample
		if err := json.Unmarshal(scanner.Bytes(), &ex); err != nil {
			// A torn trailing line from a crash is skipped, not fatal.
			continue
		}
		all = append(all, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan examples: %w", err)
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Corrections returns every recorded correction, oldest first.
func (s *Store) Corrections() ([]model.Correction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, correctionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open corrections: %w", err)
	}
	defer f.Close()

	var all []model.Correction
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var c model.Correction
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			continue
		}
		all = append(all, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan corrections: %w", err)
	}
	return all, nil
}
