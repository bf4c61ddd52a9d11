// Package audit persists the full processing record for every message as a
// per-message directory of JSON step artifacts plus a human-readable summary.
// The audit trail is the source of truth for corrections and reprocessing;
// the SQLite index only points into it.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ordermail/internal/cleaner"
	"ordermail/internal/model"
)

const (
	parsingFile    = "parsing.json"
	extractionFile = "extraction.json"
	candidatesFile = "candidates.json"
	matchesFile    = "matches.json"
	erpFile        = "erp.json"
	orderFile      = "order.json"
	summaryJSON    = "summary.json"
	summaryText    = "summary.txt"
	cleanedFile    = "cleaned.txt"
	rawFile        = "raw.eml"
)

// parsingRecord is the cleaner metadata persisted as parsing.json.
type parsingRecord struct {
	MessageID   string                   `json:"message_id"`
	OrderID     string                   `json:"order_id"`
	Attachments []cleaner.AttachmentMeta `json:"attachments"`
	UsedOCR     bool                     `json:"used_ocr"`
	BodyChars   int                      `json:"body_chars"`
	Empty       bool                     `json:"empty"`
}

// lineCandidates ties one line item's candidate list to its index.
type lineCandidates struct {
	LineIndex  int               `json:"line_index"`
	Candidates []model.Candidate `json:"candidates"`
}

// Writer persists processing records under a root directory.
type Writer struct {
	root string
}

// NewWriter creates an audit writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{root: dir}
}

// Dir returns the audit directory for one record, keyed by creation time and
// message id. Replaying the same message lands in the same directory.
func (w *Writer) Dir(createdAt time.Time, messageID string) string {
	return filepath.Join(w.root, fmt.Sprintf("%s_%s", createdAt.UTC().Format("20060102_150405"), sanitize(messageID)))
}

// Write persists one complete processing record as per-step artifacts. Every
// file is written tmp+rename; a crash mid-write never leaves a truncated
// record behind.
func (w *Writer) Write(result *model.ProcessingResult, cleaned *cleaner.CleanedMessage, raw []byte) (string, error) {
	dir := w.Dir(result.CreatedAt, result.MessageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create audit dir: %w", err)
	}

	parsing := parsingRecord{MessageID: result.MessageID, OrderID: result.OrderID}
	if cleaned != nil {
		parsing.Attachments = cleaned.Attachments
		parsing.UsedOCR = cleaned.UsedOCR
		parsing.BodyChars = cleaned.BodyChars
		parsing.Empty = cleaned.Empty
	}

	candidates := make([]lineCandidates, len(result.Matches))
	for i, m := range result.Matches {
		candidates[i] = lineCandidates{LineIndex: i, Candidates: m.Candidates}
	}

	steps := []struct {
		name string
		v    any
	}{
		{parsingFile, parsing},
		{extractionFile, result.Extraction},
		{candidatesFile, candidates},
		{matchesFile, result.Matches},
		{erpFile, result.ERP},
		{summaryJSON, result},
	}
	for _, step := range steps {
		if err := writeJSON(filepath.Join(dir, step.name), step.v); err != nil {
			return "", fmt.Errorf("write %s: %w", step.name, err)
		}
	}
	if result.Order != nil {
		if err := writeJSON(filepath.Join(dir, orderFile), result.Order); err != nil {
			return "", fmt.Errorf("write %s: %w", orderFile, err)
		}
	}

	if cleaned != nil {
		if err := writeAtomic(filepath.Join(dir, cleanedFile), []byte(cleaned.Text)); err != nil {
			return "", fmt.Errorf("write cleaned text: %w", err)
		}
	}
	if len(raw) > 0 {
		if err := writeAtomic(filepath.Join(dir, rawFile), raw); err != nil {
			return "", fmt.Errorf("write raw message: %w", err)
		}
	}
	if err := writeAtomic(filepath.Join(dir, summaryText), []byte(Summary(result))); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return dir, nil
}

// Load reads the processing record back from an audit directory.
func Load(dir string) (*model.ProcessingResult, error) {
	data, err := os.ReadFile(filepath.Join(dir, summaryJSON))
	if err != nil {
		return nil, fmt.Errorf("read audit record: %w", err)
	}
	var result model.ProcessingResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse audit record: %w", err)
	}
	return &result, nil
}

// LoadCleanedText reads the cleaned message text from an audit directory.
func LoadCleanedText(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, cleanedFile))
	if err != nil {
		return "", fmt.Errorf("read cleaned text: %w", err)
	}
	return string(data), nil
}

// Summary renders the human-readable digest of one record.
func Summary(result *model.ProcessingResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", result.OrderID)
	fmt.Fprintf(&sb, "status: %s\n", result.Status)
	fmt.Fprintf(&sb, "intent: %s (%.2f)\n", result.Extraction.IntentType, result.Extraction.IntentConfidence)
	fmt.Fprintf(&sb, "customer: %s", result.CustomerMatch.Name)
	if result.CustomerMatch.CustomerID != nil {
		fmt.Fprintf(&sb, " (id %d, %s)", *result.CustomerMatch.CustomerID, result.CustomerMatch.Method)
	}
	sb.WriteString("\n")

	for i, item := range result.Extraction.LineItems {
		fmt.Fprintf(&sb, "line %d: %s", i+1, itemLabel(&item))
		fmt.Fprintf(&sb, " qty %v", item.Quantity)
		if i < len(result.Matches) {
			m := result.Matches[i]
			if m.ChosenProductID != nil {
				fmt.Fprintf(&sb, " -> product %d (%.2f, %s)", *m.ChosenProductID, m.Confidence, m.Method)
			} else {
				fmt.Fprintf(&sb, " -> unmatched")
			}
			if m.RequiresReview {
				sb.WriteString(" [review]")
			}
		}
		sb.WriteString("\n")
	}

	if result.Order != nil {
		fmt.Fprintf(&sb, "order: %s", result.Order.Status)
		if result.Order.ERPOrderID != 0 {
			fmt.Fprintf(&sb, " (erp id %d)", result.Order.ERPOrderID)
		}
		sb.WriteString("\n")
	}
	for _, reason := range result.ReviewReasons {
		fmt.Fprintf(&sb, "review: %s\n", reason)
	}
	return sb.String()
}

func itemLabel(item *model.LineItem) string {
	if item.RawCode != "" {
		return item.RawCode
	}
	return item.RawName
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// sanitize keeps directory names filesystem-safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
