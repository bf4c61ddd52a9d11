package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ordermail/internal/erp"
)

const watermarkFile = "watermark.txt"

// Watermark persists the timestamp of the last successful sync as naive UTC.
type Watermark struct {
	path string
}

// NewWatermark creates a watermark stored under dir.
func NewWatermark(dir string) *Watermark {
	return &Watermark{path: filepath.Join(dir, watermarkFile)}
}

// Read returns the stored watermark. ok is false when no watermark exists
// yet (a full sync is required).
func (w *Watermark) Read() (t time.Time, ok bool, err error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read watermark: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err = time.ParseInLocation(erp.TimeFormat, raw, time.UTC)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return t, true, nil
}

// Write persists t, naive UTC, via tmp+rename.
func (w *Watermark) Write(t time.Time) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create watermark dir: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(erp.FormatTime(t)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("rename watermark: %w", err)
	}
	return nil
}
