package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// flexNumber unmarshals a JSON number or a numeric string, normalizing
// European decimal commas ("1.234,56") before parsing.
type flexNumber struct {
	value float64
}

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = normalizeDecimal(str)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", string(data), err)
	}
	f.value = v
	return nil
}

func (f *flexNumber) ptr() *float64 {
	if f == nil {
		return nil
	}
	v := f.value
	return &v
}

// normalizeDecimal rewrites "1.234,56" to "1234.56" and "12,5" to "12.5".
// A lone dot is kept as the decimal separator.
func normalizeDecimal(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	return s
}
