// Package match resolves extracted line items against the catalog through
// exact code lookup, token overlap and embedding retrieval.
package match

import (
	"regexp"
	"strconv"
	"strings"

	"ordermail/internal/model"
)

// Dims holds the dimensions recognized in a product name or request text.
// Nil means the dimension was not stated.
type Dims struct {
	WidthMM     *float64
	HeightMM    *float64
	ThicknessMM *float64
	LengthM     *float64
}

var (
	// A dimension pair like "100 x 50", "100mm x 50mm", "100 × 50".
	dimPairPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(?:mm)?\s*[x×X]\s*(\d+(?:[.,]\d+)?)\s*(?:mm)?`)

	// Labeled dimensions: "Width: 100", "Breite 100 mm".
	widthLabelPattern     = regexp.MustCompile(`(?i)\b(?:width|breite)\s*[:=]?\s*(\d+(?:[.,]\d+)?)`)
	heightLabelPattern    = regexp.MustCompile(`(?i)\b(?:height|h.?he)\s*[:=]?\s*(\d+(?:[.,]\d+)?)`)
	thicknessLabelPattern = regexp.MustCompile(`(?i)\b(?:thickness|st.?rke|dicke)\s*[:=]?\s*(\d+(?:[.,]\d+)?)`)
	lengthLabelPattern    = regexp.MustCompile(`(?i)\b(?:length|l.?nge)\s*[:=]?\s*(\d+(?:[.,]\d+)?)\s*m\b`)

	// A width given as a list element: ", 100 mm". Requires the unit; a bare
	// number is never a width (article codes contain 3-4 digit runs).
	commaWidthPattern = regexp.MustCompile(`,\s*(\d+(?:[.,]\d+)?)\s*mm\b`)

	// A leading width before the unit and an x: "100 mm x".
	widthBeforeXPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*mm\s*[x×X]`)
)

// ParseDims recognizes dimensions in free text. Only explicit contexts count;
// bare digit runs are never interpreted as a width.
func ParseDims(text string) Dims {
	var d Dims

	if m := widthLabelPattern.FindStringSubmatch(text); m != nil {
		d.WidthMM = parseDim(m[1])
	}
	if m := heightLabelPattern.FindStringSubmatch(text); m != nil {
		d.HeightMM = parseDim(m[1])
	}
	if m := thicknessLabelPattern.FindStringSubmatch(text); m != nil {
		d.ThicknessMM = parseDim(m[1])
	}
	if m := lengthLabelPattern.FindStringSubmatch(text); m != nil {
		d.LengthM = parseDim(m[1])
	}

	if d.WidthMM == nil {
		if m := widthBeforeXPattern.FindStringSubmatch(text); m != nil {
			d.WidthMM = parseDim(m[1])
		}
	}
	if d.WidthMM == nil {
		if m := dimPairPattern.FindStringSubmatch(text); m != nil {
			d.WidthMM = parseDim(m[1])
			if d.HeightMM == nil {
				d.HeightMM = parseDim(m[2])
			}
		}
	}
	if d.WidthMM == nil {
		if m := commaWidthPattern.FindStringSubmatch(text); m != nil {
			d.WidthMM = parseDim(m[1])
		}
	}

	return d
}

func parseDim(s string) *float64 {
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// DimsFromAttributes lifts extracted attributes into Dims.
func DimsFromAttributes(a model.Attributes) Dims {
	return Dims{
		WidthMM:     a.WidthMM,
		HeightMM:    a.HeightMM,
		ThicknessMM: a.ThicknessMM,
		LengthM:     a.LengthM,
	}
}

// Merge fills unset fields of d from other.
func (d Dims) Merge(other Dims) Dims {
	if d.WidthMM == nil {
		d.WidthMM = other.WidthMM
	}
	if d.HeightMM == nil {
		d.HeightMM = other.HeightMM
	}
	if d.ThicknessMM == nil {
		d.ThicknessMM = other.ThicknessMM
	}
	if d.LengthM == nil {
		d.LengthM = other.LengthM
	}
	return d
}

// Empty reports whether no dimension is set.
func (d Dims) Empty() bool {
	return d.WidthMM == nil && d.HeightMM == nil && d.ThicknessMM == nil && d.LengthM == nil
}

// dimToleranceMM is the match window for a single dimension.
const dimToleranceMM = 5.0

// IoU computes the intersection-over-union of two dimension sets. A dimension
// is in the intersection when both sides state it and the values agree within
// the tolerance; the union counts every dimension stated by either side.
// Both sides empty yields 0.
func IoU(a, b Dims) float64 {
	type pair struct{ x, y *float64 }
	pairs := []pair{
		{a.WidthMM, b.WidthMM},
		{a.HeightMM, b.HeightMM},
		{a.ThicknessMM, b.ThicknessMM},
		{a.LengthM, b.LengthM},
	}
	union, inter := 0, 0
	for _, p := range pairs {
		if p.x == nil && p.y == nil {
			continue
		}
		union++
		if p.x != nil && p.y != nil && abs(*p.x-*p.y) <= dimToleranceMM {
			inter++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
