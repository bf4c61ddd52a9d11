package match

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"ordermail/internal/catalog"
	"ordermail/internal/llm"
	"ordermail/internal/model"
)

// Thresholds are the confidence cut points for the confirmation stage.
type Thresholds struct {
	// Auto accepts the top candidate without consultation.
	Auto float64
	// Review is the floor below which a match is never accepted silently.
	Review float64
}

// Confirmer applies the confidence policy to retrieval output. Any match
// below the auto threshold is settled by an LLM consultation over the
// candidate list; choices below the review threshold are kept but flagged.
type Confirmer struct {
	store      *catalog.Store
	provider   llm.Provider
	thresholds Thresholds
	logger     *slog.Logger
}

// NewConfirmer creates a Confirmer.
func NewConfirmer(store *catalog.Store, provider llm.Provider, thresholds Thresholds, logger *slog.Logger) *Confirmer {
	return &Confirmer{store: store, provider: provider, thresholds: thresholds, logger: logger}
}

// Confirm finalizes one match in place.
func (c *Confirmer) Confirm(ctx context.Context, item *model.LineItem, match *model.Match) error {
	// Exact code matches and already-settled unmatched lines pass through.
	if match.Method == model.MethodExactCode || len(match.Candidates) == 0 {
		return nil
	}

	top := match.Candidates[0]
	if match.Confidence >= c.thresholds.Auto {
		id := top.ProductID
		match.ChosenProductID = &id
		return nil
	}

	choice, err := c.consult(ctx, item, match.Candidates)
	if err != nil {
		// The consultation is advisory; on failure the match goes to review
		// with the retrieval candidates intact.
		c.logger.Warn("confirmer consultation failed", "error", err)
		match.RequiresReview = true
		match.Rationale = appendRationale(match.Rationale, "confirmation unavailable")
		return nil
	}

	if choice.ProductID == 0 {
		match.RequiresReview = true
		match.Rationale = appendRationale(match.Rationale, choice.Reason)
		return nil
	}

	if !c.candidateListed(match.Candidates, choice.ProductID) {
		// The confirmer may only pick from the presented candidates.
		match.RequiresReview = true
		match.Rationale = appendRationale(match.Rationale,
			fmt.Sprintf("confirmer picked unlisted product %d", choice.ProductID))
		return nil
	}

	id := choice.ProductID
	match.ChosenProductID = &id
	match.Confidence = choice.Confidence
	match.Method = model.MethodConfirmer
	match.RequiresReview = choice.Confidence < c.thresholds.Auto
	match.Rationale = appendRationale(match.Rationale, choice.Reason)
	return nil
}

type confirmerChoice struct {
	ProductID  int64   `json:"product_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

func (c *Confirmer) consult(ctx context.Context, item *model.LineItem, candidates []model.Candidate) (*confirmerChoice, error) {
	var sb strings.Builder
	sb.WriteString("A customer requested this item:\n")
	sb.WriteString(fmt.Sprintf("  name: %q\n  code: %q\n  quantity: %v\n", item.RawName, item.RawCode, item.Quantity))
	if dims := DimsFromAttributes(item.Attributes); !dims.Empty() {
		sb.WriteString(fmt.Sprintf("  dimensions: %s\n", formatDims(dims)))
	}
	sb.WriteString("\nCatalog candidates:\n")
	for _, cand := range candidates {
		p, ok := c.store.ProductByID(cand.ProductID)
		if !ok {
			continue
		}
		sb.WriteString(fmt.Sprintf("  id=%d code=%q name=%q (retrieval score %.3f)\n", p.ID, p.Code, p.Name, cand.Score))
	}
	sb.WriteString(`
Which candidate, if any, is the product the customer means? Respond with ONLY a JSON object:
{"product_id": 0, "confidence": 0.0, "reason": ""}
Set product_id to 0 when none of the candidates fits. confidence is in [0,1].`)

	raw, err := c.provider.Complete(ctx, sb.String(), llm.Params{})
	if err != nil {
		return nil, err
	}
	var choice confirmerChoice
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil, fmt.Errorf("parse confirmer response: %w", err)
	}
	if choice.Confidence < 0 || choice.Confidence > 1 {
		return nil, fmt.Errorf("confirmer confidence %v outside [0,1]", choice.Confidence)
	}
	return &choice, nil
}

func (c *Confirmer) candidateListed(candidates []model.Candidate, id int64) bool {
	for _, cand := range candidates {
		if cand.ProductID == id {
			return true
		}
	}
	return false
}

func formatDims(d Dims) string {
	var parts []string
	if d.WidthMM != nil {
		parts = append(parts, fmt.Sprintf("width %g mm", *d.WidthMM))
	}
	if d.HeightMM != nil {
		parts = append(parts, fmt.Sprintf("height %g mm", *d.HeightMM))
	}
	if d.ThicknessMM != nil {
		parts = append(parts, fmt.Sprintf("thickness %g mm", *d.ThicknessMM))
	}
	if d.LengthM != nil {
		parts = append(parts, fmt.Sprintf("length %g m", *d.LengthM))
	}
	return strings.Join(parts, ", ")
}

func appendRationale(existing, added string) string {
	added = strings.TrimSpace(added)
	if added == "" {
		return existing
	}
	if existing == "" {
		return added
	}
	return existing + "; " + added
}
