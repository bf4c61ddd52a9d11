package match

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"ordermail/internal/catalog"
	"ordermail/internal/llm"
	"ordermail/internal/model"
)

// Config tunes candidate retrieval.
type Config struct {
	// SemanticFloor is the minimum cosine similarity for a semantic hit.
	SemanticFloor float64
	// TopK is the width of the first retrieval stage.
	TopK int
	// FinalK is how many candidates survive re-ranking.
	FinalK int
	// DimensionBoost scales the dimension-agreement bonus.
	DimensionBoost float64
}

// Retriever resolves line items to catalog candidates. An exact code hit
// short-circuits retrieval entirely; otherwise semantic search over the
// embedding index is re-ranked by dimension agreement.
type Retriever struct {
	store    *catalog.Store
	index    *Index
	provider llm.Provider
	config   *Config
	logger   *slog.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(store *catalog.Store, index *Index, provider llm.Provider, config *Config, logger *slog.Logger) *Retriever {
	return &Retriever{store: store, index: index, provider: provider, config: config, logger: logger}
}

// MatchLineItem produces the match record for one line item.
func (r *Retriever) MatchLineItem(ctx context.Context, item *model.LineItem) (model.Match, error) {
	// Stage zero: a trimmed exact code hit is authoritative.
	if item.RawCode != "" {
		if p, ok := r.store.ProductByCode(item.RawCode); ok {
			id := p.ID
			return model.Match{
				Candidates:      []model.Candidate{{ProductID: id, Score: 1.0, Explain: "exact code"}},
				ChosenProductID: &id,
				Confidence:      1.0,
				Method:          model.MethodExactCode,
				Rationale:       fmt.Sprintf("code %q resolves to %q", item.RawCode, p.Name),
			}, nil
		}
	}

	query := item.SearchText()
	if strings.TrimSpace(query) == "" {
		return model.Match{Method: model.MethodUnmatched, RequiresReview: true,
			Rationale: "line item has no searchable text"}, nil
	}

	wantDims := DimsFromAttributes(item.Attributes).Merge(ParseDims(item.RawName))

	vectors, err := r.provider.Embed(ctx, []string{query})
	if err != nil {
		// Embedding outage degrades to token overlap rather than failing the
		// whole message.
		r.logger.Warn("embedding failed, falling back to token overlap", "error", err)
		return r.tokenFallback(query, wantDims), nil
	}

	hits := r.index.Nearest(vectors[0], r.config.TopK)
	candidates := make([]model.Candidate, 0, len(hits))
	for _, hit := range hits {
		if hit.Semantic < r.config.SemanticFloor {
			continue
		}
		p, ok := r.store.ProductByID(hit.ProductID)
		if !ok {
			continue
		}
		iou := IoU(wantDims, ParseDims(p.Name))
		score := hit.Semantic * (1 + r.config.DimensionBoost*iou)
		candidates = append(candidates, model.Candidate{
			ProductID: p.ID,
			Score:     score,
			Explain:   fmt.Sprintf("semantic=%.3f dims=%.2f", hit.Semantic, iou),
		})
	}
	sortCandidates(candidates)
	if len(candidates) > r.config.FinalK {
		candidates = candidates[:r.config.FinalK]
	}

	if len(candidates) == 0 {
		return model.Match{Method: model.MethodUnmatched, RequiresReview: true,
			Rationale: fmt.Sprintf("no candidate above semantic floor %.2f", r.config.SemanticFloor)}, nil
	}

	match := model.Match{
		Candidates: candidates,
		Confidence: clamp01(candidates[0].Score),
		Method:     model.MethodSemanticToken,
	}
	return match, nil
}

// tokenFallback scores candidates by folded token overlap when no embedding
// is available.
func (r *Retriever) tokenFallback(query string, wantDims Dims) model.Match {
	queryTokens := tokenSet(query)
	var candidates []model.Candidate
	for _, p := range r.store.AllProducts() {
		overlap := tokenOverlap(queryTokens, tokenSet(productText(p)))
		if overlap <= 0 {
			continue
		}
		iou := IoU(wantDims, ParseDims(p.Name))
		candidates = append(candidates, model.Candidate{
			ProductID: p.ID,
			Score:     overlap * (1 + r.config.DimensionBoost*iou),
			Explain:   fmt.Sprintf("token=%.3f dims=%.2f", overlap, iou),
		})
	}
	sortCandidates(candidates)
	if len(candidates) > r.config.FinalK {
		candidates = candidates[:r.config.FinalK]
	}
	if len(candidates) == 0 {
		return model.Match{Method: model.MethodUnmatched, RequiresReview: true,
			Rationale: "no token overlap with any catalog product"}
	}
	return model.Match{
		Candidates:     candidates,
		Confidence:     clamp01(candidates[0].Score),
		Method:         model.MethodToken,
		RequiresReview: true,
		Rationale:      "token fallback, embeddings unavailable",
	}
}

// MatchCustomer resolves the extracted customer name against the catalog.
func (r *Retriever) MatchCustomer(extracted *model.ExtractedCustomer) model.CustomerMatch {
	name := strings.TrimSpace(extracted.Name)
	if name == "" {
		return model.CustomerMatch{Method: model.MethodUnmatched}
	}

	if c, ok := r.store.CustomerByName(name); ok {
		id := c.ID
		return model.CustomerMatch{CustomerID: &id, Name: c.Name, Confidence: 1.0, Method: "exact_name"}
	}

	// Fuzzy pass over folded name tokens; legal-form suffixes carry no signal.
	queryTokens := tokenSet(name)
	customers := r.store.AllCustomers()
	var best *model.Customer
	bestScore := 0.0
	for i := range customers {
		c := &customers[i]
		score := tokenOverlap(queryTokens, tokenSet(c.Name))
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best != nil && bestScore >= 0.6 {
		id := best.ID
		return model.CustomerMatch{CustomerID: &id, Name: best.Name, Confidence: bestScore, Method: model.MethodToken}
	}
	return model.CustomerMatch{Name: name, Method: model.MethodUnmatched}
}

// legalSuffixes are dropped before token comparison.
var legalSuffixes = map[string]bool{
	"gmbh": true, "ag": true, "kg": true, "ug": true, "ohg": true,
	"ltd": true, "inc": true, "llc": true, "bv": true, "sa": true,
	"srl": true, "sro": true, "co": true, "corp": true, "aps": true, "as": true,
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(catalog.FoldName(s)) {
		tok = strings.Trim(tok, ".,;:()")
		if tok == "" || legalSuffixes[tok] {
			continue
		}
		set[tok] = true
	}
	return set
}

// tokenOverlap is the Jaccard overlap of two token sets.
func tokenOverlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func sortCandidates(cs []model.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Score > cs[j].Score })
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
