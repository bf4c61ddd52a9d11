package feedback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"ordermail/internal/audit"
	"ordermail/internal/extract"
	"ordermail/internal/llm"
	"ordermail/internal/mailbox"
	"ordermail/internal/model"
	"ordermail/internal/notify"
	"ordermail/internal/pipeline"
	"ordermail/internal/state"
)

// recencyWindow is how far back a bare correction (no order reference) may
// bind to the most recent result.
const recencyWindow = 10 * time.Minute

// orderIDPattern matches the order ids embedded in digests.
var orderIDPattern = regexp.MustCompile(`ORDER_\d+_\d{8}T\d{6}`)

// Extractor is the slice of the extraction surface the feedback loop needs.
type Extractor interface {
	Extract(ctx context.Context, text string, msg *mailbox.Message) (*model.Extraction, error)
	RetrainWith(source extract.TrainingSource) error
}

// Processor interprets operator replies, records corrections and, when
// enabled, immediately re-runs extraction with the refreshed examples.
type Processor struct {
	provider         llm.Provider
	state            *state.Store
	store            *Store
	extractor        Extractor
	notifier         *notify.Notifier
	metrics          *pipeline.Metrics
	confidenceFloor  float64
	immediateRetrain bool
	logger           *slog.Logger

	now func() time.Time
}

// NewProcessor creates a feedback processor. Parsed corrections below
// confidenceFloor are never applied; the operator is asked to restate.
func NewProcessor(provider llm.Provider, st *state.Store, store *Store, extractor Extractor,
	notifier *notify.Notifier, metrics *pipeline.Metrics, confidenceFloor float64,
	immediateRetrain bool, logger *slog.Logger) *Processor {
	return &Processor{
		provider:         provider,
		state:            st,
		store:            store,
		extractor:        extractor,
		notifier:         notifier,
		metrics:          metrics,
		confidenceFloor:  confidenceFloor,
		immediateRetrain: immediateRetrain,
		logger:           logger,
		now:              time.Now,
	}
}

// Run consumes operator updates from the gateway until ctx is canceled.
func (p *Processor) Run(ctx context.Context, gateway notify.ChatGateway) error {
	var offset int64
	for {
		updates, err := gateway.Updates(ctx, offset, 30*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("update poll failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if strings.TrimSpace(u.Text) == "" {
				continue
			}
			if err := p.HandleUpdate(ctx, &u); err != nil {
				p.logger.Error("correction handling failed", "update_id", u.UpdateID, "error", err)
			}
		}
	}
}

// HandleUpdate processes one operator message.
func (p *Processor) HandleUpdate(ctx context.Context, u *notify.Update) error {
	record, err := p.resolveTarget(u)
	if err != nil {
		p.logger.Info("correction could not be tied to an order", "text", u.Text)
		return p.notifier.Alert(ctx, "could not tell which order your message refers to; reply to the digest or include the ORDER_ id")
	}

	parsed, err := p.parseCorrection(ctx, u.Text)
	if err != nil {
		return fmt.Errorf("parse correction: %w", err)
	}

	correction := &model.Correction{
		CorrectionID: uuid.NewString(),
		OrderID:      record.OrderID,
		UserText:     u.Text,
		Parsed:       *parsed,
		CreatedAt:    p.now().UTC(),
	}

	if parsed.Type == model.CorrectionClarify || parsed.Confidence < p.confidenceFloor {
		if err := p.store.AppendCorrection(correction); err != nil {
			return err
		}
		question := parsed.Question
		if question == "" {
			question = fmt.Sprintf("not sure what to change (parsed as %s at %.2f); please restate the correction",
				parsed.Type, parsed.Confidence)
		}
		return p.answerClarification(ctx, record, question)
	}

	result, err := audit.Load(record.AuditDir)
	if err != nil {
		return fmt.Errorf("load audit record for %s: %w", record.OrderID, err)
	}

	example, err := p.deriveExample(correction, result, record.AuditDir)
	if err != nil {
		return fmt.Errorf("derive training example: %w", err)
	}
	if example != nil {
		if err := p.store.AppendExample(example); err != nil {
			return err
		}
	}
	correction.Applied = example != nil
	if err := p.store.AppendCorrection(correction); err != nil {
		return err
	}
	p.metrics.Corrections.Add(1)
	p.logger.Info("correction recorded",
		"correction_id", correction.CorrectionID,
		"order_id", correction.OrderID,
		"type", parsed.Type)

	if p.immediateRetrain && example != nil {
		if err := p.retrainAndReplay(ctx, record, result, example); err != nil {
			p.logger.Warn("immediate retrain failed", "order_id", record.OrderID, "error", err)
		}
	}
	return nil
}

// resolveTarget binds an operator message to a processed order: the quoted
// digest first, then an order id in the text, then the most recent result
// inside the recency window.
func (p *Processor) resolveTarget(u *notify.Update) (*state.ProcessedMessage, error) {
	if id := orderIDPattern.FindString(u.ReplyToText); id != "" {
		return p.state.ByOrderID(id)
	}
	if id := orderIDPattern.FindString(u.Text); id != "" {
		return p.state.ByOrderID(id)
	}
	record, err := p.state.MostRecentSince(p.now().Add(-recencyWindow))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("no recent order to correct")
		}
		return nil, err
	}
	return record, nil
}

func (p *Processor) parseCorrection(ctx context.Context, text string) (*model.ParsedCorrection, error) {
	prompt := fmt.Sprintf(`An operator replied to an order-processing digest. Classify the reply and return ONLY a JSON object:

{"type": "company_match|product_match|quantity|price|confirm|reject|clarify",
 "line_index": 0, "company": "", "product_ref": "", "quantity": 0, "price": 0,
 "question": "", "confidence": 0.0}

type meanings:
- company_match: the customer company was wrong; put the right name in "company".
- product_match: a line matched the wrong product; put the right code or name in "product_ref" and the 1-based line number in "line_index".
- quantity / price: a numeric field was wrong; fill "quantity" or "price" and "line_index".
- confirm: the operator approves the result as-is.
- reject: the whole result is wrong and the order must not proceed.
- clarify: the operator is asking a question; put it in "question".

Reply:
%s`, text)

	raw, err := p.provider.Complete(ctx, prompt, llm.Params{})
	if err != nil {
		return nil, err
	}
	var parsed model.ParsedCorrection
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode parsed correction: %w", err)
	}
	switch parsed.Type {
	case model.CorrectionCompanyMatch, model.CorrectionProductMatch, model.CorrectionQuantity,
		model.CorrectionPrice, model.CorrectionConfirm, model.CorrectionReject, model.CorrectionClarify:
	default:
		return nil, fmt.Errorf("unknown correction type %q", parsed.Type)
	}
	return &parsed, nil
}

// deriveExample builds the training example a correction implies. confirm
// yields a reinforcing example at reduced weight; reject and clarify yield
// none.
func (p *Processor) deriveExample(c *model.Correction, result *model.ProcessingResult, auditDir string) (*model.TrainingExample, error) {
	input, err := audit.LoadCleanedText(auditDir)
	if err != nil {
		return nil, err
	}

	// Line items share a backing array with the loaded result; copy before
	// editing so the caller's record stays pristine.
	expected := result.Extraction
	expected.LineItems = append([]model.LineItem(nil), result.Extraction.LineItems...)
	weight := 1.0
	switch c.Parsed.Type {
	case model.CorrectionCompanyMatch:
		expected.Customer.Name = c.Parsed.Company
	case model.CorrectionProductMatch:
		idx := c.Parsed.LineIndex - 1
		if idx < 0 || idx >= len(expected.LineItems) {
			return nil, fmt.Errorf("line index %d out of range", c.Parsed.LineIndex)
		}
		expected.LineItems[idx].RawCode = c.Parsed.ProductRef
	case model.CorrectionQuantity:
		idx := c.Parsed.LineIndex - 1
		if idx < 0 || idx >= len(expected.LineItems) {
			return nil, fmt.Errorf("line index %d out of range", c.Parsed.LineIndex)
		}
		expected.LineItems[idx].Quantity = c.Parsed.Quantity
	case model.CorrectionPrice:
		idx := c.Parsed.LineIndex - 1
		if idx < 0 || idx >= len(expected.LineItems) {
			return nil, fmt.Errorf("line index %d out of range", c.Parsed.LineIndex)
		}
		expected.LineItems[idx].UnitPrice = c.Parsed.Price
	case model.CorrectionConfirm:
		weight = 0.5
	case model.CorrectionReject, model.CorrectionClarify:
		return nil, nil
	}

	payload, err := json.Marshal(expected)
	if err != nil {
		return nil, fmt.Errorf("marshal expected output: %w", err)
	}
	return &model.TrainingExample{
		Signature:               inputSignature(input),
		Input:                   input,
		ExpectedOutput:          payload,
		Weight:                  weight,
		DerivedFromCorrectionID: c.CorrectionID,
	}, nil
}

// retrainAndReplay refreshes the extractor and re-runs the corrected message,
// reporting before and after to the operator.
func (p *Processor) retrainAndReplay(ctx context.Context, record *state.ProcessedMessage,
	before *model.ProcessingResult, example *model.TrainingExample) error {
	if err := p.extractor.RetrainWith(p.store); err != nil {
		return err
	}
	input, err := audit.LoadCleanedText(record.AuditDir)
	if err != nil {
		return err
	}
	after, err := p.extractor.Extract(ctx, input, nil)
	if err != nil {
		return fmt.Errorf("replay extraction: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "retrained on %s\n", record.OrderID)
	fmt.Fprintf(&sb, "before: %s\n", extractionDigest(&before.Extraction))
	fmt.Fprintf(&sb, "after:  %s\n", extractionDigest(after))
	var expected model.Extraction
	if err := json.Unmarshal(example.ExpectedOutput, &expected); err == nil {
		fmt.Fprintf(&sb, "expected: %s\n", extractionDigest(&expected))
	}
	return p.notifier.Alert(ctx, sb.String())
}

func (p *Processor) answerClarification(ctx context.Context, record *state.ProcessedMessage, question string) error {
	result, err := audit.Load(record.AuditDir)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("%s\nquestion: %s\n\n%s", record.OrderID, question, audit.Summary(result))
	return p.notifier.Alert(ctx, text)
}

func extractionDigest(e *model.Extraction) string {
	parts := make([]string, 0, len(e.LineItems)+1)
	parts = append(parts, e.Customer.Name)
	for _, item := range e.LineItems {
		label := item.RawCode
		if label == "" {
			label = item.RawName
		}
		parts = append(parts, fmt.Sprintf("%s x%v", label, item.Quantity))
	}
	return strings.Join(parts, " | ")
}

func inputSignature(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:8])
}
