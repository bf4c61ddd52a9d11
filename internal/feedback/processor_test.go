package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordermail/internal/audit"
	"ordermail/internal/cleaner"
	"ordermail/internal/extract"
	"ordermail/internal/llm"
	"ordermail/internal/mailbox"
	"ordermail/internal/model"
	"ordermail/internal/notify"
	"ordermail/internal/pipeline"
	"ordermail/internal/state"
)

type fakeProvider struct {
	completion string
	err        error
}

func (f *fakeProvider) Complete(ctx context.Context, prompt string, params llm.Params) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.completion), nil
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

type fakeExtractor struct {
	retrained  int
	extraction *model.Extraction
}

func (f *fakeExtractor) Extract(ctx context.Context, text string, msg *mailbox.Message) (*model.Extraction, error) {
	if f.extraction == nil {
		return nil, errors.New("no canned extraction")
	}
	return f.extraction, nil
}

func (f *fakeExtractor) RetrainWith(source extract.TrainingSource) error {
	f.retrained++
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	processor *Processor
	store     *Store
	state     *state.Store
	extractor *fakeExtractor
	metrics   *pipeline.Metrics
	orderID   string
	now       time.Time
}

func newFixture(t *testing.T, completion string, immediateRetrain bool) *fixture {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	orderID := "ORDER_1_20260824T115500"
	result := &model.ProcessingResult{
		MessageID: "42",
		OrderID:   orderID,
		Extraction: model.Extraction{
			IntentType:       model.IntentOrderInquiry,
			IntentConfidence: 0.9,
			Customer:         model.ExtractedCustomer{Name: "SDS Verpackung"},
			LineItems:        []model.LineItem{{RawName: "Duro Seal", Quantity: 2}},
		},
		CreatedAt: now.Add(-5 * time.Minute),
		Status:    model.StatusRequiresReview,
	}
	auditor := audit.NewWriter(t.TempDir())
	dir, err := auditor.Write(result, &cleaner.CleanedMessage{Text: "2x Duro Seal bitte"}, nil)
	require.NoError(t, err)
	require.NoError(t, st.RecordProcessed(state.ProcessedMessage{
		MessageID: "42", OrderID: orderID, AuditDir: dir,
		Status: result.Status, CreatedAt: result.CreatedAt,
	}))

	fbStore := NewStore(t.TempDir())
	extractor := &fakeExtractor{extraction: &result.Extraction}
	notifier := notify.New(nil, false, discard())
	metrics := &pipeline.Metrics{}
	p := NewProcessor(&fakeProvider{completion: completion}, st, fbStore, extractor, notifier, metrics, 0.5, immediateRetrain, discard())
	p.now = func() time.Time { return now }

	return &fixture{processor: p, store: fbStore, state: st, extractor: extractor, metrics: metrics, orderID: orderID, now: now}
}

func TestCompanyCorrectionRecorded(t *testing.T) {
	fx := newFixture(t, `{"type": "company_match", "company": "Schur Flexibles", "confidence": 0.92}`, false)

	err := fx.processor.HandleUpdate(context.Background(), &notify.Update{
		UpdateID: 1,
		Text:     "Firma ist Schur Flexibles",
		// Reply quotes the digest of the order.
		ReplyToText: fx.orderID + "\nstatus: requires_review",
	})
	require.NoError(t, err)

	corrections, err := fx.store.Corrections()
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.Equal(t, fx.orderID, corrections[0].OrderID)
	assert.Equal(t, model.CorrectionCompanyMatch, corrections[0].Parsed.Type)
	assert.True(t, corrections[0].Applied)

	examples, err := fx.store.RecentExamples(10)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.Equal(t, "2x Duro Seal bitte", examples[0].Input)

	var expected model.Extraction
	require.NoError(t, json.Unmarshal(examples[0].ExpectedOutput, &expected))
	assert.Equal(t, "Schur Flexibles", expected.Customer.Name)
	assert.Equal(t, corrections[0].CorrectionID, examples[0].DerivedFromCorrectionID)
	assert.Equal(t, int64(1), fx.metrics.Corrections.Load())
}

func TestOrderIDFromMessageText(t *testing.T) {
	fx := newFixture(t, `{"type": "confirm", "confidence": 0.95}`, false)

	err := fx.processor.HandleUpdate(context.Background(), &notify.Update{
		UpdateID: 2,
		Text:     "looks good, " + fx.orderID,
	})
	require.NoError(t, err)

	examples, err := fx.store.RecentExamples(10)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	// Confirmations reinforce at reduced weight.
	assert.Equal(t, 0.5, examples[0].Weight)
}

func TestRecencyFallback(t *testing.T) {
	fx := newFixture(t, `{"type": "quantity", "line_index": 1, "quantity": 12, "confidence": 0.9}`, false)

	// No reply quote and no id in the text; the only recent result wins.
	err := fx.processor.HandleUpdate(context.Background(), &notify.Update{
		UpdateID: 3,
		Text:     "quantity is 12 not 2",
	})
	require.NoError(t, err)

	examples, err := fx.store.RecentExamples(10)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	var expected model.Extraction
	require.NoError(t, json.Unmarshal(examples[0].ExpectedOutput, &expected))
	assert.Equal(t, 12.0, expected.LineItems[0].Quantity)
}

func TestDeriveExampleLeavesResultAlone(t *testing.T) {
	fx := newFixture(t, `{"type": "quantity", "line_index": 1, "quantity": 12, "confidence": 0.9}`, false)

	rec, err := fx.state.ByOrderID(fx.orderID)
	require.NoError(t, err)
	result, err := audit.Load(rec.AuditDir)
	require.NoError(t, err)

	correction := &model.Correction{
		CorrectionID: "c1",
		OrderID:      fx.orderID,
		Parsed:       model.ParsedCorrection{Type: model.CorrectionQuantity, LineIndex: 1, Quantity: 12, Confidence: 0.9},
	}
	example, err := fx.processor.deriveExample(correction, result, rec.AuditDir)
	require.NoError(t, err)
	require.NotNil(t, example)

	var expected model.Extraction
	require.NoError(t, json.Unmarshal(example.ExpectedOutput, &expected))
	assert.Equal(t, 12.0, expected.LineItems[0].Quantity)
	// The example edits its own copy; the loaded record keeps the original
	// quantity for the before/after digest.
	assert.Equal(t, 2.0, result.Extraction.LineItems[0].Quantity)
}

func TestLowConfidenceCorrectionAsksBack(t *testing.T) {
	fx := newFixture(t, `{"type": "quantity", "line_index": 1, "quantity": 12, "confidence": 0.2}`, false)

	err := fx.processor.HandleUpdate(context.Background(), &notify.Update{
		UpdateID: 8,
		Text:     "hmm 12? " + fx.orderID,
	})
	require.NoError(t, err)

	// The correction is logged but nothing is applied or learned from it.
	corrections, err := fx.store.Corrections()
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.False(t, corrections[0].Applied)

	examples, err := fx.store.RecentExamples(10)
	require.NoError(t, err)
	assert.Empty(t, examples)
}

func TestRejectRecordsNoExample(t *testing.T) {
	fx := newFixture(t, `{"type": "reject", "confidence": 0.95}`, false)

	err := fx.processor.HandleUpdate(context.Background(), &notify.Update{
		UpdateID: 4,
		Text:     "wrong, drop it " + fx.orderID,
	})
	require.NoError(t, err)

	corrections, err := fx.store.Corrections()
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.False(t, corrections[0].Applied)

	examples, err := fx.store.RecentExamples(10)
	require.NoError(t, err)
	assert.Empty(t, examples)
}

func TestImmediateRetrain(t *testing.T) {
	fx := newFixture(t, `{"type": "company_match", "company": "Schur Flexibles", "confidence": 0.92}`, true)

	err := fx.processor.HandleUpdate(context.Background(), &notify.Update{
		UpdateID: 5,
		Text:     "Firma ist Schur Flexibles " + fx.orderID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.extractor.retrained)
}

func TestLineIndexOutOfRange(t *testing.T) {
	fx := newFixture(t, `{"type": "quantity", "line_index": 9, "quantity": 12, "confidence": 0.9}`, false)

	err := fx.processor.HandleUpdate(context.Background(), &notify.Update{
		UpdateID: 6,
		Text:     "line 9 should be 12 " + fx.orderID,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestOrderIDPattern(t *testing.T) {
	assert.Equal(t, "ORDER_17_20260824T101500",
		orderIDPattern.FindString("re: ORDER_17_20260824T101500 looks wrong"))
	assert.Empty(t, orderIDPattern.FindString("no id here"))
}
