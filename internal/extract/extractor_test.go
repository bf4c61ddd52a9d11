package extract

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordermail/internal/llm"
	"ordermail/internal/mailbox"
	"ordermail/internal/model"
)

type fakeProvider struct {
	completions []string
	err         error
	prompts     []string
}

func (f *fakeProvider) Complete(ctx context.Context, prompt string, params llm.Params) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.prompts = append(f.prompts, prompt)
	if len(f.prompts) > len(f.completions) {
		return nil, errors.New("no canned completion left")
	}
	return json.RawMessage(f.completions[len(f.prompts)-1]), nil
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	return &Config{
		OwnAliases: []string{"SDS GmbH", "SDS"},
		OwnDomain:  "sds.example",
		Generics:   []string{"tape", "blade", "seal", "klebeband", "messer", "dichtung"},
	}
}

const validResponse = `{
	"intent_type": "order_inquiry",
	"intent_confidence": 0.96,
	"customer": {"name": "Schur Star Systems GmbH", "email": "orders@schur-star.example"},
	"line_items": [
		{"raw_name": "Star Liner", "raw_code": "L1520-457", "quantity": 10, "unit_price": "12,50",
		 "attributes": {"width_mm": 457}}
	],
	"order_ref": "PO-2026-114"
}`

func TestExtractValidFirstCall(t *testing.T) {
	provider := &fakeProvider{completions: []string{validResponse}}
	e := New(provider, testConfig(), discard())

	got, err := e.Extract(context.Background(), "order text", &mailbox.Message{From: "x@schur-star.example"})
	require.NoError(t, err)
	assert.Equal(t, model.IntentOrderInquiry, got.IntentType)
	assert.Equal(t, 0.96, got.IntentConfidence)
	assert.Equal(t, "Schur Star Systems GmbH", got.Customer.Name)
	assert.Equal(t, "PO-2026-114", got.OrderRef)
	require.Len(t, got.LineItems, 1)

	item := got.LineItems[0]
	assert.Equal(t, "L1520-457", item.RawCode)
	assert.Equal(t, 10.0, item.Quantity)
	// Decimal-comma price strings normalize to a float.
	assert.Equal(t, 12.5, item.UnitPrice)
	require.NotNil(t, item.Attributes.WidthMM)
	assert.Equal(t, 457.0, *item.Attributes.WidthMM)
	assert.Len(t, provider.prompts, 1)
}

func TestExtractRepairsParallelArrays(t *testing.T) {
	bad := `{"intent_type": "order_inquiry", "intent_confidence": 0.9,
		"customer": {"name": "Acme"}, "line_items": [],
		"product_names": ["a", "b"], "quantities": [1, 2]}`
	provider := &fakeProvider{completions: []string{bad, validResponse}}
	e := New(provider, testConfig(), discard())

	got, err := e.Extract(context.Background(), "order text", nil)
	require.NoError(t, err)
	require.Len(t, provider.prompts, 2)
	assert.Contains(t, provider.prompts[1], "parallel array")
	assert.Equal(t, "Schur Star Systems GmbH", got.Customer.Name)
}

func TestExtractFailsAfterSecondInvalid(t *testing.T) {
	bad := `{"intent_type": "buying", "intent_confidence": 2.5,
		"customer": {"name": ""}, "line_items": [
		{"raw_name": "tape", "quantity": -1, "unit_price": 0, "attributes": {}}]}`
	provider := &fakeProvider{completions: []string{bad, bad}}
	e := New(provider, testConfig(), discard())

	_, err := e.Extract(context.Background(), "order text", nil)
	var exErr *model.ExtractionError
	require.ErrorAs(t, err, &exErr)
	assert.NotEmpty(t, exErr.Complaints)
}

func TestExtractGenericCodeMovedToName(t *testing.T) {
	resp := `{"intent_type": "order_inquiry", "intent_confidence": 0.9,
		"customer": {"name": "Acme Packaging Ltd"},
		"line_items": [{"raw_name": "", "raw_code": "Klebeband", "quantity": 5, "unit_price": 0, "attributes": {}}]}`
	provider := &fakeProvider{completions: []string{resp}}
	e := New(provider, testConfig(), discard())

	got, err := e.Extract(context.Background(), "5x Klebeband bitte", nil)
	require.NoError(t, err)
	require.Len(t, got.LineItems, 1)
	assert.Empty(t, got.LineItems[0].RawCode)
	assert.Equal(t, "Klebeband", got.LineItems[0].RawName)
}

func TestExtractOwnCompanyRederivedFromSender(t *testing.T) {
	resp := `{"intent_type": "order_inquiry", "intent_confidence": 0.9,
		"customer": {"name": "SDS GmbH"},
		"line_items": [{"raw_name": "Duro Seal", "raw_code": "SDS1923", "quantity": 2, "unit_price": 0, "attributes": {}}]}`
	provider := &fakeProvider{completions: []string{resp}}
	e := New(provider, testConfig(), discard())

	msg := &mailbox.Message{
		From:     "einkauf@schur-star.example",
		FromName: "Schur Star Systems GmbH",
	}
	got, err := e.Extract(context.Background(), "order text", msg)
	require.NoError(t, err)
	assert.Equal(t, "Schur Star Systems GmbH", got.Customer.Name)
	assert.Equal(t, "einkauf@schur-star.example", got.Customer.Email)
}

func TestExtractInternalForwardKeepsSignatureCompany(t *testing.T) {
	resp := `{"intent_type": "order_inquiry", "intent_confidence": 0.9,
		"customer": {"name": "SDS GmbH"},
		"line_items": [{"raw_name": "Duro Seal", "raw_code": "SDS1923", "quantity": 2, "unit_price": 0, "attributes": {}}]}`
	provider := &fakeProvider{completions: []string{resp}}
	e := New(provider, testConfig(), discard())

	// Forwarded in-house: the sender is our own staff, so re-deriving the
	// customer from the sender header would name the supplier again.
	msg := &mailbox.Message{
		From:     "vertrieb@sds.example",
		FromName: "SDS Vertrieb",
	}
	got, err := e.Extract(context.Background(), "order text", msg)
	require.NoError(t, err)
	assert.Equal(t, "SDS GmbH", got.Customer.Name)
	assert.Empty(t, got.Customer.Email)
}

func TestExtractProviderErrorPropagates(t *testing.T) {
	provider := &fakeProvider{err: model.Transient("llm request", errors.New("status 503"))}
	e := New(provider, testConfig(), discard())

	_, err := e.Extract(context.Background(), "order text", nil)
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
}

type fakeTraining struct {
	examples []model.TrainingExample
}

func (f *fakeTraining) RecentExamples(n int) ([]model.TrainingExample, error) {
	if len(f.examples) > n {
		return f.examples[len(f.examples)-n:], nil
	}
	return f.examples, nil
}

func TestRetrainedExamplesAppearInPrompt(t *testing.T) {
	provider := &fakeProvider{completions: []string{validResponse}}
	e := New(provider, testConfig(), discard())

	require.NoError(t, e.RetrainWith(&fakeTraining{examples: []model.TrainingExample{{
		Input:          "need 5 rolls of blue tape",
		ExpectedOutput: json.RawMessage(`{"intent_type":"order_inquiry"}`),
		Weight:         1,
	}}}))

	_, err := e.Extract(context.Background(), "order text", nil)
	require.NoError(t, err)
	require.Len(t, provider.prompts, 1)
	assert.Contains(t, provider.prompts[0], "need 5 rolls of blue tape")
}

func TestFlexNumberDecimalComma(t *testing.T) {
	var n flexNumber
	require.NoError(t, json.Unmarshal([]byte(`"1.234,56"`), &n))
	assert.Equal(t, 1234.56, n.value)

	require.NoError(t, json.Unmarshal([]byte(`"12,5"`), &n))
	assert.Equal(t, 12.5, n.value)

	require.NoError(t, json.Unmarshal([]byte(`7`), &n))
	assert.Equal(t, 7.0, n.value)
}
