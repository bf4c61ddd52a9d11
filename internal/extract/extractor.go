// Package extract interprets a cleaned message as a structured customer
// intent through a single LLM call, with schema validation and one bounded
// repair retry.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"ordermail/internal/llm"
	"ordermail/internal/mailbox"
	"ordermail/internal/model"
)

// maxFewshot bounds how many learned examples are carried in the prompt.
const maxFewshot = 8

// Config configures extraction behavior.
type Config struct {
	// OwnAliases are names of the supplier's own company; extracting one of
	// them as the customer is treated as an extraction error.
	OwnAliases []string
	// OwnDomain is the supplier's email domain.
	OwnDomain string
	// Generics are domain nouns that must never be emitted as raw_code.
	Generics    []string
	Temperature float64
}

// TrainingSource yields labeled examples for prompt refresh.
type TrainingSource interface {
	RecentExamples(n int) ([]model.TrainingExample, error)
}

// Extractor drives the Call → Validate → Repair(once) state machine.
type Extractor struct {
	provider llm.Provider
	config   *Config
	logger   *slog.Logger

	mu      sync.RWMutex
	fewshot []model.TrainingExample
}

// New creates an Extractor.
func New(provider llm.Provider, config *Config, logger *slog.Logger) *Extractor {
	return &Extractor{provider: provider, config: config, logger: logger}
}

// RetrainWith refreshes the prompt examples from the training source. It is
// bounded and synchronous; callers decide when a refresh is worth the cost.
func (e *Extractor) RetrainWith(source TrainingSource) error {
	examples, err := source.RecentExamples(maxFewshot)
	if err != nil {
		return fmt.Errorf("load training examples: %w", err)
	}
	e.mu.Lock()
	e.fewshot = examples
	e.mu.Unlock()
	e.logger.Info("extractor refreshed", "examples", len(examples))
	return nil
}

// Extract interprets cleanedText. msg supplies the sender header used by the
// own-company guard.
func (e *Extractor) Extract(ctx context.Context, cleanedText string, msg *mailbox.Message) (*model.Extraction, error) {
	prompt := e.buildPrompt(cleanedText, nil)
	raw, err := e.provider.Complete(ctx, prompt, llm.Params{Temperature: e.config.Temperature})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	extraction, complaints := e.parseAndValidate(raw)
	if len(complaints) == 0 {
		e.applyGuards(extraction, msg)
		return extraction, nil
	}

	// One repair call carries the original text plus the validator's
	// complaints; a second failure surfaces as ExtractionError.
	e.logger.Warn("extraction failed validation, repairing", "complaints", complaints)
	repairPrompt := e.buildPrompt(cleanedText, complaints)
	raw, err = e.provider.Complete(ctx, repairPrompt, llm.Params{Temperature: e.config.Temperature})
	if err != nil {
		return nil, fmt.Errorf("extraction repair call: %w", err)
	}
	extraction, complaints = e.parseAndValidate(raw)
	if len(complaints) > 0 {
		return nil, &model.ExtractionError{Complaints: complaints}
	}
	e.applyGuards(extraction, msg)
	return extraction, nil
}

func (e *Extractor) buildPrompt(text string, complaints []string) string {
	var sb strings.Builder
	sb.WriteString(`You are an order-entry assistant for an industrial supplier. Interpret the email below and return ONLY a JSON object with this exact shape:

{
  "intent_type": "order_inquiry|invoice_inquiry|product_inquiry|general_inquiry|other",
  "intent_confidence": 0.0,
  "customer": {"name": "", "contact": "", "email": "", "phone": "", "address": ""},
  "line_items": [
    {
      "raw_name": "",
      "raw_code": "",
      "quantity": 1,
      "unit_price": 0.0,
      "attributes": {"brand": "", "product_line": "", "machine_type": "", "width_mm": null, "height_mm": null, "thickness_mm": null, "length_m": null, "color": ""}
    }
  ],
  "order_ref": "",
  "notes": ""
}

Rules:
1. line_items is the single list of requested positions. Never return separate arrays of names, codes, quantities or prices.
2. raw_code is only a real article code (letters/digits like "L1520-457"). Generic nouns such as "tape", "blade" or "seal" are NOT codes; put them in raw_name and leave raw_code empty.
3. The customer is the company that WROTE the email, taken from its signature, never the supplier being addressed.
4. Quantities are positive numbers. Prices are non-negative; use a decimal point.
5. Only fill width_mm/height_mm when the text gives an explicit dimension context like "100 mm x" or "Breite: 100". A bare number is never a width.
`)

	e.mu.RLock()
	fewshot := e.fewshot
	e.mu.RUnlock()
	if len(fewshot) > 0 {
		sb.WriteString("\nCorrected examples from operators:\n")
		for _, ex := range fewshot {
			sb.WriteString("Input: ")
			sb.WriteString(truncate(ex.Input, 500))
			sb.WriteString("\nExpected: ")
			sb.WriteString(truncate(string(ex.ExpectedOutput), 800))
			sb.WriteString("\n")
		}
	}

	if len(complaints) > 0 {
		sb.WriteString("\nYour previous answer was rejected for these reasons; fix them:\n")
		for _, c := range complaints {
			sb.WriteString("- ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nEmail:\n")
	sb.WriteString(text)
	return sb.String()
}

// wire types accept the flexible numerics LLMs produce (decimal commas,
// numbers as strings) before validation locks them down.

type wireExtraction struct {
	IntentType       string            `json:"intent_type"`
	IntentConfidence flexNumber        `json:"intent_confidence"`
	Customer         wireCustomer      `json:"customer"`
	LineItems        []wireLineItem    `json:"line_items"`
	OrderRef         string            `json:"order_ref"`
	Notes            string            `json:"notes"`
}

type wireCustomer struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type wireLineItem struct {
	RawName    string         `json:"raw_name"`
	RawCode    string         `json:"raw_code"`
	Quantity   flexNumber     `json:"quantity"`
	UnitPrice  flexNumber     `json:"unit_price"`
	Attributes wireAttributes `json:"attributes"`
}

type wireAttributes struct {
	Brand       string      `json:"brand"`
	ProductLine string      `json:"product_line"`
	MachineType string      `json:"machine_type"`
	WidthMM     *flexNumber `json:"width_mm"`
	HeightMM    *flexNumber `json:"height_mm"`
	ThicknessMM *flexNumber `json:"thickness_mm"`
	LengthM     *flexNumber `json:"length_m"`
	Color       string      `json:"color"`
}

// parallelArrayKeys are rejected wherever they appear at the top level:
// per-field arrays were a historical source of alignment bugs.
var parallelArrayKeys = []string{
	"product_names", "names", "codes", "product_codes", "quantities", "prices", "unit_prices",
}

func (e *Extractor) parseAndValidate(raw json.RawMessage) (*model.Extraction, []string) {
	var complaints []string

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, []string{fmt.Sprintf("response is not a JSON object: %v", err)}
	}
	for _, key := range parallelArrayKeys {
		if _, ok := top[key]; ok {
			complaints = append(complaints, fmt.Sprintf("parallel array %q is forbidden; use line_items", key))
		}
	}

	var wire wireExtraction
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, append(complaints, fmt.Sprintf("schema mismatch: %v", err))
	}

	if !model.ValidIntent(wire.IntentType) {
		complaints = append(complaints, fmt.Sprintf("intent_type %q is not in the allowed set", wire.IntentType))
	}
	conf := wire.IntentConfidence.value
	if conf < 0 || conf > 1 {
		complaints = append(complaints, fmt.Sprintf("intent_confidence %v is outside [0,1]", conf))
	}

	extraction := &model.Extraction{
		IntentType:       wire.IntentType,
		IntentConfidence: conf,
		Customer: model.ExtractedCustomer{
			Name:    strings.TrimSpace(wire.Customer.Name),
			Contact: strings.TrimSpace(wire.Customer.Contact),
			Email:   strings.TrimSpace(wire.Customer.Email),
			Phone:   strings.TrimSpace(wire.Customer.Phone),
			Address: strings.TrimSpace(wire.Customer.Address),
		},
		OrderRef: strings.TrimSpace(wire.OrderRef),
		Notes:    strings.TrimSpace(wire.Notes),
	}

	for i, item := range wire.LineItems {
		if item.Quantity.value <= 0 {
			complaints = append(complaints, fmt.Sprintf("line item %d: quantity must be positive, got %v", i, item.Quantity.value))
		}
		if item.UnitPrice.value < 0 {
			complaints = append(complaints, fmt.Sprintf("line item %d: unit_price must be non-negative, got %v", i, item.UnitPrice.value))
		}
		if strings.TrimSpace(item.RawName) == "" && strings.TrimSpace(item.RawCode) == "" {
			complaints = append(complaints, fmt.Sprintf("line item %d: raw_name and raw_code are both empty", i))
		}
		extraction.LineItems = append(extraction.LineItems, model.LineItem{
			RawName:   strings.TrimSpace(item.RawName),
			RawCode:   strings.TrimSpace(item.RawCode),
			Quantity:  item.Quantity.value,
			UnitPrice: item.UnitPrice.value,
			Attributes: model.Attributes{
				Brand:       strings.TrimSpace(item.Attributes.Brand),
				ProductLine: strings.TrimSpace(item.Attributes.ProductLine),
				MachineType: strings.TrimSpace(item.Attributes.MachineType),
				WidthMM:     item.Attributes.WidthMM.ptr(),
				HeightMM:    item.Attributes.HeightMM.ptr(),
				ThicknessMM: item.Attributes.ThicknessMM.ptr(),
				LengthM:     item.Attributes.LengthM.ptr(),
				Color:       strings.TrimSpace(item.Attributes.Color),
			},
		})
	}

	if len(complaints) > 0 {
		return nil, complaints
	}
	return extraction, nil
}

// applyGuards enforces the generics list and the own-company rule after a
// structurally valid extraction.
func (e *Extractor) applyGuards(extraction *model.Extraction, msg *mailbox.Message) {
	for i := range extraction.LineItems {
		item := &extraction.LineItems[i]
		if item.RawCode != "" && e.isGeneric(item.RawCode) {
			if item.RawName == "" {
				item.RawName = item.RawCode
			}
			item.RawCode = ""
		}
	}

	if msg != nil && e.isOwnCompany(extraction.Customer.Name) {
		if e.config.OwnDomain != "" && msg.SenderDomain() == strings.ToLower(e.config.OwnDomain) {
			// Internal forward: the sender header is our own staff, so there is
			// nothing better to re-derive from. The signature company stands
			// and downstream matching sends it to review.
			e.logger.Warn("own company extracted from internal forward, keeping signature company",
				"extracted", extraction.Customer.Name,
				"sender", msg.From)
			return
		}
		rederived := e.customerFromSender(msg)
		e.logger.Info("own company extracted as customer, re-deriving from sender",
			"extracted", extraction.Customer.Name,
			"rederived", rederived,
			"sender", msg.From)
		extraction.Customer.Name = rederived
		if extraction.Customer.Email == "" {
			extraction.Customer.Email = msg.From
		}
	}
}

func (e *Extractor) isGeneric(code string) bool {
	folded := strings.ToLower(strings.TrimSpace(code))
	for _, g := range e.config.Generics {
		if folded == strings.ToLower(g) {
			return true
		}
	}
	return false
}

func (e *Extractor) isOwnCompany(name string) bool {
	folded := strings.ToLower(strings.TrimSpace(name))
	if folded == "" {
		return false
	}
	for _, alias := range e.config.OwnAliases {
		if folded == strings.ToLower(strings.TrimSpace(alias)) {
			return true
		}
	}
	return false
}

// customerFromSender derives a customer name from the sender header: the
// display name when present, else the mailbox local part.
func (e *Extractor) customerFromSender(msg *mailbox.Message) string {
	if name := strings.TrimSpace(msg.FromName); name != "" {
		return name
	}
	if idx := strings.Index(msg.From, "@"); idx > 0 {
		return msg.From[:idx]
	}
	return msg.From
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
