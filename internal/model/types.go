// Package model defines the shared data model for the order-email processor:
// catalog records, extraction results, matches, processing results and
// feedback artifacts. All enrichment attaches to a LineItem by index
// identity; parallel per-field arrays are forbidden.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Product is a catalog product synced from the ERP. Codes are trimmed on
// ingest; ID is unique within the catalog.
type Product struct {
	ID            int64     `json:"id"`
	Code          string    `json:"code,omitempty"`
	Name          string    `json:"name"`
	ListPrice     float64   `json:"list_price"`
	StandardPrice float64   `json:"standard_price"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Customer is a catalog customer synced from the ERP.
type Customer struct {
	ID        int64     `json:"id"`
	Ref       string    `json:"ref,omitempty"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Intent types form a small closed set.
const (
	IntentOrderInquiry   = "order_inquiry"
	IntentInvoiceInquiry = "invoice_inquiry"
	IntentProductInquiry = "product_inquiry"
	IntentGeneralInquiry = "general_inquiry"
	IntentOther          = "other"
)

// ValidIntent reports whether s is a member of the closed intent set.
func ValidIntent(s string) bool {
	switch s {
	case IntentOrderInquiry, IntentInvoiceInquiry, IntentProductInquiry,
		IntentGeneralInquiry, IntentOther:
		return true
	}
	return false
}

// Attributes holds per-line-item attributes derived during extraction.
// Unknown keys are dropped at the extractor boundary.
type Attributes struct {
	Brand       string   `json:"brand,omitempty"`
	ProductLine string   `json:"product_line,omitempty"`
	MachineType string   `json:"machine_type,omitempty"`
	WidthMM     *float64 `json:"width_mm,omitempty"`
	HeightMM    *float64 `json:"height_mm,omitempty"`
	ThicknessMM *float64 `json:"thickness_mm,omitempty"`
	LengthM     *float64 `json:"length_m,omitempty"`
	Color       string   `json:"color,omitempty"`
}

// LineItem is the single source of truth for one requested position.
type LineItem struct {
	RawName    string     `json:"raw_name"`
	RawCode    string     `json:"raw_code,omitempty"`
	Quantity   float64    `json:"quantity"`
	UnitPrice  float64    `json:"unit_price"`
	Attributes Attributes `json:"attributes"`
}

// SearchText builds the query text used for candidate retrieval:
// code, name, then attribute tokens.
func (li *LineItem) SearchText() string {
	parts := make([]string, 0, 4)
	if li.RawCode != "" {
		parts = append(parts, li.RawCode)
	}
	if li.RawName != "" {
		parts = append(parts, li.RawName)
	}
	if li.Attributes.Brand != "" {
		parts = append(parts, li.Attributes.Brand)
	}
	if li.Attributes.MachineType != "" {
		parts = append(parts, li.Attributes.MachineType)
	}
	if li.Attributes.Color != "" {
		parts = append(parts, li.Attributes.Color)
	}
	return strings.Join(parts, " ")
}

// ExtractedCustomer is the customer block of an extraction.
type ExtractedCustomer struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Extraction is the structured interpretation of one message.
type Extraction struct {
	IntentType       string            `json:"intent_type"`
	IntentConfidence float64           `json:"intent_confidence"`
	Customer         ExtractedCustomer `json:"customer"`
	LineItems        []LineItem        `json:"line_items"`
	OrderRef         string            `json:"order_ref,omitempty"`
	Notes            string            `json:"notes,omitempty"`
}

// Match methods.
const (
	MethodExactCode     = "exact_code"
	MethodToken         = "token"
	MethodSemanticToken = "semantic+token"
	MethodConfirmer     = "confirmer"
	MethodUnmatched     = "unmatched"
)

// Candidate is one retrieval candidate for a line item.
type Candidate struct {
	ProductID int64   `json:"product_id"`
	Score     float64 `json:"score"`
	Explain   string  `json:"explain,omitempty"`
}

// Match records the matching outcome for one line item. When
// ChosenProductID is set, either Confidence is at or above the review
// threshold or RequiresReview is true.
type Match struct {
	Candidates      []Candidate `json:"candidates"`
	ChosenProductID *int64      `json:"chosen_product_id,omitempty"`
	Confidence      float64     `json:"confidence"`
	Method          string      `json:"method"`
	RequiresReview  bool        `json:"requires_review"`
	Rationale       string      `json:"rationale,omitempty"`
}

// CustomerMatch records the local customer resolution.
type CustomerMatch struct {
	CustomerID *int64  `json:"customer_id,omitempty"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
}

// ProductVerification is the ERP verification outcome for one line item.
type ProductVerification struct {
	LineIndex int     `json:"line_index"`
	ProductID int64   `json:"product_id"`
	Exists    bool    `json:"exists"`
	ListPrice float64 `json:"list_price,omitempty"`
}

// ERPVerification is the per-message ERP verification record.
type ERPVerification struct {
	Products         []ProductVerification `json:"products"`
	CustomerERPID    *int64                `json:"customer_erp_id,omitempty"`
	CustomerVerified bool                  `json:"customer_verified"`
	Misses           int                   `json:"misses"`
}

// Order statuses.
const (
	OrderCreated    = "created"
	OrderNotCreated = "not_created"
	OrderDuplicate  = "duplicate"
)

// Order records an (attempted) draft sales order submission.
type Order struct {
	ERPOrderID     int64     `json:"erp_order_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at,omitempty"`
}

// Processing result statuses.
const (
	StatusOK             = "ok"
	StatusRequiresReview = "requires_review"
	StatusFailed         = "failed"
)

// ProcessingResult is the full outcome for one message, persisted under the
// audit directory keyed by {timestamp}_{message_id}.
type ProcessingResult struct {
	MessageID     string          `json:"message_id"`
	OrderID       string          `json:"order_id"`
	Extraction    Extraction      `json:"extraction"`
	Matches       []Match         `json:"matches"`
	CustomerMatch CustomerMatch   `json:"customer_match"`
	ERP           ERPVerification `json:"erp_verification"`
	Order         *Order          `json:"order,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Status        string          `json:"status"`
	ReviewReasons []string        `json:"review_reasons,omitempty"`
}

// Correction types.
const (
	CorrectionCompanyMatch = "company_match"
	CorrectionProductMatch = "product_match"
	CorrectionQuantity     = "quantity"
	CorrectionPrice        = "price"
	CorrectionConfirm      = "confirm"
	CorrectionReject       = "reject"
	CorrectionClarify      = "clarify"
)

// ParsedCorrection is the LLM-tagged interpretation of operator free text.
type ParsedCorrection struct {
	Type       string  `json:"type"`
	LineIndex  int     `json:"line_index,omitempty"`
	Company    string  `json:"company,omitempty"`
	ProductRef string  `json:"product_ref,omitempty"`
	Quantity   float64 `json:"quantity,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Question   string  `json:"question,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Correction references an existing ProcessingResult by OrderID.
type Correction struct {
	CorrectionID string           `json:"correction_id"`
	OrderID      string           `json:"order_id"`
	UserText     string           `json:"user_text"`
	Parsed       ParsedCorrection `json:"parsed"`
	CreatedAt    time.Time        `json:"created_at"`
	Applied      bool             `json:"applied"`
}

// TrainingExample is one labeled example derived from a correction.
type TrainingExample struct {
	Signature                string          `json:"signature"`
	Input                    string          `json:"input"`
	ExpectedOutput           json.RawMessage `json:"expected_output"`
	Weight                   float64         `json:"weight"`
	DerivedFromCorrectionID  string          `json:"derived_from_correction_id"`
}
