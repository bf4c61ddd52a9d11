package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidIntent(t *testing.T) {
	for _, intent := range []string{
		IntentOrderInquiry, IntentInvoiceInquiry, IntentProductInquiry,
		IntentGeneralInquiry, IntentOther,
	} {
		assert.True(t, ValidIntent(intent), intent)
	}
	assert.False(t, ValidIntent("purchase"))
	assert.False(t, ValidIntent(""))
}

func TestSearchText(t *testing.T) {
	item := LineItem{
		RawName: "Duro Seal",
		RawCode: "SDS1923",
		Attributes: Attributes{
			Brand:       "Bobst",
			MachineType: "Universal HS",
		},
	}
	assert.Equal(t, "SDS1923 Duro Seal Bobst Universal HS", item.SearchText())
}

func TestIsTransient(t *testing.T) {
	err := Transient("erp rpc", errors.New("timeout"))
	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsTransient(errors.New("schema mismatch")))
}

func TestExtractionErrorMessage(t *testing.T) {
	err := &ExtractionError{Complaints: []string{"quantity must be positive"}}
	assert.Contains(t, err.Error(), "quantity must be positive")
}
