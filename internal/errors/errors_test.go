package appErrors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
)

func TestPredicates(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		validation     bool
		notFound       bool
		notCancellable bool
		code           appErrors.ErrorCode
	}{
		{"validation", appErrors.NewValidationError("subject is required"), true, false, false, appErrors.CodeValidationFailed},
		{"no recipients", appErrors.NewNoRecipients(), true, false, false, appErrors.CodeNoRecipients},
		{"campaign not found", appErrors.NewCampaignNotFound(7), false, true, false, appErrors.CodeNotFound},
		{"item not found", appErrors.NewQueueItemNotFound(9), false, true, false, appErrors.CodeNotFound},
		{"not cancellable", appErrors.NewNotCancellable("campaign", 3, "completed"), false, false, true, appErrors.CodeNotCancellable},
		{"delivery", appErrors.NewDeliveryError("relay refused"), false, false, false, appErrors.CodeDeliveryFailed},
		{"plain", fmt.Errorf("boom"), false, false, false, appErrors.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.validation, appErrors.IsValidation(tt.err))
			assert.Equal(t, tt.notFound, appErrors.IsNotFound(tt.err))
			assert.Equal(t, tt.notCancellable, appErrors.IsNotCancellable(tt.err))
			assert.Equal(t, tt.code, appErrors.CodeOf(tt.err))
		})
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("cancel campaign: %w", appErrors.NewCampaignNotFound(4))
	assert.True(t, appErrors.IsNotFound(err))
	assert.Contains(t, err.Error(), "campaign with ID 4 not found")
}
