package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid purchase request", func(t *testing.T) {
		valid := PurchaseRequest{
			Tokens:    50,
			AmountUGX: 25000,
			Msisdn:    "+256772123456",
		}

		err := vh.ValidateStruct(&valid)
		assert.NoError(t, err)
	})

	t.Run("missing required fields", func(t *testing.T) {
		invalid := PurchaseRequest{}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 3)
	})

	t.Run("non-positive tokens", func(t *testing.T) {
		invalid := PurchaseRequest{
			Tokens:    -5,
			AmountUGX: 25000,
			Msisdn:    "+256772123456",
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)
	})

	t.Run("msisdn rule", func(t *testing.T) {
		cases := map[string]bool{
			"+256772123456": true,
			"256772123456":  true,
			"0772123456":    false,
			"+254772123456": false,
			"not-a-number":  false,
		}
		for msisdn, valid := range cases {
			req := PurchaseRequest{Tokens: 1, AmountUGX: 1, Msisdn: msisdn}
			err := vh.ValidateStruct(&req)
			if valid {
				assert.NoError(t, err, msisdn)
			} else {
				assert.Error(t, err, msisdn)
			}
		}
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		vh := NewValidationHelper()
		invalid := PurchaseRequest{Tokens: -1}

		validationErr := vh.ValidateStruct(&invalid)
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.NotNil(t, response.Details)
		assert.Contains(t, response.Details, "Tokens")
	})
}

func TestExternalStatusMapping(t *testing.T) {
	t.Run("success statuses", func(t *testing.T) {
		assert.True(t, isSuccessStatus("SUCCESSFUL"))
		assert.True(t, isSuccessStatus("success"))
		assert.True(t, isSuccessStatus(" Completed "))
		assert.False(t, isSuccessStatus("PROCESSING"))
	})

	t.Run("failure statuses", func(t *testing.T) {
		assert.True(t, isFailureStatus("FAILED"))
		assert.True(t, isFailureStatus("cancelled"))
		assert.True(t, isFailureStatus("EXPIRED"))
		assert.False(t, isFailureStatus("SUCCESSFUL"))
		assert.False(t, isFailureStatus("PENDING"))
	})
}
