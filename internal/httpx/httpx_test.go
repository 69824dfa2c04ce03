package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-scribe/credit-exchange/internal/access"
	"carbon-scribe/credit-exchange/internal/errs"
	"carbon-scribe/credit-exchange/internal/payments"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errs.ErrUnauthorized, http.StatusForbidden},
		{errs.ErrNotFound, http.StatusNotFound},
		{errs.ErrPaused, http.StatusServiceUnavailable},
		{errs.ErrAlreadyVerified, http.StatusConflict},
		{errs.ErrNotActive, http.StatusConflict},
		{errs.ErrReentrantCall, http.StatusConflict},
		{access.ErrRoleConflict, http.StatusConflict},
		{errs.ErrPaymentFailed, http.StatusPaymentRequired},
		{errs.ErrTransferFailed, http.StatusPaymentRequired},
		{errs.ErrAmountZero, http.StatusBadRequest},
		{errs.ErrAmountTooLarge, http.StatusBadRequest},
		{errs.ErrFeeTooHigh, http.StatusBadRequest},
		{errs.ErrInsufficientPayment, http.StatusUnprocessableEntity},
		{errs.ErrNotVerified, http.StatusUnprocessableEntity},
		{fmt.Errorf("listing 3: %w", errs.ErrNotActive), http.StatusConflict},
		{fmt.Errorf("%w: %w", errs.ErrPaymentFailed, payments.ErrPaymentRejected), http.StatusPaymentRequired},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, Status(tt.err))
		})
	}
}

func TestErrorBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/known", func(c *gin.Context) { Error(c, nil, fmt.Errorf("listing 1: %w", errs.ErrNotActive)) })
	r.GET("/internal", func(c *gin.Context) { Error(c, nil, fmt.Errorf("db exploded")) })
	r.GET("/caller", func(c *gin.Context) {
		if _, ok := Caller(c); ok {
			c.Status(http.StatusOK)
		}
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/known", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_active", body.Code)
	assert.Contains(t, body.Error, "listing 1")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/internal", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal", body.Code)
	assert.NotContains(t, body.Error, "exploded")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/caller", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
