package marketplace

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-scribe/credit-exchange/internal/auth"
)

var testSecret = []byte("market-test")

func newTestRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1", auth.Middleware(testSecret, nil))
	NewHandler(h.market, nil).RegisterRoutes(api)
	return r
}

func call(t *testing.T, r http.Handler, method, path string, as uuid.UUID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	tok, err := auth.IssueToken(testSecret, as, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerBuyFlow(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	creditID := h.verifiedCredits(t, 1000)
	require.Equal(t, uint64(0), creditID)

	w := call(t, r, http.MethodPost, "/api/v1/listings", h.seller,
		`{"credit_type_id":0,"amount":100,"price_per_unit":"10000000000000000"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, r, http.MethodPost, "/api/v1/listings/0/buy", h.buyer, `{"amount":50,"payment":"500000000000000000"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var receipt Receipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	assert.Equal(t, "12500000000000000", receipt.Fee.String())
	assert.Equal(t, "487500000000000000", receipt.SellerProceeds.String())
	assert.True(t, receipt.ListingActive)

	w = call(t, r, http.MethodGet, "/api/v1/listings/0", h.buyer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var l map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &l))
	assert.Equal(t, float64(50), l["remaining_amount"])
	assert.NotContains(t, l, "status", "only the active flag is exposed")

	w = call(t, r, http.MethodGet, "/api/v1/listings?seller="+h.seller.String(), h.buyer, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = call(t, r, http.MethodGet, "/api/v1/listings/count", h.buyer, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total_listings":1}`, w.Body.String())

	w = call(t, r, http.MethodGet, "/api/v1/market/volume", h.buyer, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total_volume":"500000000000000000"}`, w.Body.String())

	w = call(t, r, http.MethodGet, "/api/v1/market/trades.xlsx", h.buyer, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")
}

func TestHandlerErrors(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	h.verifiedCredits(t, 100)

	w := call(t, r, http.MethodPost, "/api/v1/listings", h.seller, `{"credit_type_id":0,"amount":10,"price_per_unit":"0.5"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "fractional prices are rejected")

	w = call(t, r, http.MethodPost, "/api/v1/listings", h.seller, `{"credit_type_id":0,"amount":10,"price_per_unit":"0"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "price_zero")

	w = call(t, r, http.MethodPost, "/api/v1/listings/3/buy", h.buyer, `{"amount":1,"payment":"1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = call(t, r, http.MethodPost, "/api/v1/listings/3/cancel", h.buyer, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(t, r, http.MethodGet, "/api/v1/listings/3", h.buyer, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(t, r, http.MethodPut, "/api/v1/market/fee", h.admin, `{"fee_bps":101}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "fee_too_high")

	w = call(t, r, http.MethodPut, "/api/v1/market/fee", h.seller, `{"fee_bps":50}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(t, r, http.MethodPut, "/api/v1/market/fee", h.admin, `{"fee_bps":50}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(t, r, http.MethodPut, "/api/v1/market/fee-recipient", h.admin, `{"recipient":"00000000-0000-0000-0000-000000000000"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}
