package marketplace

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-exchange/internal/httpx"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handler exposes listings and market administration over HTTP.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers listing and market routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	listings := router.Group("/listings")
	{
		listings.POST("", h.createListing)
		listings.GET("", h.listListings)
		listings.GET("/count", h.countListings)
		listings.GET("/:id", h.getListing)
		listings.POST("/:id/buy", h.buy)
		listings.POST("/:id/cancel", h.cancel)
		listings.GET("/:id/purchases", h.purchases)
	}

	market := router.Group("/market")
	{
		market.GET("/stats", h.stats)
		market.GET("/volume", h.volume)
		market.GET("/fee", h.fee)
		market.PUT("/fee", h.updateFee)
		market.PUT("/fee-recipient", h.updateFeeRecipient)
		market.GET("/trades.xlsx", h.exportTrades)
	}
}

// createListing handles POST /api/v1/listings
func (h *Handler) createListing(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	if !req.PricePerUnit.IsInteger() {
		httpx.BadRequest(c, "price_per_unit must be a whole number of base units")
		return
	}
	id, err := h.service.CreateListing(c.Request.Context(), caller, req)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing_id": id})
}

// listListings handles GET /api/v1/listings?seller=&credit_type_id=
// Without a seller it returns the active order book.
func (h *Handler) listListings(c *gin.Context) {
	ctx := c.Request.Context()
	if raw := c.Query("seller"); raw != "" {
		seller, err := uuid.Parse(raw)
		if err != nil {
			httpx.BadRequest(c, "invalid seller")
			return
		}
		out, err := h.service.GetListingsBySeller(ctx, seller)
		if err != nil {
			httpx.Error(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"listings": out, "count": len(out)})
		return
	}

	var creditTypeID *uint64
	if c.Query("credit_type_id") != "" {
		var filter struct {
			CreditTypeID uint64 `form:"credit_type_id"`
		}
		if err := c.ShouldBindQuery(&filter); err != nil {
			httpx.BadRequest(c, "invalid credit_type_id")
			return
		}
		creditTypeID = &filter.CreditTypeID
	}
	out, err := h.service.ActiveListings(ctx, creditTypeID)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": out, "count": len(out)})
}

func (h *Handler) countListings(c *gin.Context) {
	n, err := h.service.GetTotalListings(c.Request.Context())
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_listings": n})
}

func (h *Handler) getListing(c *gin.Context) {
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	l, err := h.service.GetListing(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// buy handles POST /api/v1/listings/:id/buy
func (h *Handler) buy(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	var req BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	if !req.Payment.IsInteger() || req.Payment.IsNegative() {
		httpx.BadRequest(c, "payment must be a non-negative whole number of base units")
		return
	}
	receipt, err := h.service.BuyCredits(c.Request.Context(), caller, id, req)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// cancel handles POST /api/v1/listings/:id/cancel
func (h *Handler) cancel(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	if err := h.service.CancelListing(c.Request.Context(), caller, id); err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing_id": id, "active": false})
}

func (h *Handler) purchases(c *gin.Context) {
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	out, err := h.service.GetPurchases(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchases": out})
}

func (h *Handler) stats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context())
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) volume(c *gin.Context) {
	v, err := h.service.TotalVolumeTraded(c.Request.Context())
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_volume": v})
}

func (h *Handler) fee(c *gin.Context) {
	bps, recipient, err := h.service.CurrentFee(c.Request.Context())
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fee_bps": bps, "fee_denominator": FeeDenominator, "fee_recipient": recipient})
}

// updateFee handles PUT /api/v1/market/fee
func (h *Handler) updateFee(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	var req FeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	if err := h.service.UpdateProtocolFee(c.Request.Context(), caller, req.FeeBps); err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fee_bps": req.FeeBps})
}

// updateFeeRecipient handles PUT /api/v1/market/fee-recipient
func (h *Handler) updateFeeRecipient(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	var req FeeRecipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	if err := h.service.UpdateFeeRecipient(c.Request.Context(), caller, req.Recipient); err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fee_recipient": req.Recipient})
}

// exportTrades handles GET /api/v1/market/trades.xlsx
func (h *Handler) exportTrades(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.service.ExportTrades(c.Request.Context(), &buf); err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=trades.xlsx")
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
