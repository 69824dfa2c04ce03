package credits

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/credit-exchange/internal/httpx"
)

// Handler exposes the ledger over HTTP.
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

// RegisterRoutes registers ledger routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	credits := router.Group("/credits")
	{
		credits.POST("", h.mint)
		credits.GET("", h.list)
		credits.GET("/:id", h.getInfo)
		credits.GET("/:id/verified", h.isVerified)
		credits.GET("/:id/supply", h.supply)
		credits.GET("/:id/holders", h.holders)
		credits.POST("/:id/verify", h.verify)
		credits.POST("/:id/retire", h.retire)
		credits.POST("/:id/transfer", h.transfer)
		credits.GET("/:id/balances/:holder", h.balance)
	}

	retirements := router.Group("/retirements")
	{
		retirements.GET("", h.myRetirements)
		retirements.GET("/:id", h.getRetirement)
		retirements.GET("/:id/certificate", h.certificate)
	}
}

// mint handles POST /api/v1/credits
func (h *Handler) mint(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	id, err := h.service.Mint(c.Request.Context(), caller, req)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"credit_type_id": id})
}

// list handles GET /api/v1/credits?category=
func (h *Handler) list(c *gin.Context) {
	out, err := h.service.ListCreditTypes(c.Request.Context(), c.Query("category"))
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credit_types": out, "count": len(out)})
}

func (h *Handler) getInfo(c *gin.Context) {
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	ct, err := h.service.GetInfo(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ct)
}

func (h *Handler) isVerified(c *gin.Context) {
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	verified, err := h.service.IsVerified(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credit_type_id": id, "verified": verified})
}

func (h *Handler) supply(c *gin.Context) {
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	ct, err := h.service.GetInfo(ctx, id)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	retired, err := h.service.TotalRetired(ctx, id)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, Supply{
		TotalSupply: ct.TotalSupply,
		Retired:     retired,
		Circulating: ct.TotalSupply - retired,
	})
}

func (h *Handler) holders(c *gin.Context) {
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	out, err := h.service.Holders(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holders": out})
}

// verify handles POST /api/v1/credits/:id/verify
func (h *Handler) verify(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	if err := h.service.Verify(c.Request.Context(), caller, id); err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credit_type_id": id, "verified": true})
}

// retire handles POST /api/v1/credits/:id/retire
func (h *Handler) retire(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	var req RetireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	ret, err := h.service.Retire(c.Request.Context(), caller, id, req)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, ret)
}

// transfer handles POST /api/v1/credits/:id/transfer
func (h *Handler) transfer(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	if err := h.service.Transfer(c.Request.Context(), caller, req.To, id, req.Amount); err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credit_type_id": id, "to": req.To, "amount": req.Amount})
}

func (h *Handler) balance(c *gin.Context) {
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	holder, ok := httpx.UUIDParam(c, "holder")
	if !ok {
		return
	}
	amount, err := h.service.BalanceOf(c.Request.Context(), holder, id)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credit_type_id": id, "holder": holder, "balance": amount})
}

// myRetirements handles GET /api/v1/retirements
func (h *Handler) myRetirements(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	out, err := h.service.RetirementsByHolder(c.Request.Context(), caller)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retirements": out})
}

func (h *Handler) getRetirement(c *gin.Context) {
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	ret, err := h.service.GetRetirement(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ret)
}

// certificate handles GET /api/v1/retirements/:id/certificate
func (h *Handler) certificate(c *gin.Context) {
	id, ok := httpx.Uint64Param(c, "id")
	if !ok {
		return
	}
	doc, err := h.service.Certificate(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=retirement-"+strconv.FormatUint(id, 10)+".pdf")
	c.Data(http.StatusOK, "application/pdf", doc)
}
