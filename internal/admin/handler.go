// Package admin exposes role administration, the pause switch and native
// wallet funding over HTTP.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carbon-scribe/credit-exchange/internal/access"
	"carbon-scribe/credit-exchange/internal/errs"
	"carbon-scribe/credit-exchange/internal/httpx"
	"carbon-scribe/credit-exchange/internal/payments"
)

type RoleRequest struct {
	Principal  uuid.UUID         `json:"principal"`
	Capability access.Capability `json:"capability" binding:"required"`
}

type DepositRequest struct {
	Owner  uuid.UUID       `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
}

type Handler struct {
	roles   *access.RoleStore
	pause   *access.PauseSwitch
	wallets *payments.WalletRail
	logger  *zap.Logger
}

func NewHandler(roles *access.RoleStore, pause *access.PauseSwitch, wallets *payments.WalletRail, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{roles: roles, pause: pause, wallets: wallets, logger: logger}
}

// RegisterRoutes registers admin and wallet routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	admin := router.Group("/admin")
	{
		admin.POST("/roles", h.grant)
		admin.DELETE("/roles", h.revoke)
		admin.GET("/roles/:principal", h.listRoles)
		admin.GET("/pause", h.pauseStatus)
		admin.POST("/pause", h.setPause(true))
		admin.POST("/unpause", h.setPause(false))
	}

	wallets := router.Group("/wallets")
	{
		wallets.POST("/deposit", h.deposit)
		wallets.GET("/:owner", h.balance)
	}
}

func (h *Handler) grant(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	if err := h.roles.Grant(c.Request.Context(), caller, req.Principal, req.Capability); err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": req.Principal, "capability": req.Capability, "granted": true})
}

func (h *Handler) revoke(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	if err := h.roles.Revoke(c.Request.Context(), caller, req.Principal, req.Capability); err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": req.Principal, "capability": req.Capability, "granted": false})
}

func (h *Handler) listRoles(c *gin.Context) {
	principal, ok := httpx.UUIDParam(c, "principal")
	if !ok {
		return
	}
	caps, err := h.roles.Roles(c.Request.Context(), principal)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": principal, "capabilities": caps})
}

func (h *Handler) pauseStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"paused": h.pause.Paused(c.Request.Context())})
}

func (h *Handler) setPause(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := httpx.Caller(c)
		if !ok {
			return
		}
		var err error
		if paused {
			err = h.pause.Pause(c.Request.Context(), caller)
		} else {
			err = h.pause.Unpause(c.Request.Context(), caller)
		}
		if err != nil {
			httpx.Error(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"paused": paused})
	}
}

// deposit funds a wallet from outside the system. Admin only.
func (h *Handler) deposit(c *gin.Context) {
	caller, ok := httpx.Caller(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if !h.roles.Has(ctx, caller, access.CapabilityAdmin) {
		httpx.Error(c, h.logger, errs.ErrUnauthorized)
		return
	}
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	if err := h.wallets.Deposit(ctx, req.Owner, req.Amount); err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	balance, err := h.wallets.BalanceOf(ctx, req.Owner)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	h.logger.Info("Wallet funded",
		zap.String("owner", req.Owner.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("admin", caller.String()))
	c.JSON(http.StatusOK, gin.H{"owner": req.Owner, "balance": balance})
}

func (h *Handler) balance(c *gin.Context) {
	owner, ok := httpx.UUIDParam(c, "owner")
	if !ok {
		return
	}
	balance, err := h.wallets.BalanceOf(c.Request.Context(), owner)
	if err != nil {
		httpx.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "balance": balance})
}
