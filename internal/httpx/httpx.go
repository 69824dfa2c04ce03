// Package httpx holds the gin helpers shared by every API handler: error
// rendering, caller extraction and path parameter parsing.
package httpx

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-exchange/internal/access"
	"carbon-scribe/credit-exchange/internal/auth"
	"carbon-scribe/credit-exchange/internal/errs"
	"carbon-scribe/credit-exchange/internal/payments"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch {
	case errors.Is(err, errs.ErrReentrantCall),
		errors.Is(err, errs.ErrAlreadyVerified),
		errors.Is(err, errs.ErrNotActive),
		errors.Is(err, access.ErrRoleConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrPaymentFailed),
		errors.Is(err, errs.ErrTransferFailed),
		errors.Is(err, payments.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, errs.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrAmountZero),
		errors.Is(err, errs.ErrAmountTooLarge),
		errors.Is(err, errs.ErrPriceZero),
		errors.Is(err, errs.ErrFeeTooHigh),
		errors.Is(err, errs.ErrInvalidAddress),
		errors.Is(err, access.ErrUnknownCapability),
		errors.Is(err, payments.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotVerified),
		errors.Is(err, errs.ErrInsufficientBalance),
		errors.Is(err, errs.ErrInsufficientListed),
		errors.Is(err, errs.ErrInsufficientPayment):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func code(err error) string {
	switch {
	case errors.Is(err, access.ErrRoleConflict):
		return "role_conflict"
	case errors.Is(err, access.ErrUnknownCapability):
		return "unknown_capability"
	case errors.Is(err, payments.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, payments.ErrInvalidAmount):
		return "invalid_amount"
	}
	return errs.Code(err)
}

// Error aborts the request with the status and body for err. Internal errors
// are logged and their text is not exposed.
func Error(c *gin.Context, logger *zap.Logger, err error) {
	status := Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if logger != nil {
			logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		}
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code(err)})
}

// BadRequest aborts with a 400 for malformed input.
func BadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "bad_request"})
}

// Caller returns the authenticated principal, aborting with 401 when the
// request carries none.
func Caller(c *gin.Context) (uuid.UUID, bool) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required", Code: "unauthenticated"})
		return uuid.Nil, false
	}
	return p, true
}

// Uint64Param parses a numeric path parameter, aborting with 400 on failure.
func Uint64Param(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		BadRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

// UUIDParam parses a principal path parameter, aborting with 400 on failure.
func UUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	v, err := uuid.Parse(c.Param(name))
	if err != nil {
		BadRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return v, true
}
