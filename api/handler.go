package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"sales_engine/internal/idempotency"
	"sales_engine/internal/sales"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RequesterHeader carries the id of the user acting on a sale.
const RequesterHeader = "X-User-ID"

// guardTimeout bounds the Redis calls that settle an idempotency key.
const guardTimeout = 2 * time.Second

// salesHandler holds the sales service and implements HTTP handlers for sales operations.
type salesHandler struct {
	salesService *sales.Service
	guard        *idempotency.Guard
	logger       *zap.Logger
}

// NewSalesHandler creates a new sales handler. guard may be nil, in which
// case Idempotency-Key headers are ignored.
func NewSalesHandler(salesService *sales.Service, guard *idempotency.Guard, logger *zap.Logger) *salesHandler {
	return &salesHandler{
		salesService: salesService,
		guard:        guard,
		logger:       logger,
	}
}

// handleCheckout handles POST /users/:userID/checkout.
func (h *salesHandler) handleCheckout(ctx *gin.Context) {
	userID := ctx.Param("userID")
	key := idempotency.Key(ctx.Request)
	scope := "checkout:" + userID

	if key != "" && h.guard != nil {
		recorded, err := h.guard.Reserve(ctx.Request.Context(), scope, key)
		switch {
		case errors.Is(err, idempotency.ErrInProgress):
			ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			h.logger.Error("idempotency guard unavailable", zap.String("user_id", userID), zap.Error(err))
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "idempotency store unavailable", "retryable": true})
			return
		case recorded != nil:
			ctx.Data(recorded.Status, "application/json; charset=utf-8", recorded.Body)
			return
		}
	}

	result, err := h.salesService.Checkout(ctx.Request.Context(), userID)
	if err != nil {
		if key != "" && h.guard != nil {
			settleCtx, cancel := settleContext(ctx)
			if relErr := h.guard.Release(settleCtx, scope, key); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(relErr))
			}
			cancel()
		}
		h.writeError(ctx, err)
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("failed to encode checkout result", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if key != "" && h.guard != nil {
		resp := idempotency.Response{Status: http.StatusCreated, Body: body}
		settleCtx, cancel := settleContext(ctx)
		if err := h.guard.Complete(settleCtx, scope, key, resp); err != nil {
			h.logger.Warn("failed to record idempotent response", zap.String("key", key), zap.Error(err))
		}
		cancel()
	}
	ctx.Data(http.StatusCreated, "application/json; charset=utf-8", body)
}

// settleContext outlives the request, so a client that hangs up mid-checkout
// does not leave its idempotency key pending.
func settleContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx.Request.Context()), guardTimeout)
}

func (h *salesHandler) handleListSales(ctx *gin.Context) {
	limit, offset, ok := h.page(ctx)
	if !ok {
		return
	}

	results, metadata, err := h.salesService.ListSalesByUser(ctx.Request.Context(), ctx.Param("userID"), limit, offset)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"results": results, "metadata": metadata})
}

func (h *salesHandler) handleListInvoices(ctx *gin.Context) {
	limit, offset, ok := h.page(ctx)
	if !ok {
		return
	}

	results, err := h.salesService.ListInvoicesByUser(ctx.Request.Context(), ctx.Param("userID"), limit, offset)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *salesHandler) handleGetSale(ctx *gin.Context) {
	id, ok := h.id(ctx)
	if !ok {
		return
	}

	sale, err := h.salesService.GetSale(ctx.Request.Context(), id)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, sale)
}

// handleCancelSale handles POST /sales/:id/cancel. The requester comes from
// the X-User-ID header set by the authenticating proxy.
func (h *salesHandler) handleCancelSale(ctx *gin.Context) {
	id, ok := h.id(ctx)
	if !ok {
		return
	}
	requester := ctx.GetHeader(RequesterHeader)
	if requester == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "missing " + RequesterHeader + " header"})
		return
	}

	sale, err := h.salesService.CancelSale(ctx.Request.Context(), id, requester)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, sale)
}

func (h *salesHandler) handleIssueInvoice(ctx *gin.Context) {
	id, ok := h.id(ctx)
	if !ok {
		return
	}

	inv, err := h.salesService.IssueInvoice(ctx.Request.Context(), id)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, inv)
}

func (h *salesHandler) handleGetInvoice(ctx *gin.Context) {
	id, ok := h.id(ctx)
	if !ok {
		return
	}

	inv, err := h.salesService.GetInvoice(ctx.Request.Context(), id)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, inv)
}

func (h *salesHandler) handlePayInvoice(ctx *gin.Context) {
	id, ok := h.id(ctx)
	if !ok {
		return
	}

	inv, err := h.salesService.MarkInvoicePaid(ctx.Request.Context(), id)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, inv)
}

func (h *salesHandler) handleVoidInvoice(ctx *gin.Context) {
	id, ok := h.id(ctx)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	// El body es opcional: sin body se anula sin motivo.
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			h.logger.Warn("failed to bind JSON request", zap.Error(err))
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
	}

	inv, err := h.salesService.VoidInvoice(ctx.Request.Context(), id, req.Reason)
	if err != nil {
		h.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, inv)
}

func (h *salesHandler) id(ctx *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil || id == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *salesHandler) page(ctx *gin.Context) (int, int, bool) {
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "0"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, 0, false
	}
	offset, err := strconv.Atoi(ctx.DefaultQuery("offset", "0"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return 0, 0, false
	}
	return limit, offset, true
}

// writeError maps engine errors to status codes. Conflicts carry the detail a
// client needs to act: the short products or the blocking status.
func (h *salesHandler) writeError(ctx *gin.Context, err error) {
	var (
		shortage *sales.InsufficientStockError
		stateErr *sales.InvalidStateError
	)
	switch {
	case errors.As(err, &shortage):
		ctx.JSON(http.StatusConflict, gin.H{"error": "insufficient stock", "shortfalls": shortage.Shortfalls})
		return
	case errors.As(err, &stateErr):
		ctx.JSON(http.StatusConflict, gin.H{"error": stateErr.Error(), "current_status": stateErr.Current})
		return
	}

	switch sales.KindOf(err) {
	case sales.KindValidation:
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case sales.KindForbidden:
		ctx.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case sales.KindNotFound:
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case sales.KindConflict:
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case sales.KindInfrastructure:
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable", "retryable": true})
	default:
		h.logger.Error("unexpected engine error", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
