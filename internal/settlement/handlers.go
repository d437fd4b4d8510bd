package settlement

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentspay/agentspay/internal/validation"
)

// Handler provides HTTP endpoints for payment settlement.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/payments/:id/quorum", h.GetQuorum)
	r.GET("/wallets/:id/payments", h.ListPayments)
}

// RegisterProtectedRoutes sets up auth-required payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.POST("/payments/:id/escrowed", h.MarkEscrowed)
	r.POST("/payments/:id/approvals", h.SubmitApproval)
	r.POST("/payments/:id/release", h.Release)
	r.POST("/payments/:id/refund", h.Refund)
	r.POST("/payments/:id/consume", h.BindConsumption)
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyerAddr", req.BuyerAddr),
		validation.ValidAddress("sellerAddr", req.SellerAddr),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p, err := h.service.CreateForExecution(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidMode) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "payment_failed",
			"message": "Failed to create payment",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load payment",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListPayments handles GET /v1/wallets/:id/payments
func (h *Handler) ListPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	payments, err := h.service.ListByWallet(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to list payments",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// MarkEscrowed handles POST /v1/payments/:id/escrowed
func (h *Handler) MarkEscrowed(c *gin.Context) {
	var req struct {
		EscrowTxID string `json:"escrowTxId" binding:"required"`
		ScriptHex  string `json:"scriptHex"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidTxID(req.EscrowTxID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "escrowTxId must be a 64-char hex transaction id",
		})
		return
	}

	p, err := h.service.MarkEscrowed(c.Request.Context(), c.Param("id"), req.EscrowTxID, req.ScriptHex)
	if err != nil {
		h.settleError(c, err)
		return
	}
	if p == nil {
		c.JSON(http.StatusOK, gin.H{"payment": nil, "applied": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p, "applied": true})
}

// SubmitApproval handles POST /v1/payments/:id/approvals
func (h *Handler) SubmitApproval(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	a, err := h.service.RecordApproval(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
		case errors.Is(err, ErrActorNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
		case errors.Is(err, ErrBadApprovalSignature):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_signature",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "approval_failed",
				"message": "Failed to record approval",
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"approval": a})
}

// GetQuorum handles GET /v1/payments/:id/quorum?action=release
func (h *Handler) GetQuorum(c *gin.Context) {
	action := Action(c.DefaultQuery("action", string(ActionRelease)))
	q, err := h.service.Quorum(c.Request.Context(), c.Param("id"), action)
	if err != nil {
		h.settleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quorum": q})
}

// Release handles POST /v1/payments/:id/release
func (h *Handler) Release(c *gin.Context) {
	h.settle(c, h.service.Release)
}

// Refund handles POST /v1/payments/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	h.settle(c, h.service.Refund)
}

func (h *Handler) settle(c *gin.Context, op func(ctx context.Context, id string) (*Payment, error)) {
	p, err := op(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.settleError(c, err)
		return
	}
	if p == nil {
		// Not escrowed: already settled or never funded. Retry-safe no-op.
		c.JSON(http.StatusOK, gin.H{"payment": nil, "applied": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p, "applied": true})
}

// BindConsumption handles POST /v1/payments/:id/consume
func (h *Handler) BindConsumption(c *gin.Context) {
	var req struct {
		JobID string `json:"jobId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	winner, err := h.service.BindConsumption(c.Request.Context(), c.Param("id"), req.JobID)
	if err != nil {
		h.settleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consumedJobId": winner, "bound": winner == req.JobID})
}

func (h *Handler) settleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment not found",
		})
	case errors.Is(err, ErrQuorumNotMet):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "quorum_not_met",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotEscrowed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "settlement_failed",
			"message": "Settlement operation failed",
		})
	}
}
