package disputes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentspay/agentspay/internal/settlement"
	"github.com/agentspay/agentspay/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new disputes handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/payments/:id/dispute", h.GetByPayment)
}

// RegisterProtectedRoutes sets up auth-required dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.POST("/disputes/:id/review", h.MarkUnderReview)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyerAddr", req.BuyerAddr),
		validation.MaxLength("reason", req.Reason, MaxReasonLength),
		validation.MaxLength("evidence", req.Evidence, MaxEvidenceLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
		case errors.Is(err, ErrNotBuyer):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
		case errors.Is(err, ErrAlreadyDisputed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_disputed",
				"message": err.Error(),
			})
		case errors.Is(err, settlement.ErrNotEscrowed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": "Disputes can only be opened while funds are escrowed",
			})
		case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrReasonTooLong),
			errors.Is(err, ErrEvidenceTooLong):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_reason",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "dispute_failed",
				"message": "Failed to open dispute",
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GetByPayment handles GET /v1/payments/:id/dispute
func (h *Handler) GetByPayment(c *gin.Context) {
	d, err := h.service.GetByPaymentID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// MarkUnderReview handles POST /v1/disputes/:id/review
func (h *Handler) MarkUnderReview(c *gin.Context) {
	d, err := h.service.MarkUnderReview(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrDisputeNotFound):
			h.lookupError(c, err)
		case errors.Is(err, ErrNotOpen):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "review_failed",
				"message": "Failed to mark dispute under review",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrDisputeNotFound):
			h.lookupError(c, err)
		case errors.Is(err, ErrSplitNotImplemented):
			c.JSON(http.StatusNotImplemented, gin.H{
				"error":   "split_not_implemented",
				"message": err.Error(),
			})
		case errors.Is(err, ErrNotOpen):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		case errors.Is(err, settlement.ErrActorNotAuthorized),
			errors.Is(err, settlement.ErrBadApprovalSignature):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
		case errors.Is(err, settlement.ErrQuorumNotMet):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "quorum_not_met",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "resolve_failed",
				"message": "Failed to resolve dispute",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) lookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrDisputeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "lookup_failed",
		"message": "Failed to load dispute",
	})
}
