package contracts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentspay/agentspay/internal/validation"
)

// Handler provides HTTP endpoints for service contracts.
type Handler struct {
	service *Service
}

// NewHandler creates a new contracts handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) contract routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/contracts/:id", h.GetContract)
	r.GET("/contracts/:id/verify", h.VerifyContract)
}

// RegisterProtectedRoutes sets up auth-required contract routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
}

// CreateContract handles POST /v1/contracts
func (h *Handler) CreateContract(c *gin.Context) {
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
		validation.MaxLength("terms", req.Terms, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	contract, err := h.service.CreateAndAnchor(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrBadSignature):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_signature",
				"message": err.Error(),
			})
		case errors.Is(err, ErrInvalidTerms):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_terms",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "contract_failed",
				"message": "Failed to create contract",
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrContractNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Contract not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load contract",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// VerifyContract handles GET /v1/contracts/:id/verify
func (h *Handler) VerifyContract(c *gin.Context) {
	result, err := h.service.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrContractNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Contract not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "verify_failed",
			"message": "Failed to verify contract",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": result})
}
