package wallet

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet management.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes. Registration is public; it is how a
// caller obtains credentials in the first place.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.Register)
	r.GET("/wallets/:id", h.GetWallet)
}

// Register handles POST /v1/wallets
func (h *Handler) Register(c *gin.Context) {
	w, apiKey, err := h.service.Register(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "registration_failed",
			"message": "Failed to create wallet",
		})
		return
	}
	// The API key is shown exactly once; only its hash is stored.
	c.JSON(http.StatusCreated, gin.H{"wallet": w, "apiKey": apiKey})
}

// GetWallet handles GET /v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load wallet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}
