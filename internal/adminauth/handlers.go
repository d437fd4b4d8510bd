package adminauth

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the step-up flow.
type Handler struct {
	service *Service
	audit   *Auditor
}

// NewHandler creates a new step-up handler.
func NewHandler(service *Service, audit *Auditor) *Handler {
	return &Handler{service: service, audit: audit}
}

// RegisterRoutes sets up step-up routes. Callers mount these behind
// RequireKey; the step-up itself never requires a prior step-up.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/stepup/challenge", h.CreateChallenge)
	r.POST("/admin/stepup/verify", h.VerifyChallenge)
	r.POST("/admin/stepup/revoke", h.RevokeSession)
	r.GET("/admin/audit", h.ListAudit)
}

// CreateChallenge handles POST /v1/admin/stepup/challenge
func (h *Handler) CreateChallenge(c *gin.Context) {
	var req struct {
		Address string `json:"address"`
	}
	// Body is optional; an empty body mints an unbound challenge.
	_ = c.ShouldBindJSON(&req)

	ch, err := h.service.CreateChallenge(c.Request.Context(), req.Address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "challenge_failed",
			"message": "Failed to create challenge",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"challenge": ch})
}

// VerifyChallenge handles POST /v1/admin/stepup/verify
func (h *Handler) VerifyChallenge(c *gin.Context) {
	var req struct {
		ChallengeID string `json:"challengeId" binding:"required"`
		Signature   string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.VerifyChallenge(c.Request.Context(), req.ChallengeID, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrChallengeNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Challenge not found",
			})
		case errors.Is(err, ErrChallengeExpired), errors.Is(err, ErrChallengeUsed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "challenge_unusable",
				"message": err.Error(),
			})
		case errors.Is(err, ErrBadSignature), errors.Is(err, ErrAddressMismatch),
			errors.Is(err, ErrNotAllowlisted):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "stepup_denied",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "stepup_failed",
				"message": "Failed to verify challenge",
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session": result.Session,
		"token":   result.Token,
	})
}

// RevokeSession handles POST /v1/admin/stepup/revoke
func (h *Handler) RevokeSession(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId"`
		Address   string `json:"address"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.SessionID == "" && req.Address == "") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sessionId or address required",
		})
		return
	}

	if req.Address != "" {
		n, err := h.service.RevokeAllForAddress(c.Request.Context(), req.Address)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "revoke_failed",
				"message": "Failed to revoke sessions",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"revoked": n})
		return
	}

	if err := h.service.Revoke(c.Request.Context(), req.SessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "revoke_failed",
			"message": "Failed to revoke session",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": 1})
}

// ListAudit handles GET /v1/admin/audit
func (h *Handler) ListAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.audit.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to list audit entries",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
