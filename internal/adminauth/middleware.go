package adminauth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderAdminKey carries the rotating static admin key.
	HeaderAdminKey = "X-Admin-Key"
	// HeaderWalletToken carries a step-up session token.
	HeaderWalletToken = "X-Admin-Wallet-Token"
	// ContextKeyAdminAddr is the gin context key for the stepped-up wallet.
	ContextKeyAdminAddr = "adminWalletAddr"
)

// RequireKey rejects requests whose X-Admin-Key does not match a configured
// key generation.
func RequireKey(kc *KeyChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !kc.Check(c.GetHeader(HeaderAdminKey)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid X-Admin-Key header required",
			})
			return
		}
		c.Next()
	}
}

// RequireWalletStepUp rejects requests without a live step-up session and
// stores the session's wallet address in the context. When enforce is false
// the middleware is a pass-through, for environments without wallet step-up.
func RequireWalletStepUp(s *Service, enforce bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enforce {
			c.Next()
			return
		}
		token := c.GetHeader(HeaderWalletToken)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "stepup_required",
				"message": "X-Admin-Wallet-Token header required for this operation",
			})
			return
		}
		session, err := s.ValidateSession(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "stepup_invalid",
				"message": "Step-up session is missing, expired, or revoked",
			})
			return
		}
		c.Set(ContextKeyAdminAddr, session.Address)
		c.Next()
	}
}
