package wallet

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderWalletID identifies the calling wallet on protected routes.
	HeaderWalletID = "X-Wallet-ID"
	// ContextKeyWalletID is the gin context key for the authenticated wallet.
	ContextKeyWalletID = "authWalletID"
)

// RequireAuth rejects requests without a valid wallet credential: the wallet
// ID in X-Wallet-ID and its API key as an Authorization bearer token.
func RequireAuth(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletID := c.GetHeader(HeaderWalletID)
		apiKey := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if walletID == "" || apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Wallet-ID and 'Authorization: Bearer sk_...' headers required",
			})
			return
		}
		if err := s.VerifyCredential(c.Request.Context(), walletID, apiKey); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid wallet credentials",
			})
			return
		}
		c.Set(ContextKeyWalletID, walletID)
		c.Next()
	}
}
