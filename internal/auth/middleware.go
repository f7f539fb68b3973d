package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware enforces JWT authentication on mutating control routes.
// When authentication is disabled it passes every request through.
func Middleware(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !service.Enabled() {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "invalid authorization header format",
			})
			return
		}

		if err := service.Validate(parts[1]); err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   authErr.Code,
				"message": authErr.Message,
			})
			return
		}

		c.Next()
	}
}

// LoginHandler exchanges the operator token for a JWT
// POST /api/auth/login
func LoginHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "VALIDATION_ERROR",
				"message": err.Error(),
			})
			return
		}

		resp, err := service.Login(req.Token)
		if err != nil {
			if authErr, ok := err.(AuthError); ok {
				status := http.StatusUnauthorized
				if authErr.Code == ErrAuthDisabled.Code {
					status = http.StatusNotFound
				}
				c.JSON(status, gin.H{
					"error":   authErr.Code,
					"message": authErr.Message,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "INTERNAL_ERROR",
				"message": "failed to issue token",
			})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}
