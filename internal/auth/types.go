package auth

import "time"

// Config holds control-API authentication configuration. The API has a
// single principal: the operator exchanges the configured token for a
// short-lived JWT.
type Config struct {
	Enabled       bool
	JWTSecret     string
	APITokenHash  string // bcrypt hash of the operator token
	TokenDuration time.Duration
}

// LoginRequest carries the operator token
type LoginRequest struct {
	Token string `json:"token" binding:"required"`
}

// TokenResponse is returned on successful login
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // Seconds
	TokenType   string `json:"token_type"` // Always "Bearer"
}

// AuthError is a coded authentication error
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid operator token"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrAuthDisabled       = AuthError{Code: "AUTH_DISABLED", Message: "authentication is not enabled"}
)
