package auth

import (
	"github.com/rs/zerolog"
)

// Service handles control-API authentication
type Service struct {
	jwtManager *JWTManager
	config     Config
	logger     zerolog.Logger
}

// NewService creates the authentication service
func NewService(config Config, logger zerolog.Logger) *Service {
	return &Service{
		jwtManager: NewJWTManager(config.JWTSecret, config.TokenDuration),
		config:     config,
		logger:     logger.With().Str("component", "Auth").Logger(),
	}
}

// Enabled reports whether authentication is enforced
func (s *Service) Enabled() bool {
	return s.config.Enabled
}

// Login exchanges the operator token for a JWT
func (s *Service) Login(token string) (*TokenResponse, error) {
	if !s.config.Enabled {
		return nil, ErrAuthDisabled
	}
	if !VerifyToken(token, s.config.APITokenHash) {
		s.logger.Warn().Msg("Login rejected: invalid operator token")
		return nil, ErrInvalidCredentials
	}

	accessToken, err := s.jwtManager.GenerateToken()
	if err != nil {
		return nil, err
	}

	s.logger.Info().Msg("Operator logged in")
	return &TokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   s.jwtManager.TokenDurationSeconds(),
		TokenType:   "Bearer",
	}, nil
}

// Validate checks a bearer token
func (s *Service) Validate(tokenString string) error {
	return s.jwtManager.ValidateToken(tokenString)
}
