package services

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phonginreallife/opsbridge/internal/config"
)

// OperatorClaims are the claims carried by an interactive caller's bearer token
type OperatorClaims struct {
	Email   string `json:"email,omitempty"`
	Role    string `json:"role,omitempty"`
	HotelID string `json:"hotel_id,omitempty"`
	jwt.RegisteredClaims
}

// IdentityService validates HS256 bearer tokens minted by the identity provider
type IdentityService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewIdentityService(cfg config.AuthConfig) *IdentityService {
	return &IdentityService{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

// IsConfigured reports whether bearer tokens can be validated at all
func (s *IdentityService) IsConfigured() bool {
	return s != nil && len(s.secret) > 0
}

// ValidateToken checks signature, expiry and (when configured) issuer
func (s *IdentityService) ValidateToken(tokenString string) (*OperatorClaims, error) {
	if !s.IsConfigured() {
		return nil, authError("bearer authentication is not enabled")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, authError("token has expired")
		}
		return nil, authError("invalid token")
	}
	if !token.Valid || claims.Subject == "" {
		return nil, authError("invalid token claims")
	}
	return claims, nil
}

// ExtractTokenFromHeader extracts token from Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", authError("authorization header is required")
	}

	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", authError("invalid authorization header format")
	}
	return parts[1], nil
}
