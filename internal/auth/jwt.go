package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/pkg/crypto"
)

const issuer = "lorawan-sim"

var (
	// ErrDisabled is returned when no signing secret is configured.
	ErrDisabled = errors.New("auth: no JWT secret configured")
	// ErrInvalidCredentials is returned for an unknown operator or a wrong
	// password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// JWTManager issues and checks the bearer tokens of the control API
type JWTManager struct {
	config *config.JWTConfig
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// Enabled reports whether a secret is configured. The API is open when it
// is not.
func (m *JWTManager) Enabled() bool {
	return m.config != nil && m.config.Secret != ""
}

// GenerateToken signs a token for operator, valid for the configured TTL.
func (m *JWTManager) GenerateToken(operator string) (string, time.Time, error) {
	if !m.Enabled() {
		return "", time.Time{}, ErrDisabled
	}

	now := time.Now()
	expires := now.Add(m.config.TokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Operator: operator,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Login checks password against the configured hash of operator and signs
// a token on success.
func (m *JWTManager) Login(operator, password string) (string, time.Time, error) {
	if !m.Enabled() {
		return "", time.Time{}, ErrDisabled
	}
	hash, ok := m.config.Operators[operator]
	if !ok || !crypto.VerifyPassword(password, hash) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return m.GenerateToken(operator)
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
