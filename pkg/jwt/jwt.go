package jwt

import (
	"errors"
	"time"

	"transport-backend/internal/config"
	"transport-backend/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer        = "transport-request-portal"
	devSecret     = "development-secret-change-me"
	refreshWindow = time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

type JWTUtil struct {
	secretKey []byte
	expiry    time.Duration
	now       func() time.Time
}

type Claims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	DriverID string `json:"driver_id,omitempty"`
	jwt.RegisteredClaims
}

// Caller converts the claims into the identity used by services.
func (c *Claims) Caller() models.Caller {
	return models.Caller{
		UserID:   c.UserID,
		Email:    c.Email,
		Role:     models.Role(c.Role),
		DriverID: c.DriverID,
	}
}

// NewJWTUtil builds a signer from config. An empty secret is only accepted
// by config validation in development.
func NewJWTUtil(cfg config.JWTConfig) *JWTUtil {
	secret := cfg.Secret
	if secret == "" {
		secret = devSecret
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWTUtil{
		secretKey: []byte(secret),
		expiry:    expiry,
		now:       time.Now,
	}
}

func (j *JWTUtil) GenerateToken(caller models.Caller) (string, error) {
	now := j.now()
	claims := &Claims{
		UserID:   caller.UserID,
		Email:    caller.Email,
		Role:     string(caller.Role),
		DriverID: caller.DriverID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   caller.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

func (j *JWTUtil) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// RefreshToken reissues a token that expires within the next hour.
func (j *JWTUtil) RefreshToken(tokenString string) (string, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	if claims.ExpiresAt.Time.Sub(j.now()) > refreshWindow {
		return tokenString, nil
	}
	return j.GenerateToken(claims.Caller())
}
