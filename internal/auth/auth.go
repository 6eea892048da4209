// Package auth implements the single-operator login flow: a shared password
// exchanged for a 7-day HS256 bearer token, verified on every HTTP request
// and websocket handshake.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidPassword = errors.New("invalid password")
)

// Service signs and verifies operator tokens.
type Service struct {
	secret   []byte
	password string
	expiry   time.Duration
}

// NewService builds the auth helper. expiry <= 0 falls back to 7 days.
func NewService(secret, password string, expiry time.Duration) *Service {
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &Service{secret: []byte(secret), password: password, expiry: expiry}
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Login verifies the operator password and issues a token.
func (s *Service) Login(password string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) != 1 {
		return "", ErrInvalidPassword
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	})
	return token.SignedString(s.secret)
}

// Validate parses and verifies a bearer token.
func (s *Service) Validate(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || strings.TrimSpace(c.Subject) == "" {
		return ErrInvalidToken
	}
	return nil
}

// Middleware enforces a bearer token on every wrapped handler.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.Validate(strings.TrimSpace(token)) != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
