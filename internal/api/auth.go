package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthSettings configures API authentication: HTTP Basic against a bcrypt
// hash, bearer tokens against the JWT secret, or both. All fields empty
// disables authentication entirely (local development only).
type AuthSettings struct {
	Username       string
	PasswordBcrypt string
	JWTSecret      []byte
	TokenTTL       time.Duration
}

func (a AuthSettings) configured() bool {
	return a.Username != "" || len(a.JWTSecret) > 0
}

type ctxKey int

const principalKey ctxKey = iota

// Principal returns the authenticated caller stored in the request
// context, or "" when authentication is disabled.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey).(string)
	return p
}

// jwtClaims carries the caller identity alongside the registered set.
type jwtClaims struct {
	Caller string `json:"caller"`
	jwt.RegisteredClaims
}

// GenerateToken mints an HS256 bearer token naming caller.
func GenerateToken(secret []byte, caller string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now()
	claims := jwtClaims{
		Caller: caller,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller,
			Issuer:    "opsgate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken checks signature and expiry and returns the caller the
// token names.
func ValidateToken(tokenStr string, secret []byte) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims.Caller != "" {
		return claims.Caller, nil
	}
	return claims.Subject, nil
}

// authMiddleware authenticates every request except the health check and
// the websocket terminal, which carries its token in the query string
// because browsers cannot set headers on websocket upgrades.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.URL.Path == "/api/chat/ws" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.auth.configured() {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := s.authenticate(r)
		if err != nil {
			s.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Basic realm="opsgate"`)
			s.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if user, pass, ok := r.BasicAuth(); ok {
		return s.checkBasic(user, pass)
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if len(s.auth.JWTSecret) == 0 {
			return "", fmt.Errorf("bearer auth not configured")
		}
		return ValidateToken(token, s.auth.JWTSecret)
	}
	return "", fmt.Errorf("missing credentials")
}

// checkBasic compares the username in constant time and the password
// against the stored bcrypt hash.
func (s *Server) checkBasic(user, pass string) (string, error) {
	if s.auth.Username == "" {
		return "", fmt.Errorf("basic auth not configured")
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.auth.Username)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(s.auth.PasswordBcrypt), []byte(pass))
	if !userOK || passErr != nil {
		return "", fmt.Errorf("bad credentials")
	}
	return user, nil
}
