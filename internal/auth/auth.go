// Package auth issues and verifies the HMAC-signed bearer tokens that guard
// the API.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"blockremote/internal/config"
)

var ErrUnauthorized = errors.New("unauthorized")

type Authenticator struct {
	enabled bool
	secret  []byte
	method  jwt.SigningMethod
	ttl     time.Duration
	now     func() time.Time
}

func New(cfg config.AuthConfig) (*Authenticator, error) {
	method := jwt.GetSigningMethod(strings.ToUpper(cfg.Algorithm))
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported auth algorithm %q", cfg.Algorithm)
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		enabled: cfg.Enabled,
		secret:  []byte(cfg.Secret),
		method:  method,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

func (a *Authenticator) Enabled() bool { return a.enabled }

// Issue signs a token for subject (a device or operator id).
func (a *Authenticator) Issue(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("subject required")
	}
	if len(a.secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(a.method, claims).SignedString(a.secret)
}

// Verify returns the token subject. Every failure wraps ErrUnauthorized.
func (a *Authenticator) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{a.method.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: token verification failed", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims.Subject, nil
}

type subjectKey struct{}

func SubjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// Middleware rejects requests without a valid token with 401 before next
// runs. Browsers cannot set headers on a WebSocket upgrade, so the token may
// also arrive as the "token" query parameter.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := tokenFromRequest(r)
		if !ok {
			unauthorized(w, "Missing bearer token")
			return
		}
		subject, err := a.Verify(token)
		if err != nil {
			unauthorized(w, strings.TrimPrefix(err.Error(), ErrUnauthorized.Error()+": "))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject)))
	})
}

func tokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return "", false
		}
		return strings.TrimSpace(token), true
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, true
	}
	return "", false
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
