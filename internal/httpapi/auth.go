package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// workerClaims identifies the worker a bearer token was minted for.
type workerClaims struct {
	WorkerID string `json:"worker_id"`
	jwt.RegisteredClaims
}

// tokenService mints and verifies short-lived worker bearer tokens.
// There is no refresh-token concept; an expired worker simply
// re-registers.
type tokenService struct {
	secretKey []byte
	expiry    time.Duration
}

var (
	errMissingToken = errors.New("missing authorization token")
	errInvalidToken = errors.New("invalid or expired token")
)

func newTokenService(signingKey string, expiry time.Duration) *tokenService {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &tokenService{secretKey: []byte(signingKey), expiry: expiry}
}

func (s *tokenService) issue(workerID string) (string, error) {
	now := time.Now()
	claims := &workerClaims{
		WorkerID: workerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   workerID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
}

func (s *tokenService) verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &workerClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return s.secretKey, nil
	})
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	claims, ok := token.Claims.(*workerClaims)
	if !ok {
		return "", errInvalidToken
	}
	return claims.WorkerID, nil
}

type contextKey string

const workerIDContextKey contextKey = "worker_id"

// requireWorkerAuth is chi middleware authenticating worker-to-
// orchestrator requests with the bearer token minted at registration.
// Read-only and review endpoints remain unauthenticated.
func (s *Server) requireWorkerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, errMissingToken.Error())
			return
		}
		workerID, err := s.tokens.verify(strings.TrimPrefix(header, prefix))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), workerIDContextKey, workerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
