// ABOUTME: HTTP middleware for bearer JWT authentication on operator and protected routes
// ABOUTME: Extracts the JWT from the Authorization header and adds the operator to context

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func sendUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="fleet-gateway"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Middleware rejects requests without a valid operator token with 401 and
// attaches the operator to the request context otherwise.
func Middleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				sendUnauthorized(w, errMsg)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected operator token", "path", r.URL.Path, "error", err)
				if errors.Is(err, ErrExpiredToken) {
					sendUnauthorized(w, "token expired")
					return
				}
				sendUnauthorized(w, "invalid token")
				return
			}

			ctx := WithOperator(r.Context(), &Operator{Subject: subject})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Optional returns middleware when verifier is non-nil and a pass-through otherwise.
// Used for the status surface, which is open when no jwt_secret is configured.
func Optional(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if verifier == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return Middleware(verifier, logger)
}
