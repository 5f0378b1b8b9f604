package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// bearerToken extracts the token from an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "Authorization header required"
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", "Invalid Authorization header format"
	}
	return parts[1], ""
}

// JWTMiddleware verifies an HS256 token and stores its claims and subject in
// the request context. The subject is the account the request acts for.
func JWTMiddleware(jwtSecret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, problem := bearerToken(r)
			if problem != "" {
				writeJSONError(w, problem, http.StatusUnauthorized, logger)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				// Only HS256 is accepted.
				if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
					return nil, errors.New("unexpected signing method")
				}
				return jwtSecret, nil
			})
			if err != nil || !token.Valid {
				logger.Warn("JWT validation failed", "error", err)
				writeJSONError(w, "Invalid token", http.StatusUnauthorized, logger)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				logger.Warn("Failed to cast token claims")
				writeJSONError(w, "Invalid token claims", http.StatusUnauthorized, logger)
				return
			}
			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				writeJSONError(w, "Token has no subject", http.StatusUnauthorized, logger)
				return
			}

			ctx := withPrincipal(r.Context(), subject, map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
