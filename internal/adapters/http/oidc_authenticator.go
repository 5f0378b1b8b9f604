package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
)

// tokenVerifier is satisfied by *oidc.IDTokenVerifier.
type tokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCAuthenticator stores the token verifier.
type OIDCAuthenticator struct {
	verifier tokenVerifier
	logger   *slog.Logger
}

// NewOIDCAuthenticator connects to the OIDC provider (Keycloak) and creates an authenticator.
func NewOIDCAuthenticator(ctx context.Context, providerURL, clientID string, logger *slog.Logger) (*OIDCAuthenticator, error) {
	if providerURL == "" || clientID == "" {
		return nil, fmt.Errorf("OIDC URL and ClientID cannot be empty")
	}

	provider, err := oidc.NewProvider(ctx, providerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
	return &OIDCAuthenticator{verifier: verifier, logger: logger}, nil
}

// Middleware verifies the ID token and stores its subject as the account id.
func (a *OIDCAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawToken, problem := bearerToken(r)
		if problem != "" {
			writeJSONError(w, problem, http.StatusUnauthorized, a.logger)
			return
		}

		// Verifying the token
		idToken, err := a.verifier.Verify(r.Context(), rawToken)
		if err != nil {
			a.logger.Warn("OIDC token verification failed", "error", err)
			writeJSONError(w, "Invalid token", http.StatusUnauthorized, a.logger)
			return
		}
		if idToken.Subject == "" {
			writeJSONError(w, "Token has no subject", http.StatusUnauthorized, a.logger)
			return
		}

		// Extracting claims (data) from the token
		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			a.logger.Error("failed to extract OIDC claims", "error", err)
			writeJSONError(w, "Failed to extract claims", http.StatusInternalServerError, a.logger)
			return
		}

		ctx := withPrincipal(r.Context(), idToken.Subject, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
