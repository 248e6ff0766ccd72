package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCClaims are the JWT claims extracted from a verified ID token.
type OIDCClaims struct {
	Subject     string `json:"sub"`
	Email       string `json:"email"`
	DisplayName string `json:"name"`
}

// OIDCAuthenticator validates OIDC ID tokens and extracts claims.
type OIDCAuthenticator struct {
	Verifier *oidc.IDTokenVerifier
}

// NewOIDCAuthenticator performs OIDC discovery against the issuer URL.
func NewOIDCAuthenticator(ctx context.Context, issuerURL, clientID string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}
	return &OIDCAuthenticator{Verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// Authenticate validates a raw ID token (optionally "Bearer "-prefixed) and
// returns the claims it carries.
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, rawIDToken string) (*OIDCClaims, error) {
	token := strings.TrimPrefix(rawIDToken, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("empty id token")
	}

	idToken, err := a.Verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extracting claims: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("id token missing sub claim")
	}
	if claims.DisplayName == "" {
		claims.DisplayName = claims.Email
	}
	return &claims, nil
}
