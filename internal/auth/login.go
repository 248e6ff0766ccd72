package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// AuthConfigResponse tells the frontend which auth methods are available
// (spec §1: OIDC user login is an out-of-band collaborator concern; this
// lets a client discover whether it's configured at all).
type AuthConfigResponse struct {
	OIDCEnabled bool   `json:"oidc_enabled"`
	OIDCName    string `json:"oidc_name"`
}

// OIDCFlowHandler implements the OAuth2 Authorization Code flow that
// establishes a Loom session (spec §6's "bearer session" credential,
// minted via OIDC rather than local password login).
type OIDCFlowHandler struct {
	oauth2Cfg  *oauth2.Config
	oidcAuth   *OIDCAuthenticator
	sessionMgr *SessionManager
	store      Storage
	redis      *redis.Client
	logger     *slog.Logger
}

func NewOIDCFlowHandler(oauth2Cfg *oauth2.Config, oidcAuth *OIDCAuthenticator, sm *SessionManager, store Storage, rdb *redis.Client, logger *slog.Logger) *OIDCFlowHandler {
	return &OIDCFlowHandler{oauth2Cfg: oauth2Cfg, oidcAuth: oidcAuth, sessionMgr: sm, store: store, redis: rdb, logger: logger}
}

// HandleLogin redirects the user to the identity provider, stashing a
// random state token in Redis to be checked back on callback.
func (h *OIDCFlowHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "internal", "failed to generate state")
		return
	}
	if err := h.redis.Set(r.Context(), "oidc_state:"+state, "1", 10*time.Minute).Err(); err != nil {
		h.logger.Error("oidc: storing state in redis", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to store state")
		return
	}
	http.Redirect(w, r, h.oauth2Cfg.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback exchanges the authorization code, verifies the ID token,
// resolves or creates the corresponding user, and issues a session.
func (h *OIDCFlowHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := r.URL.Query().Get("state")
	if state == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "missing state parameter")
		return
	}
	if result, err := h.redis.GetDel(ctx, "oidc_state:"+state).Result(); err != nil || result == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "invalid or expired state")
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Warn("oidc: idp returned error", "error", errParam, "description", r.URL.Query().Get("error_description"))
		respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication failed: "+errParam)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "missing code parameter")
		return
	}

	oauth2Token, err := h.oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		h.logger.Error("oidc: code exchange failed", "error", err)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "code exchange failed")
		return
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		respondErr(w, http.StatusUnauthorized, "unauthorized", "no id_token in response")
		return
	}

	claims, err := h.oidcAuth.Authenticate(ctx, rawIDToken)
	if err != nil {
		h.logger.Error("oidc: token verification failed", "error", err)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid id_token")
		return
	}

	user, err := h.store.FindOrCreateOIDCUser(ctx, claims.Subject, claims.Email, claims.DisplayName)
	if err != nil {
		h.logger.Error("oidc: user lookup/create failed", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to resolve user")
		return
	}
	if !user.IsActive {
		respondErr(w, http.StatusForbidden, "forbidden", "account is disabled")
		return
	}

	userID := user.ID
	token, err := h.sessionMgr.IssueToken(SessionClaims{
		Subject:     user.DisplayName,
		Email:       user.Email,
		UserID:      userID.String(),
		GlobalRoles: user.GlobalRoles,
		Method:      MethodSession,
	})
	if err != nil {
		h.logger.Error("oidc: issuing session token", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}

	http.Redirect(w, r, fmt.Sprintf("%s?token=%s", h.oauth2Cfg.RedirectURL, token), http.StatusFound)
}

// HandleAuthConfig returns the available authentication methods.
func (h *OIDCFlowHandler) HandleAuthConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, AuthConfigResponse{OIDCEnabled: true, OIDCName: "Sign in with SSO"})
}

// HandleLogout is a no-op endpoint; sessions are stateless JWTs with no
// server-side revocation list, so logout is purely a client-side cookie
// clear plus this acknowledgement.
func (h *OIDCFlowHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessionMgr.ClearCookie(w)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
