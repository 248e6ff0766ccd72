package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Middleware returns an HTTP middleware that authenticates the caller via
// session cookie, session bearer token, API key, or dev header and stores
// the resulting Identity in the request context.
//
// Authentication precedence (spec §6: "bearer session / API key"):
//  0. loom_session cookie        →  session JWT, with silent refresh
//  1. Authorization: Bearer <jwt> →  session JWT (HMAC)
//  2. X-API-Key: <raw-key>        →  API key hash lookup
//  3. X-Dev-User: <uuid>          →  development-only fallback, disabled
//     unless devMode is true
//
// If none succeed, the request is rejected with 401.
func Middleware(sessionMgr *SessionManager, store Storage, logger *slog.Logger, devMode bool) func(http.Handler) http.Handler {
	apikeyAuth := &APIKeyAuthenticator{Store: store}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identity *Identity

			if sessionMgr != nil {
				if cookie, err := r.Cookie(CookieName); err == nil {
					if claims, err := sessionMgr.ValidateToken(cookie.Value); err == nil {
						if sessionMgr.ShouldRefreshToken(cookie.Value) {
							_ = sessionMgr.IssueCookie(w, *claims)
						}
						identity = identityFromClaims(claims)
						logger.Debug("authenticated via session cookie", "sub", claims.Subject)
					} else {
						sessionMgr.ClearCookie(w)
					}
				}
			}

			if identity == nil && sessionMgr != nil {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					raw := bearerToken(auth)
					if claims, err := sessionMgr.ValidateToken(raw); err == nil {
						identity = identityFromClaims(claims)
						logger.Debug("authenticated via session bearer token", "sub", claims.Subject)
					} else {
						logger.Warn("session token validation failed", "error", err)
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid token")
						return
					}
				}
			}

			if identity == nil {
				if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
					result, err := apikeyAuth.Authenticate(r.Context(), rawKey)
					if err != nil {
						logger.Warn("API key authentication failed", "error", err)
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
						return
					}
					identity = &Identity{
						Subject:     "apikey:" + result.KeyPrefix,
						UserID:      &result.UserID,
						GlobalRoles: result.GlobalRoles,
						APIKeyID:    &result.APIKeyID,
						DeviceID:    result.DeviceID,
						Method:      MethodAPIKey,
					}
					logger.Debug("authenticated via API key", "key_prefix", result.KeyPrefix)
				}
			}

			if identity == nil && devMode {
				if raw := r.Header.Get("X-Dev-User"); raw != "" {
					userID, err := uuid.Parse(raw)
					if err == nil {
						identity = &Identity{
							Subject: "dev:" + raw,
							UserID:  &userID,
							Method:  MethodDev,
						}
						logger.Debug("dev-mode authentication", "user_id", raw)
					}
				}
			}

			if identity == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "no valid authentication provided")
				return
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFromClaims(claims *SessionClaims) *Identity {
	userID, _ := uuid.Parse(claims.UserID)
	return &Identity{
		Subject:     claims.Subject,
		Email:       claims.Email,
		UserID:      &userID,
		GlobalRoles: claims.GlobalRoles,
		Method:      claims.Method,
	}
}

// RequireAuth rejects requests that have no authenticated identity.
// Resource-level authorization is the ABAC engine's job, not this
// middleware's; this only enforces that *someone* authenticated.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
