// Package server exposes guarded sessions, standalone scans, tools and the
// audit trail over HTTP.
package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type ctxKey int

const callerKey ctxKey = iota

// WithCaller stores the authenticated caller name in ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the authenticated caller, or "" when auth is off.
func CallerFromContext(ctx context.Context) string {
	c, _ := ctx.Value(callerKey).(string)
	return c
}

type apiKey struct {
	digest [sha256.Size]byte
	caller string
}

// presentedKey reads the key from X-Guardrail-Key, falling back to a bearer
// token.
func presentedKey(r *http.Request) string {
	if k := r.Header.Get("X-Guardrail-Key"); k != "" {
		return k
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// AuthMiddleware resolves the presented API key to a caller name. apiKeys
// maps key to caller; an empty map turns authentication off. Every
// configured key is compared on each request.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	keys := make([]apiKey, 0, len(apiKeys))
	for k, caller := range apiKeys {
		keys = append(keys, apiKey{digest: sha256.Sum256([]byte(k)), caller: caller})
	}
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := presentedKey(r)
			got := sha256.Sum256([]byte(presented))
			caller := ""
			for _, k := range keys {
				if subtle.ConstantTimeCompare(k.digest[:], got[:]) == 1 {
					caller = k.caller
				}
			}
			if presented == "" || caller == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="guardrail"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// CORSMiddleware answers preflights and echoes allowed origins. A "*" entry
// allows any origin.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			switch origin := r.Header.Get("Origin"); {
			case allowed["*"]:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Guardrail-Key")
			h.Set("Access-Control-Max-Age", "300")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
