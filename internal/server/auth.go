package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5/middleware"

	"boardline/internal/remote"
)

type AuthConfig struct {
	// JWTSecret enables bearer authentication when set.
	JWTSecret string
	Logger    *slog.Logger
}

// Principal is the authenticated caller of the local API.
type Principal struct {
	Subject string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	exempt := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.TrimSpace(cfg.JWTSecret) == "" {
				next.ServeHTTP(w, req)
				return
			}
			// Only enforce for API base path.
			if !strings.HasPrefix(req.URL.Path, basePath) || exempt[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			claims, err := remote.ParseToken(token, cfg.JWTSecret)
			if err != nil {
				cfg.logger().Debug("rejected bearer token", "err", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			ctx := withPrincipal(req.Context(), Principal{Subject: claims.Subject})
			recordSubject(ctx)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// newAccessLog logs one line per request, with the caller when known.
func newAccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			var subject string
			next.ServeHTTP(ww, req.WithContext(context.WithValue(req.Context(), subjectSlot{}, &subject)))
			attrs := []any{"method", req.Method, "path", req.URL.Path, "status", ww.Status(), "duration", time.Since(start)}
			if subject != "" {
				attrs = append(attrs, "subject", subject)
			}
			logger.Debug("http request", attrs...)
		})
	}
}

// subjectSlot lets the auth middleware, which runs inside the access log,
// report the authenticated subject back out.
type subjectSlot struct{}

func recordSubject(ctx context.Context) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return
	}
	if slot, ok := ctx.Value(subjectSlot{}).(*string); ok {
		*slot = p.Subject
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
