// Copyright 2025 James Ross
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type contextKey string

const contextKeyClaims contextKey = "claims"

// clientIDFromContext returns the authenticated caller's subject, or
// "anonymous" when auth is disabled.
func clientIDFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(contextKeyClaims).(*claims); ok && c.Sub != "" {
		return c.Sub
	}
	return "anonymous"
}

// claimsFromContext returns the validated token claims, if any were
// attached by authMiddleware.
func claimsFromContext(ctx context.Context) (*claims, bool) {
	c, ok := ctx.Value(contextKeyClaims).(*claims)
	return c, ok
}

// authMiddleware validates the bearer credential on every request when
// a secret is configured. It accepts both a general client credential
// and a download-scoped token minted by this service (SignDownloadToken);
// scope enforcement for the latter happens in the file handlers, which
// can see the JobID/Path carried on the claims. It does not issue
// credentials; issuance is an external concern (spec Non-goals).
func authMiddleware(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				ctx := context.WithValue(r.Context(), contextKeyClaims, &claims{Sub: "anonymous"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "auth", "missing or malformed Authorization header")
				return
			}

			c, err := verify(secret, parts[1])
			if err != nil {
				logger.Warn("rejected bearer token", zap.Error(err))
				writeErrorResponse(w, http.StatusUnauthorized, "auth", "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyClaims, c)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path))
					writeErrorResponse(w, http.StatusInternalServerError, "internal", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
