package idempotency

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode"
)

const (
	// DefaultHeader carries the client supplied request id.
	DefaultHeader = "Idempotency-Key"
	// ReplayHeader is set on responses served from a stored outcome.
	ReplayHeader = "X-Idempotent-Replay"

	maxRequestIDLength = 255
)

type contextKey struct{}

// WithRequestID stores the request id on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

// RequestIDFromContext returns the request id extracted by Middleware, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(contextKey{}).(string)
	return value
}

// MarkReplay flags the response as served from a stored outcome.
func MarkReplay(w http.ResponseWriter) {
	w.Header().Set(ReplayHeader, "true")
}

type middlewareConfig struct {
	headerName string
	required   bool
	methods    map[string]struct{}
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header name used to extract the request id.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		name = strings.TrimSpace(name)
		if name != "" {
			cfg.headerName = name
		}
	}
}

// WithRequired rejects mutating requests that omit the header.
func WithRequired(required bool) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.required = required
	}
}

// WithMethods restricts the HTTP methods inspected by the middleware.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if len(methods) == 0 {
			return
		}
		cfg.methods = make(map[string]struct{}, len(methods))
		for _, method := range methods {
			method = strings.ToUpper(strings.TrimSpace(method))
			if method == "" {
				continue
			}
			cfg.methods[method] = struct{}{}
		}
	}
}

// Middleware validates the idempotency header on mutating requests and exposes its value through
// RequestIDFromContext. Duplicate detection happens in the command engine, which owns the Guard.
func Middleware(opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		headerName: DefaultHeader,
		methods: map[string]struct{}{
			http.MethodPost:   {},
			http.MethodPut:    {},
			http.MethodPatch:  {},
			http.MethodDelete: {},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := cfg.methods[r.Method]; !ok {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" {
				if cfg.required {
					respondError(w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if !validRequestID(key) {
				respondError(w, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key must be printable and at most 255 characters")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), key)))
		})
	}
}

func validRequestID(key string) bool {
	if len(key) > maxRequestIDLength {
		return false
	}
	for _, r := range key {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
