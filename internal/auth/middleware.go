// Package auth provides authentication middleware for API key and JWT-based
// tenant authentication.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/docqa/docqa/internal/repository"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader is the header for API key authentication
	APIKeyHeader = "X-API-Key"

	// tenantContextKey is the context key for storing tenant info
	tenantContextKey contextKey = "tenant"
)

// TenantInfo holds tenant information extracted from authentication
type TenantInfo struct {
	ID     string
	Name   string
	Config repository.TenantConfig
}

// Middleware authenticates requests by tenant API key or JWT bearer token.
type Middleware struct {
	tenantRepo  repository.TenantRepository
	jwtManager  *JWTManager
	adminAPIKey string
}

// NewMiddleware creates authentication middleware.
func NewMiddleware(tenantRepo repository.TenantRepository, jwtManager *JWTManager, adminAPIKey string) *Middleware {
	return &Middleware{
		tenantRepo:  tenantRepo,
		jwtManager:  jwtManager,
		adminAPIKey: adminAPIKey,
	}
}

// RequireTenant authenticates the request and stores TenantInfo in the
// request context. X-API-Key is checked first, then a Bearer JWT.
func (m *Middleware) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := m.authenticate(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), tenantContextKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects requests that do not carry the admin API key.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.adminAPIKey == "" {
			http.Error(w, "admin API key not configured", http.StatusForbidden)
			return
		}
		if strings.TrimSpace(r.Header.Get(APIKeyHeader)) != m.adminAPIKey {
			http.Error(w, "invalid admin API key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) authenticate(r *http.Request) (*TenantInfo, bool) {
	if apiKey := strings.TrimSpace(r.Header.Get(APIKeyHeader)); apiKey != "" {
		tenant, err := m.tenantRepo.GetByAPIKey(r.Context(), apiKey)
		if err != nil {
			return nil, false
		}
		return &TenantInfo{
			ID:     tenant.ID,
			Name:   tenant.Name,
			Config: tenant.Config,
		}, true
	}

	if m.jwtManager != nil {
		header := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			claims, err := m.jwtManager.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				return nil, false
			}
			return &TenantInfo{
				ID:   claims.TenantID,
				Name: claims.TenantName,
			}, true
		}
	}

	return nil, false
}

// TenantFromContext extracts tenant info from context
func TenantFromContext(ctx context.Context) (*TenantInfo, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(*TenantInfo)
	return tenant, ok
}

// ContextWithTenant returns ctx carrying the given tenant info.
func ContextWithTenant(ctx context.Context, info *TenantInfo) context.Context {
	return context.WithValue(ctx, tenantContextKey, info)
}
