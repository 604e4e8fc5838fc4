// Package repository defines domain models and data access interfaces for
// tenants and usage events.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Tenant represents a tenant in the system
type Tenant struct {
	ID        string
	Name      string
	APIKey    string
	Config    TenantConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantConfig holds tenant-specific configuration
type TenantConfig struct {
	LLMModel        string `json:"llm_model"`
	TopK            int    `json:"top_k"`
	SystemPrompt    string `json:"system_prompt"`
	RerankerEnabled bool   `json:"reranker_enabled"` // LLM reranking pass (slower, more accurate)
}

// UsageEvent is one recorded LLM call.
type UsageEvent struct {
	ID             uuid.UUID
	TenantID       string
	UserID         string
	Model          string
	TokensUsed     int
	LatencySeconds float64
	Estimated      bool
	CreatedAt      time.Time
}

// TenantRepository defines operations for tenant persistence
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id string) (*Tenant, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, int, error)
	Update(ctx context.Context, tenant *Tenant) error
	Delete(ctx context.Context, id string) error
	UpdateAPIKey(ctx context.Context, id string, newAPIKey string) error
}

// UsageRepository defines operations for usage-event persistence
type UsageRepository interface {
	Insert(ctx context.Context, event *UsageEvent) error
	TotalTokens(ctx context.Context, tenantID string, since time.Time) (int64, error)
}
