package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docqa/docqa/internal/repository"
	"github.com/docqa/docqa/internal/usage"
)

// UsageRepo implements repository.UsageRepository
type UsageRepo struct {
	db *DB
}

// NewUsageRepo creates a new usage repository
func NewUsageRepo(db *DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// Insert records a usage event
func (r *UsageRepo) Insert(ctx context.Context, event *repository.UsageEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO usage_events (id, tenant_id, user_id, model, tokens_used, latency_seconds, estimated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		event.ID, event.TenantID, event.UserID, event.Model,
		event.TokensUsed, event.LatencySeconds, event.Estimated, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// TotalTokens sums tokens used by a tenant since the given time
func (r *UsageRepo) TotalTokens(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var total int64
	query := `
		SELECT COALESCE(SUM(tokens_used), 0)
		FROM usage_events
		WHERE tenant_id = $1 AND created_at >= $2
	`
	err := r.db.Pool.QueryRow(ctx, query, tenantID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum tokens: %w", err)
	}
	return total, nil
}

// Record implements usage.Tracker by persisting the event.
func (r *UsageRepo) Record(ctx context.Context, event usage.Event) error {
	return r.Insert(ctx, &repository.UsageEvent{
		TenantID:       event.TenantID,
		UserID:         event.UserID,
		Model:          event.Model,
		TokensUsed:     event.TokensUsed,
		LatencySeconds: event.LatencySeconds,
		Estimated:      event.Estimated,
	})
}

var _ repository.UsageRepository = (*UsageRepo)(nil)
var _ usage.Tracker = (*UsageRepo)(nil)
