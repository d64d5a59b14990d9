package repository

import (
	"context"
	"time"

	"document-refinery/internal/domain/model"
)

type WebhookEndpointRepository interface {
	Save(ctx context.Context, tx Tx, ep *model.WebhookEndpoint) error
	FindByID(ctx context.Context, tx Tx, tenantID, id string) (*model.WebhookEndpoint, error)
	ListByTenant(ctx context.Context, tx Tx, tenantID string) ([]*model.WebhookEndpoint, error)
	ListEnabled(ctx context.Context, tx Tx, tenantID string) ([]*model.WebhookEndpoint, error)
	Delete(ctx context.Context, tx Tx, tenantID, id string) error
	MarkSuccess(ctx context.Context, tx Tx, id string, at time.Time) error
	MarkFailure(ctx context.Context, tx Tx, id string, at time.Time) error
}

type WebhookDeliveryRepository interface {
	Create(ctx context.Context, tx Tx, d *model.WebhookDelivery) error
	Save(ctx context.Context, tx Tx, d *model.WebhookDelivery) error
	Get(ctx context.Context, tx Tx, id string) (*model.WebhookDelivery, error)
	// ListDue returns PENDING deliveries plus RETRYING ones whose backoff
	// deadline has passed, oldest first. No claim is taken; the single drain
	// loop plus consumer-side dedup on the delivery id keep at-least-once safe.
	ListDue(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.WebhookDelivery, error)
	ListByEndpoint(ctx context.Context, tx Tx, tenantID, endpointID string, limit int) ([]*model.WebhookDelivery, error)
}
