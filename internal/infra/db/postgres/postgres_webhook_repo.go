package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/repository"
)

var (
	_ repository.WebhookEndpointRepository = (*webhookEndpointRepo)(nil)
	_ repository.WebhookDeliveryRepository = (*webhookDeliveryRepo)(nil)
)

type webhookEndpointRepo struct {
	pool *pgxpool.Pool
}

func NewWebhookEndpointRepo(pool *pgxpool.Pool) *webhookEndpointRepo {
	return &webhookEndpointRepo{pool: pool}
}

const endpointColumns = `id, tenant_id, created_by_key, name, url, secret, enabled, events,
last_success_at, last_failure_at, created_at, updated_at`

func (r *webhookEndpointRepo) Save(ctx context.Context, tx repository.Tx, ep *model.WebhookEndpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}
	ep.UpdatedAt = time.Now()

	const q = `
INSERT INTO webhook_endpoints (id, tenant_id, created_by_key, name, url, secret, enabled, events,
  last_success_at, last_failure_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  url = EXCLUDED.url,
  secret = EXCLUDED.secret,
  enabled = EXCLUDED.enabled,
  events = EXCLUDED.events,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		ep.ID, ep.TenantID, ep.CreatedByKey, ep.Name, ep.URL, ep.Secret, ep.Enabled, ep.Events,
		ep.LastSuccessAt, ep.LastFailureAt, ep.CreatedAt, ep.UpdatedAt)
	return err
}

func (r *webhookEndpointRepo) FindByID(ctx context.Context, tx repository.Tx, tenantID, id string) (*model.WebhookEndpoint, error) {
	const q = `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE id = $1 AND tenant_id = $2;`
	row, err := pickRow(ctx, r.pool, tx, q, id, tenantID)
	if err != nil {
		return nil, err
	}
	return scanEndpoint(row)
}

func (r *webhookEndpointRepo) ListByTenant(ctx context.Context, tx repository.Tx, tenantID string) ([]*model.WebhookEndpoint, error) {
	const q = `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE tenant_id = $1 ORDER BY created_at;`
	return r.list(ctx, tx, q, tenantID)
}

func (r *webhookEndpointRepo) ListEnabled(ctx context.Context, tx repository.Tx, tenantID string) ([]*model.WebhookEndpoint, error) {
	const q = `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE tenant_id = $1 AND enabled ORDER BY created_at;`
	return r.list(ctx, tx, q, tenantID)
}

func (r *webhookEndpointRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.WebhookEndpoint, error) {
	rows, err := pickRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (r *webhookEndpointRepo) Delete(ctx context.Context, tx repository.Tx, tenantID, id string) error {
	tag, err := execSQL(ctx, r.pool, tx,
		`DELETE FROM webhook_endpoints WHERE id = $1 AND tenant_id = $2;`, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *webhookEndpointRepo) MarkSuccess(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	_, err := execSQL(ctx, r.pool, tx,
		`UPDATE webhook_endpoints SET last_success_at = $2, updated_at = $2 WHERE id = $1;`, id, at)
	return err
}

func (r *webhookEndpointRepo) MarkFailure(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	_, err := execSQL(ctx, r.pool, tx,
		`UPDATE webhook_endpoints SET last_failure_at = $2, updated_at = $2 WHERE id = $1;`, id, at)
	return err
}

func scanEndpoint(row pgx.Row) (*model.WebhookEndpoint, error) {
	var ep model.WebhookEndpoint
	err := row.Scan(
		&ep.ID, &ep.TenantID, &ep.CreatedByKey, &ep.Name, &ep.URL, &ep.Secret, &ep.Enabled,
		&ep.Events, &ep.LastSuccessAt, &ep.LastFailureAt, &ep.CreatedAt, &ep.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &ep, nil
}

type webhookDeliveryRepo struct {
	pool *pgxpool.Pool
}

func NewWebhookDeliveryRepo(pool *pgxpool.Pool) *webhookDeliveryRepo {
	return &webhookDeliveryRepo{pool: pool}
}

const deliveryColumns = `id, endpoint_id, tenant_id, event_type, payload, status, response_code,
attempt, next_retry_at, last_error, delivered_at, created_at, updated_at`

func (r *webhookDeliveryRepo) Create(ctx context.Context, tx repository.Tx, d *model.WebhookDelivery) error {
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now

	const q = `
INSERT INTO webhook_deliveries (id, endpoint_id, tenant_id, event_type, payload, status,
  response_code, attempt, next_retry_at, last_error, delivered_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`

	_, err := execSQL(ctx, r.pool, tx, q,
		d.ID, d.EndpointID, d.TenantID, d.EventType, d.Payload, d.Status,
		d.ResponseCode, d.Attempt, d.NextRetryAt, d.LastError, d.DeliveredAt, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r *webhookDeliveryRepo) Save(ctx context.Context, tx repository.Tx, d *model.WebhookDelivery) error {
	d.UpdatedAt = time.Now()

	const q = `
UPDATE webhook_deliveries SET
  status = $2, response_code = $3, attempt = $4, next_retry_at = $5,
  last_error = $6, delivered_at = $7, updated_at = $8
WHERE id = $1;`

	_, err := execSQL(ctx, r.pool, tx, q,
		d.ID, d.Status, d.ResponseCode, d.Attempt, d.NextRetryAt, d.LastError, d.DeliveredAt, d.UpdatedAt)
	return err
}

func (r *webhookDeliveryRepo) Get(ctx context.Context, tx repository.Tx, id string) (*model.WebhookDelivery, error) {
	const q = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanDelivery(row)
}

// ListDue returns deliverable rows with no claim held on them. Delivery is
// at-least-once: the process runs a single drain loop, and a crash between
// send and save replays the delivery, so consumers deduplicate on the
// delivery id carried in the request headers.
func (r *webhookDeliveryRepo) ListDue(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.WebhookDelivery, error) {
	const q = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
WHERE status = 'PENDING' OR (status = 'RETRYING' AND next_retry_at <= $1)
ORDER BY created_at LIMIT $2;`
	return r.list(ctx, tx, q, now, limit)
}

func (r *webhookDeliveryRepo) ListByEndpoint(ctx context.Context, tx repository.Tx, tenantID, endpointID string, limit int) ([]*model.WebhookDelivery, error) {
	const q = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
WHERE tenant_id = $1 AND endpoint_id = $2 ORDER BY created_at DESC LIMIT $3;`
	return r.list(ctx, tx, q, tenantID, endpointID, limit)
}

func (r *webhookDeliveryRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.WebhookDelivery, error) {
	rows, err := pickRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelivery(row pgx.Row) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	err := row.Scan(
		&d.ID, &d.EndpointID, &d.TenantID, &d.EventType, &d.Payload, &d.Status, &d.ResponseCode,
		&d.Attempt, &d.NextRetryAt, &d.LastError, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &d, nil
}
