package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"document-refinery/internal/config"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/domain/ports/repository"
	"document-refinery/internal/infra/metrics"
)

var _ adapter.TransitionNotifier = (*Dispatcher)(nil)

// eventPayload is the wire shape consumers receive. Only the sanitized
// error code and message are included, never the operator-side detail.
type eventPayload struct {
	Event        string     `json:"event"`
	JobID        string     `json:"job_id"`
	DocumentID   string     `json:"document_id"`
	Status       string     `json:"status"`
	Stage        string     `json:"stage"`
	PrevStatus   string     `json:"previous_status"`
	PrevStage    string     `json:"previous_stage"`
	Attempt      int        `json:"attempt"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ModifiedAt   time.Time  `json:"modified_at"`
}

// Dispatcher records one delivery per subscribed endpoint on every committed
// job transition and drains them on a poll loop. Delivery is at-least-once;
// the delivery id is the consumer-side deduplication key.
type Dispatcher struct {
	endpoints  repository.WebhookEndpointRepository
	deliveries repository.WebhookDeliveryRepository
	client     *http.Client
	limiter    *rate.Limiter

	maxAttempts    int
	initialBackoff time.Duration
	pollInterval   time.Duration

	log *zerolog.Logger
}

func NewDispatcher(
	endpoints repository.WebhookEndpointRepository,
	deliveries repository.WebhookDeliveryRepository,
	cfg config.WebhookConfig,
	logger *zerolog.Logger,
) *Dispatcher {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		endpoints:      endpoints,
		deliveries:     deliveries,
		client:         &http.Client{Timeout: cfg.RequestTimeout},
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		pollInterval:   cfg.PollInterval,
		log:            logger,
	}
}

// JobUpdated fans the transition out to delivery rows. Failures are logged
// and swallowed; webhooks must never fail the job that triggered them.
func (d *Dispatcher) JobUpdated(ctx context.Context, job *model.Job, prevStatus model.JobStatus, prevStage model.JobStage) {
	payload, err := json.Marshal(eventPayload{
		Event:        model.EventJobUpdated,
		JobID:        job.ID,
		DocumentID:   job.DocumentID,
		Status:       string(job.Status),
		Stage:        string(job.Stage),
		PrevStatus:   string(prevStatus),
		PrevStage:    string(prevStage),
		Attempt:      job.Attempt,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		QueuedAt:     job.QueuedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		ModifiedAt:   time.Now().UTC(),
	})
	if err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("webhook payload marshal failed")
		return
	}

	eps, err := d.endpoints.ListEnabled(ctx, repository.NoTX, job.TenantID)
	if err != nil {
		d.log.Error().Err(err).Str("tenant_id", job.TenantID).Msg("webhook endpoint lookup failed")
		return
	}
	for _, ep := range eps {
		if !ep.Subscribed(model.EventJobUpdated) {
			continue
		}
		delivery := &model.WebhookDelivery{
			ID:         ulid.Make().String(),
			EndpointID: ep.ID,
			TenantID:   job.TenantID,
			EventType:  model.EventJobUpdated,
			Payload:    payload,
			Status:     model.DeliveryPending,
		}
		if err := d.deliveries.Create(ctx, repository.NoTX, delivery); err != nil {
			d.log.Error().Err(err).Str("endpoint_id", ep.ID).Msg("webhook delivery record failed")
		}
	}
}

// Run drains due deliveries until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				d.log.Error().Err(err).Msg("webhook drain failed")
			}
		}
	}
}

// Drain performs one pass over due deliveries.
func (d *Dispatcher) Drain(ctx context.Context) error {
	due, err := d.deliveries.ListDue(ctx, repository.NoTX, time.Now(), 50)
	if err != nil {
		return err
	}
	for _, delivery := range due {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		d.attempt(ctx, delivery)
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *model.WebhookDelivery) {
	ep, err := d.endpoints.FindByID(ctx, repository.NoTX, delivery.TenantID, delivery.EndpointID)
	if err != nil || !ep.Enabled {
		// endpoint deleted or disabled since the event fired
		delivery.Status = model.DeliveryFailed
		delivery.LastError = "endpoint unavailable"
		if saveErr := d.deliveries.Save(ctx, repository.NoTX, delivery); saveErr != nil {
			d.log.Error().Err(saveErr).Str("delivery_id", delivery.ID).Msg("delivery save failed")
		}
		return
	}

	delivery.Attempt++
	start := time.Now()
	code, sendErr := d.send(ctx, ep, delivery)
	metrics.ObserveWebhookSend(time.Since(start).Milliseconds())

	now := time.Now()
	delivery.ResponseCode = code
	if sendErr == nil {
		delivery.Status = model.DeliveryDelivered
		delivery.DeliveredAt = &now
		delivery.LastError = ""
		delivery.NextRetryAt = nil
		metrics.IncWebhookDelivery("delivered")
		if err := d.endpoints.MarkSuccess(ctx, repository.NoTX, ep.ID, now); err != nil {
			d.log.Warn().Err(err).Str("endpoint_id", ep.ID).Msg("mark success failed")
		}
	} else {
		delivery.LastError = sendErr.Error()
		if err := d.endpoints.MarkFailure(ctx, repository.NoTX, ep.ID, now); err != nil {
			d.log.Warn().Err(err).Str("endpoint_id", ep.ID).Msg("mark failure failed")
		}
		if delivery.Attempt >= d.maxAttempts {
			delivery.Status = model.DeliveryFailed
			delivery.NextRetryAt = nil
			metrics.IncWebhookDelivery("failed")
			d.log.Warn().Str("delivery_id", delivery.ID).Str("endpoint_id", ep.ID).
				Int("attempts", delivery.Attempt).Msg("webhook delivery abandoned")
		} else {
			delivery.Status = model.DeliveryRetrying
			next := now.Add(d.backoff(delivery.Attempt))
			delivery.NextRetryAt = &next
			metrics.IncWebhookDelivery("retrying")
		}
	}

	if err := d.deliveries.Save(ctx, repository.NoTX, delivery); err != nil {
		d.log.Error().Err(err).Str("delivery_id", delivery.ID).Msg("delivery save failed")
	}
}

func (d *Dispatcher) send(ctx context.Context, ep *model.WebhookEndpoint, delivery *model.WebhookDelivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "document-refinery-webhook/1.0")
	req.Header.Set("X-Refinery-Event", delivery.EventType)
	req.Header.Set("X-Refinery-Delivery", delivery.ID)
	if ep.Secret != "" {
		req.Header.Set("X-Signature", Sign(ep.Secret, delivery.Payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// backoff doubles from the initial delay per attempt already made.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.initialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Sign computes the signature header value for a payload: an HMAC-SHA256
// keyed on the endpoint secret, hex encoded with a scheme prefix.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the given signature header matches the payload.
// Intended for consumer-side checks and tests.
func Verify(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}
