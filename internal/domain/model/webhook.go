package model

import "time"

// EventJobUpdated is fired on every committed job status/stage transition.
const EventJobUpdated = "job.updated"

type WebhookEndpoint struct {
	ID            string
	TenantID      string
	CreatedByKey  string
	Name          string
	URL           string
	Secret        string
	Enabled       bool
	Events        []string
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Subscribed reports whether the endpoint wants the given event type.
// An empty event list means the default set (job.updated only).
func (e *WebhookEndpoint) Subscribed(event string) bool {
	if len(e.Events) == 0 {
		return event == EventJobUpdated
	}
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}

type WebhookDeliveryStatus string

const (
	DeliveryPending   WebhookDeliveryStatus = "PENDING"
	DeliveryRetrying  WebhookDeliveryStatus = "RETRYING"
	DeliveryDelivered WebhookDeliveryStatus = "DELIVERED"
	DeliveryFailed    WebhookDeliveryStatus = "FAILED"
)

// WebhookDelivery is one attempt history for one event to one endpoint.
// Its ID doubles as the consumer-side deduplication key, so delivery is
// at-least-once by contract.
type WebhookDelivery struct {
	ID           string
	EndpointID   string
	TenantID     string
	EventType    string
	Payload      []byte
	Status       WebhookDeliveryStatus
	ResponseCode int
	Attempt      int
	NextRetryAt  *time.Time
	LastError    string
	DeliveredAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
