package api

import (
	"time"

	"document-refinery/internal/domain/model"
)

type documentResponse struct {
	ID               string     `json:"id"`
	OriginalFilename string     `json:"original_filename"`
	SHA256           string     `json:"sha256"`
	MIMEType         string     `json:"mime_type"`
	SizeBytes        int64      `json:"size_bytes"`
	Status           string     `json:"status"`
	PageCount        int        `json:"page_count,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toDocumentResponse(d *model.Document) documentResponse {
	return documentResponse{
		ID:               d.ID,
		OriginalFilename: d.OriginalFilename,
		SHA256:           d.SHA256,
		MIMEType:         d.MIMEType,
		SizeBytes:        d.SizeBytes,
		Status:           string(d.Status),
		PageCount:        d.PageCount,
		ExpiresAt:        d.ExpiresAt,
		CreatedAt:        d.CreatedAt,
	}
}

type jobResponse struct {
	ID         string               `json:"id"`
	DocumentID string               `json:"document_id"`
	Status     string               `json:"status"`
	Stage      string               `json:"stage"`
	Options    model.ConvertOptions `json:"options"`

	QueuedAt   *time.Time `json:"queued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`

	ScanMs    *int64 `json:"scan_ms,omitempty"`
	ConvertMs *int64 `json:"convert_ms,omitempty"`
	ExportMs  *int64 `json:"export_ms,omitempty"`
	ChunkMs   *int64 `json:"chunk_ms,omitempty"`

	Attempt    int `json:"attempt"`
	MaxRetries int `json:"max_retries"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// toJobResponse sanitizes the row: worker identity and error detail stay
// operator-side.
func toJobResponse(j *model.Job) jobResponse {
	return jobResponse{
		ID:           j.ID,
		DocumentID:   j.DocumentID,
		Status:       string(j.Status),
		Stage:        string(j.Stage),
		Options:      j.Options,
		QueuedAt:     j.QueuedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
		DurationMs:   j.DurationMs,
		ScanMs:       j.ScanMs,
		ConvertMs:    j.ConvertMs,
		ExportMs:     j.ExportMs,
		ChunkMs:      j.ChunkMs,
		Attempt:      j.Attempt,
		MaxRetries:   j.MaxRetries,
		ErrorCode:    j.ErrorCode,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

type timingResponse struct {
	Attempt    int       `json:"attempt"`
	Stage      string    `json:"stage"`
	DurationMs int64     `json:"duration_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

type artifactResponse struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	Kind           string     `json:"kind"`
	Filename       string     `json:"filename"`
	ContentType    string     `json:"content_type"`
	SizeBytes      int64      `json:"size_bytes"`
	ChecksumSHA256 string     `json:"checksum_sha256"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toArtifactResponse(a *model.Artifact) artifactResponse {
	return artifactResponse{
		ID:             a.ID,
		JobID:          a.JobID,
		Kind:           string(a.Kind),
		Filename:       a.Kind.Filename(),
		ContentType:    a.ContentType,
		SizeBytes:      a.SizeBytes,
		ChecksumSHA256: a.ChecksumSHA256,
		ExpiresAt:      a.ExpiresAt,
		CreatedAt:      a.CreatedAt,
	}
}

type webhookResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Enabled       bool       `json:"enabled"`
	Events        []string   `json:"events"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// toWebhookResponse never echoes the signing secret back.
func toWebhookResponse(ep *model.WebhookEndpoint) webhookResponse {
	return webhookResponse{
		ID:            ep.ID,
		Name:          ep.Name,
		URL:           ep.URL,
		Enabled:       ep.Enabled,
		Events:        ep.Events,
		LastSuccessAt: ep.LastSuccessAt,
		LastFailureAt: ep.LastFailureAt,
		CreatedAt:     ep.CreatedAt,
		UpdatedAt:     ep.UpdatedAt,
	}
}

type deliveryResponse struct {
	ID           string     `json:"id"`
	EventType    string     `json:"event_type"`
	Status       string     `json:"status"`
	ResponseCode int        `json:"response_code,omitempty"`
	Attempt      int        `json:"attempt"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toDeliveryResponse(d *model.WebhookDelivery) deliveryResponse {
	return deliveryResponse{
		ID:           d.ID,
		EventType:    d.EventType,
		Status:       string(d.Status),
		ResponseCode: d.ResponseCode,
		Attempt:      d.Attempt,
		NextRetryAt:  d.NextRetryAt,
		LastError:    d.LastError,
		DeliveredAt:  d.DeliveredAt,
		CreatedAt:    d.CreatedAt,
	}
}
