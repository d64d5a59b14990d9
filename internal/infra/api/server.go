package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"document-refinery/internal/config"
	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/domain/ports/repository"
	"document-refinery/internal/infra/logging"
	"document-refinery/internal/usecase"
)

// Server exposes the ingestion core over HTTP. Every tenant-scoped route sits
// behind TenantAuth; health and metrics stay open for the platform probes.
type Server struct {
	documents usecase.DocumentUseCase
	ledger    usecase.LedgerUseCase
	webhooks  usecase.WebhookUseCase
	dashboard usecase.DashboardUseCase
	artifacts repository.ArtifactRepository
	store     adapter.BlobStore

	maxUploadBytes int64
	log            *zerolog.Logger
}

func NewServer(
	documents usecase.DocumentUseCase,
	ledger usecase.LedgerUseCase,
	webhooks usecase.WebhookUseCase,
	dashboard usecase.DashboardUseCase,
	artifacts repository.ArtifactRepository,
	store adapter.BlobStore,
	cfg config.APIConfig,
	logger *zerolog.Logger,
) *Server {
	maxUpload := int64(cfg.MaxUploadMB)
	if maxUpload <= 0 {
		maxUpload = 100
	}
	return &Server{
		documents:      documents,
		ledger:         ledger,
		webhooks:       webhooks,
		dashboard:      dashboard,
		artifacts:      artifacts,
		store:          store,
		maxUploadBytes: maxUpload << 20,
		log:            logger,
	}
}

// Router builds the full route tree including middleware.
func (s *Server) Router(keys map[string]string) http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID)
	r.Use(Recover(s.log))
	r.Use(RequestLog(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(TenantAuth(keys))

		r.Post("/documents", s.handleUpload)
		r.Get("/documents", s.handleListDocuments)
		r.Get("/documents/{id}", s.handleGetDocument)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
		r.Get("/jobs/{id}/timings", s.handleJobTimings)
		r.Get("/jobs/{id}/artifacts", s.handleListArtifacts)

		r.Get("/artifacts/{id}/content", s.handleArtifactContent)

		r.Post("/webhooks", s.handleCreateWebhook)
		r.Get("/webhooks", s.handleListWebhooks)
		r.Get("/webhooks/{id}", s.handleGetWebhook)
		r.Put("/webhooks/{id}", s.handleUpdateWebhook)
		r.Delete("/webhooks/{id}", s.handleDeleteWebhook)
		r.Get("/webhooks/{id}/deliveries", s.handleWebhookDeliveries)

		r.Get("/dashboard/summary", s.handleDashboardSummary)
		r.Get("/dashboard/workers", s.handleDashboardWorkers)
	})
	return r
}

// --- documents ---

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: multipart body required", domain.ErrInvalidArgument))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: missing file part", domain.ErrInvalidArgument))
		return
	}
	defer file.Close()

	ingest := r.FormValue("ingest") != "false"
	var rawOptions []byte
	if o := r.FormValue("options"); o != "" {
		rawOptions = []byte(o)
	}

	doc, job, err := s.documents.Upload(r.Context(), usecase.UploadParams{
		TenantID:     TenantID(r.Context()),
		CreatedByKey: APIKey(r.Context()),
		Filename:     header.Filename,
		MIMEType:     header.Header.Get("Content-Type"),
		Body:         file,
		MaxBytes:     s.maxUploadBytes,
		Ingest:       ingest,
		Profile:      r.FormValue("profile"),
		RawOptions:   rawOptions,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := map[string]any{"document": toDocumentResponse(doc)}
	if job != nil {
		resp["job"] = toJobResponse(job)
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.documents.Get(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	docs, err := s.documents.List(r.Context(), TenantID(r.Context()), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocumentResponse(d))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

// --- jobs ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f := repository.JobFilter{
		Status:     model.JobStatus(r.URL.Query().Get("status")),
		Stage:      model.JobStage(r.URL.Query().Get("stage")),
		DocumentID: r.URL.Query().Get("document_id"),
		Limit:      queryInt(r, "limit", 0),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("created_after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: created_after must be RFC3339", domain.ErrInvalidArgument))
			return
		}
		f.CreatedAfter = &ts
	}
	if v := r.URL.Query().Get("created_before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: created_before must be RFC3339", domain.ErrInvalidArgument))
			return
		}
		f.CreatedBefore = &ts
	}
	jobs, err := s.ledger.List(r.Context(), TenantID(r.Context()), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ledger.Get(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ledger.Cancel(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ledger.Retry(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleJobTimings(w http.ResponseWriter, r *http.Request) {
	timings, err := s.ledger.StageTimings(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]timingResponse, 0, len(timings))
	for _, t := range timings {
		out = append(out, timingResponse{
			Attempt:    t.Attempt,
			Stage:      string(t.Stage),
			DurationMs: t.DurationMs,
			RecordedAt: t.RecordedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"timings": out})
}

// --- artifacts ---

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	tenant := TenantID(r.Context())
	jobID := chi.URLParam(r, "id")
	// 404 on unknown job rather than an empty list for a job the tenant
	// cannot see
	if _, err := s.ledger.Get(r.Context(), tenant, jobID); err != nil {
		s.writeError(w, r, err)
		return
	}
	arts, err := s.artifacts.ListByJob(r.Context(), repository.NoTX, tenant, jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]artifactResponse, 0, len(arts))
	for _, a := range arts {
		out = append(out, toArtifactResponse(a))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	art, err := s.artifacts.FindByID(r.Context(), repository.NoTX, TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rc, err := s.store.Open(art.Relpath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(art.SizeBytes, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+art.Kind.Filename()+`"`)
	w.Header().Set("X-Checksum-Sha256", art.ChecksumSHA256)
	if _, err := io.Copy(w, rc); err != nil {
		logging.With(r.Context(), s.log).Warn().Err(err).Str("artifact_id", art.ID).Msg("artifact stream aborted")
	}
}

// --- webhooks ---

type webhookRequest struct {
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Secret  string   `json:"secret"`
	Enabled *bool    `json:"enabled"`
	Events  []string `json:"events"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument))
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	ep, err := s.webhooks.Register(r.Context(), &model.WebhookEndpoint{
		TenantID:     TenantID(r.Context()),
		CreatedByKey: APIKey(r.Context()),
		Name:         req.Name,
		URL:          req.URL,
		Secret:       req.Secret,
		Enabled:      enabled,
		Events:       req.Events,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toWebhookResponse(ep))
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	eps, err := s.webhooks.List(r.Context(), TenantID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]webhookResponse, 0, len(eps))
	for _, ep := range eps {
		out = append(out, toWebhookResponse(ep))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	ep, err := s.webhooks.Get(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toWebhookResponse(ep))
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	ep, err := s.webhooks.Get(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument))
		return
	}
	if req.Name != "" {
		ep.Name = req.Name
	}
	if req.URL != "" {
		ep.URL = req.URL
	}
	if req.Secret != "" {
		ep.Secret = req.Secret
	}
	if req.Events != nil {
		ep.Events = req.Events
	}
	if req.Enabled != nil {
		ep.Enabled = *req.Enabled
	}
	updated, err := s.webhooks.Update(r.Context(), ep)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toWebhookResponse(updated))
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.Delete(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.webhooks.Deliveries(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"), queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, toDeliveryResponse(d))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

// --- dashboard ---

func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.dashboard.Summary(r.Context(), TenantID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDashboardWorkers(w http.ResponseWriter, r *http.Request) {
	snap, err := s.dashboard.Workers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// --- plumbing ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidOptions):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotCancelable),
		errors.Is(err, domain.ErrRetryNotAllowed),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrStaleJobState),
		errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logging.With(r.Context(), s.log).Error().Err(err).Msg("request failed")
		s.writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
