package usecase

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Compile-time check
var _ WebhookUseCase = (*webhookUC)(nil)

type WebhookUseCase interface {
	Register(ctx context.Context, ep *model.WebhookEndpoint) (*model.WebhookEndpoint, error)
	Update(ctx context.Context, ep *model.WebhookEndpoint) (*model.WebhookEndpoint, error)
	Get(ctx context.Context, tenantID, id string) (*model.WebhookEndpoint, error)
	List(ctx context.Context, tenantID string) ([]*model.WebhookEndpoint, error)
	Delete(ctx context.Context, tenantID, id string) error
	Deliveries(ctx context.Context, tenantID, endpointID string, limit int) ([]*model.WebhookDelivery, error)
}

type webhookUC struct {
	endpoints  repository.WebhookEndpointRepository
	deliveries repository.WebhookDeliveryRepository
	resolver   hostResolver
	log        *zerolog.Logger
}

type hostResolver func(ctx context.Context, host string) ([]net.IPAddr, error)

func NewWebhookUseCase(endpoints repository.WebhookEndpointRepository, deliveries repository.WebhookDeliveryRepository, logger *zerolog.Logger) *webhookUC {
	return &webhookUC{
		endpoints:  endpoints,
		deliveries: deliveries,
		resolver:   net.DefaultResolver.LookupIPAddr,
		log:        logger,
	}
}

func (w *webhookUC) Register(ctx context.Context, ep *model.WebhookEndpoint) (*model.WebhookEndpoint, error) {
	if err := w.validateURL(ctx, ep.URL); err != nil {
		return nil, err
	}
	if ep.Name == "" {
		return nil, fmt.Errorf("%w: endpoint name is required", domain.ErrInvalidArgument)
	}
	ep.ID = uuid.NewString()
	ep.Enabled = true
	if err := w.endpoints.Save(ctx, repository.NoTX, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (w *webhookUC) Update(ctx context.Context, ep *model.WebhookEndpoint) (*model.WebhookEndpoint, error) {
	existing, err := w.endpoints.FindByID(ctx, repository.NoTX, ep.TenantID, ep.ID)
	if err != nil {
		return nil, err
	}
	if ep.URL != existing.URL {
		if err := w.validateURL(ctx, ep.URL); err != nil {
			return nil, err
		}
	}
	if err := w.endpoints.Save(ctx, repository.NoTX, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (w *webhookUC) Get(ctx context.Context, tenantID, id string) (*model.WebhookEndpoint, error) {
	return w.endpoints.FindByID(ctx, repository.NoTX, tenantID, id)
}

func (w *webhookUC) List(ctx context.Context, tenantID string) ([]*model.WebhookEndpoint, error) {
	return w.endpoints.ListByTenant(ctx, repository.NoTX, tenantID)
}

func (w *webhookUC) Delete(ctx context.Context, tenantID, id string) error {
	return w.endpoints.Delete(ctx, repository.NoTX, tenantID, id)
}

func (w *webhookUC) Deliveries(ctx context.Context, tenantID, endpointID string, limit int) ([]*model.WebhookDelivery, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return w.deliveries.ListByEndpoint(ctx, repository.NoTX, tenantID, endpointID, limit)
}

// validateURL blocks targets that would turn the dispatcher into an SSRF
// vector: only http(s), no credentials, no loopback/private/link-local hosts.
func (w *webhookUC) validateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed webhook url", domain.ErrInvalidArgument)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: webhook url must be http or https", domain.ErrInvalidArgument)
	}
	if u.User != nil {
		return fmt.Errorf("%w: webhook url must not carry credentials", domain.ErrInvalidArgument)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("%w: webhook url must include a host", domain.ErrInvalidArgument)
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: webhook url host is not allowed", domain.ErrInvalidArgument)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isGlobalIP(ip) {
			return fmt.Errorf("%w: webhook url must not target private addresses", domain.ErrInvalidArgument)
		}
		return nil
	}

	addrs, err := w.resolver(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: webhook url host could not be resolved", domain.ErrInvalidArgument)
	}
	for _, a := range addrs {
		if !isGlobalIP(a.IP) {
			return fmt.Errorf("%w: webhook url resolves to a private address", domain.ErrInvalidArgument)
		}
	}
	return nil
}

func isGlobalIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast())
}
