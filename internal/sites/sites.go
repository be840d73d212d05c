// Package sites registers tenants and authenticates their API keys.
package sites

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/idgen"
	"github.com/idmcalculus/Simplitics/internal/notify"
	"github.com/idmcalculus/Simplitics/internal/observability"
	"github.com/idmcalculus/Simplitics/internal/storage"
	"github.com/idmcalculus/Simplitics/internal/vault"
)

// ErrUnauthorized is returned for unknown or empty API keys.
var ErrUnauthorized = errors.New("sites: invalid api key")

// Registration is the input of Register.
type Registration struct {
	SiteID        string         `json:"siteId"`
	Name          string         `json:"name"`
	Domain        string         `json:"domain"`
	RetentionDays int            `json:"retentionDays"`
	Settings      map[string]any `json:"settings"`
}

// Update holds the mutable fields of a site. Nil fields are left unchanged;
// Settings keys are merged.
type Update struct {
	Name          *string        `json:"name"`
	RetentionDays *int           `json:"retentionDays"`
	Settings      map[string]any `json:"settings"`
}

type Service struct {
	repo             storage.Repository
	vault            *vault.Vault
	publisher        notify.Publisher
	defaultRetention int
	logger           *slog.Logger
}

func NewService(repo storage.Repository, v *vault.Vault, publisher notify.Publisher, defaultRetention int, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = &notify.NoopPublisher{}
	}
	if defaultRetention <= 0 {
		defaultRetention = domain.DefaultRetentionDays
	}
	return &Service{
		repo:             repo,
		vault:            v,
		publisher:        publisher,
		defaultRetention: defaultRetention,
		logger:           observability.Component(logger, "sites"),
	}
}

// Register creates a site and returns it with its plaintext API key. The key
// is only ever available here; storage keeps ciphertext and a blind index.
func (s *Service) Register(ctx context.Context, reg Registration) (*domain.Site, string, error) {
	site := &domain.Site{
		SiteID:        reg.SiteID,
		Name:          reg.Name,
		Domain:        reg.Domain,
		RetentionDays: reg.RetentionDays,
		Settings:      maps.Clone(reg.Settings),
	}
	if site.RetentionDays == 0 {
		site.RetentionDays = s.defaultRetention
	}
	if err := domain.ValidateSite(site); err != nil {
		return nil, "", err
	}

	apiKey, err := s.assignKey(site)
	if err != nil {
		return nil, "", err
	}
	if err := s.repo.CreateSite(ctx, site); err != nil {
		return nil, "", fmt.Errorf("register site %s: %w", site.SiteID, err)
	}

	s.logger.InfoContext(ctx, "site registered", "site_id", site.SiteID, "retention_days", site.RetentionDays)
	if err := s.publisher.Publish(ctx, notify.TopicSiteRegistered, notify.SiteRegistered{SiteID: site.SiteID, Name: site.Name}); err != nil {
		s.logger.Warn("publish site notification failed", "site_id", site.SiteID, "err", err)
	}
	return site, apiKey, nil
}

// RotateKey replaces the API key of a site and returns the new plaintext key.
func (s *Service) RotateKey(ctx context.Context, siteID string) (string, error) {
	site, err := s.repo.GetSite(ctx, siteID)
	if err != nil {
		return "", err
	}
	apiKey, err := s.assignKey(site)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateSite(ctx, site); err != nil {
		return "", fmt.Errorf("rotate key of site %s: %w", siteID, err)
	}
	s.logger.InfoContext(ctx, "site api key rotated", "site_id", siteID)
	return apiKey, nil
}

func (s *Service) assignKey(site *domain.Site) (string, error) {
	apiKey, err := idgen.APIKey()
	if err != nil {
		return "", err
	}
	enc, err := s.vault.Cipher.EncryptString(apiKey)
	if err != nil {
		return "", err
	}
	site.APIKey = enc
	site.APIKeyHash = s.vault.Hasher.HashIdentifier(apiKey)
	return apiKey, nil
}

// Authenticate resolves the site owning apiKey.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*domain.Site, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}
	site, err := s.repo.GetSiteByAPIKeyHash(ctx, s.vault.Hasher.HashIdentifier(apiKey))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return site, nil
}

func (s *Service) Get(ctx context.Context, siteID string) (*domain.Site, error) {
	return s.repo.GetSite(ctx, siteID)
}

func (s *Service) List(ctx context.Context) ([]*domain.Site, error) {
	return s.repo.ListSites(ctx)
}

// Update applies u to the site and returns the stored result.
func (s *Service) Update(ctx context.Context, siteID string, u Update) (*domain.Site, error) {
	site, err := s.repo.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		site.Name = *u.Name
	}
	if u.RetentionDays != nil {
		site.RetentionDays = *u.RetentionDays
	}
	if len(u.Settings) > 0 {
		if site.Settings == nil {
			site.Settings = make(map[string]any, len(u.Settings))
		}
		maps.Copy(site.Settings, u.Settings)
	}
	if err := domain.ValidateSite(site); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSite(ctx, site); err != nil {
		return nil, fmt.Errorf("update site %s: %w", siteID, err)
	}
	s.logger.InfoContext(ctx, "site updated", "site_id", siteID)
	return site, nil
}
