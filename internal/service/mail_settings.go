package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
)

// SettingsResolver returns validated mail settings for an organization.
type SettingsResolver interface {
	Resolve(ctx context.Context, organizationID string) (*domain.MailSettings, error)
}

// MailSettingsResolver reads tenant_mail_settings and falls back to the
// process-wide settings when an organization has no row.
type MailSettingsResolver struct {
	repo     repository.MailSettingsRepository
	fallback *domain.MailSettings
}

func NewMailSettingsResolver(repo repository.MailSettingsRepository, fallback *domain.MailSettings) *MailSettingsResolver {
	return &MailSettingsResolver{repo: repo, fallback: fallback}
}

func (r *MailSettingsResolver) Resolve(ctx context.Context, organizationID string) (*domain.MailSettings, error) {
	var settings *domain.MailSettings

	if r.repo != nil {
		found, err := r.repo.GetByOrganization(ctx, organizationID)
		switch {
		case err == nil:
			settings = found
		case errors.Is(err, domain.ErrNotFound):
		default:
			return nil, fmt.Errorf("failed to load mail settings: %w", err)
		}
	}

	if settings == nil {
		if r.fallback == nil {
			return nil, &domain.ConfigurationError{
				OrganizationID: organizationID,
				Reason:         "mail settings are not configured",
			}
		}
		copied := *r.fallback
		copied.OrganizationID = organizationID
		settings = &copied
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}
