package repository

import (
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/datatypes"
)

// CampaignModel is the persistence model for the campaigns table.
type CampaignModel struct {
	ID               string                      `gorm:"type:uuid;primaryKey"`
	OrganizationID   string                      `gorm:"type:varchar(64);not null;index"`
	Name             string                      `gorm:"type:varchar(255);not null"`
	Subject          string                      `gorm:"type:text;not null"`
	Body             string                      `gorm:"type:text;not null"`
	UseTableData     bool                        `gorm:"not null;default:false"`
	ManualRecipients datatypes.JSONSlice[string]
	SendType         domain.SendType             `gorm:"type:varchar(20);not null"`
	ScheduledAt      *time.Time
	Status           domain.CampaignStatus       `gorm:"type:varchar(20);not null"`
	TotalEmails      int                         `gorm:"not null;default:0"`
	SentEmails       int                         `gorm:"not null;default:0"`
	FailedEmails     int                         `gorm:"not null;default:0"`
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (CampaignModel) TableName() string {
	return "campaigns"
}

// CampaignRowModel is the persistence model for campaign_rows.
type CampaignRowModel struct {
	ID              string            `gorm:"type:uuid;primaryKey"`
	CampaignID      string            `gorm:"type:uuid;not null"`
	Recipient       string            `gorm:"type:varchar(320);not null"`
	Data            datatypes.JSONMap
	ScheduledSendAt time.Time         `gorm:"not null"`
	Status          domain.RowStatus  `gorm:"type:varchar(20);not null"`
	DeliveryID      *string           `gorm:"type:uuid"`
	AttemptCount    int               `gorm:"not null;default:0"`
	LastError       *string           `gorm:"type:text"`
	ClaimedBy       *string           `gorm:"type:varchar(36)"`
	ClaimedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (CampaignRowModel) TableName() string {
	return "campaign_rows"
}

// DeliveryModel is the persistence model for email_deliveries.
type DeliveryModel struct {
	ID             string                      `gorm:"type:uuid;primaryKey"`
	OrganizationID string                      `gorm:"type:varchar(64);not null"`
	Recipients     datatypes.JSONSlice[string] `gorm:"not null"`
	Subject        string                      `gorm:"type:text;not null"`
	Body           string                      `gorm:"type:text;not null"`
	Scope          string                      `gorm:"type:varchar(128);not null"`
	Status         domain.DeliveryStatus       `gorm:"type:varchar(20);not null"`
	Error          *string                     `gorm:"type:text"`
	Attempts       int                         `gorm:"not null;default:0"`
	CampaignID     *string                     `gorm:"type:uuid"`
	RowKey         *string                     `gorm:"type:varchar(64)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (DeliveryModel) TableName() string {
	return "email_deliveries"
}

// MailSettingsModel is the persistence model for tenant_mail_settings.
type MailSettingsModel struct {
	OrganizationID         string               `gorm:"type:varchar(64);primaryKey"`
	Transport              domain.TransportKind `gorm:"type:varchar(20);not null"`
	SMTPHost               string               `gorm:"column:smtp_host;type:varchar(255)"`
	SMTPPort               int                  `gorm:"column:smtp_port"`
	SMTPUsername           string               `gorm:"column:smtp_username;type:varchar(255)"`
	SMTPPassword           string               `gorm:"column:smtp_password;type:varchar(255)"`
	SMTPTLS                domain.TLSPolicy     `gorm:"column:smtp_tls;type:varchar(20)"`
	WebhookURL             string               `gorm:"type:varchar(2048)"`
	FromAddress            string               `gorm:"type:varchar(320);not null"`
	FromName               string               `gorm:"type:varchar(255)"`
	RateLimitMax           int                  `gorm:"not null;default:0"`
	RateLimitWindowSeconds int                  `gorm:"not null;default:0"`
	UpdatedAt              time.Time
}

func (MailSettingsModel) TableName() string {
	return "tenant_mail_settings"
}

// AllModels lists every persistence model in dependency order.
func AllModels() []any {
	return []any{&CampaignModel{}, &CampaignRowModel{}, &DeliveryModel{}, &MailSettingsModel{}}
}

func campaignModelFromDomain(c *domain.Campaign) *CampaignModel {
	if c == nil {
		return nil
	}

	return &CampaignModel{
		ID:               c.ID,
		OrganizationID:   c.OrganizationID,
		Name:             c.Name,
		Subject:          c.Subject,
		Body:             c.Body,
		UseTableData:     c.UseTableData,
		ManualRecipients: datatypes.JSONSlice[string](c.ManualRecipients),
		SendType:         c.SendType,
		ScheduledAt:      c.ScheduledAt,
		Status:           c.Status,
		TotalEmails:      c.TotalEmails,
		SentEmails:       c.SentEmails,
		FailedEmails:     c.FailedEmails,
		CompletedAt:      c.CompletedAt,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func campaignModelToDomain(m *CampaignModel) *domain.Campaign {
	if m == nil {
		return nil
	}

	return &domain.Campaign{
		ID:               m.ID,
		OrganizationID:   m.OrganizationID,
		Name:             m.Name,
		Subject:          m.Subject,
		Body:             m.Body,
		UseTableData:     m.UseTableData,
		ManualRecipients: []string(m.ManualRecipients),
		SendType:         m.SendType,
		ScheduledAt:      m.ScheduledAt,
		Status:           m.Status,
		TotalEmails:      m.TotalEmails,
		SentEmails:       m.SentEmails,
		FailedEmails:     m.FailedEmails,
		CompletedAt:      m.CompletedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func rowModelFromDomain(r *domain.CampaignRow) *CampaignRowModel {
	if r == nil {
		return nil
	}

	return &CampaignRowModel{
		ID:              r.ID,
		CampaignID:      r.CampaignID,
		Recipient:       r.Recipient,
		Data:            datatypes.JSONMap(r.Data),
		ScheduledSendAt: r.ScheduledSendAt,
		Status:          r.Status,
		DeliveryID:      r.DeliveryID,
		AttemptCount:    r.AttemptCount,
		LastError:       r.LastError,
		ClaimedBy:       r.ClaimedBy,
		ClaimedAt:       r.ClaimedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func rowModelToDomain(m *CampaignRowModel) *domain.CampaignRow {
	if m == nil {
		return nil
	}

	return &domain.CampaignRow{
		ID:              m.ID,
		CampaignID:      m.CampaignID,
		Recipient:       m.Recipient,
		Data:            map[string]any(m.Data),
		ScheduledSendAt: m.ScheduledSendAt,
		Status:          m.Status,
		DeliveryID:      m.DeliveryID,
		AttemptCount:    m.AttemptCount,
		LastError:       m.LastError,
		ClaimedBy:       m.ClaimedBy,
		ClaimedAt:       m.ClaimedAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func rowModelsToDomain(models []CampaignRowModel) []domain.CampaignRow {
	rows := make([]domain.CampaignRow, 0, len(models))
	for i := range models {
		rows = append(rows, *rowModelToDomain(&models[i]))
	}
	return rows
}

func deliveryModelFromDomain(d *domain.DeliveryRecord) *DeliveryModel {
	if d == nil {
		return nil
	}

	return &DeliveryModel{
		ID:             d.ID,
		OrganizationID: d.OrganizationID,
		Recipients:     datatypes.JSONSlice[string](d.Recipients),
		Subject:        d.Subject,
		Body:           d.Body,
		Scope:          d.Scope,
		Status:         d.Status,
		Error:          d.Error,
		Attempts:       d.Attempts,
		CampaignID:     d.CampaignID,
		RowKey:         d.RowKey,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func deliveryModelToDomain(m *DeliveryModel) *domain.DeliveryRecord {
	if m == nil {
		return nil
	}

	return &domain.DeliveryRecord{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		Recipients:     []string(m.Recipients),
		Subject:        m.Subject,
		Body:           m.Body,
		Scope:          m.Scope,
		Status:         m.Status,
		Error:          m.Error,
		Attempts:       m.Attempts,
		CampaignID:     m.CampaignID,
		RowKey:         m.RowKey,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func mailSettingsModelFromDomain(s *domain.MailSettings) *MailSettingsModel {
	if s == nil {
		return nil
	}

	return &MailSettingsModel{
		OrganizationID:         s.OrganizationID,
		Transport:              s.Transport,
		SMTPHost:               s.SMTPHost,
		SMTPPort:               s.SMTPPort,
		SMTPUsername:           s.SMTPUsername,
		SMTPPassword:           s.SMTPPassword,
		SMTPTLS:                s.SMTPTLS,
		WebhookURL:             s.WebhookURL,
		FromAddress:            s.FromAddress,
		FromName:               s.FromName,
		RateLimitMax:           s.RateLimitMax,
		RateLimitWindowSeconds: int(s.RateLimitWindow / time.Second),
		UpdatedAt:              s.UpdatedAt,
	}
}

func mailSettingsModelToDomain(m *MailSettingsModel) *domain.MailSettings {
	if m == nil {
		return nil
	}

	return &domain.MailSettings{
		OrganizationID:  m.OrganizationID,
		Transport:       m.Transport,
		SMTPHost:        m.SMTPHost,
		SMTPPort:        m.SMTPPort,
		SMTPUsername:    m.SMTPUsername,
		SMTPPassword:    m.SMTPPassword,
		SMTPTLS:         m.SMTPTLS,
		WebhookURL:      m.WebhookURL,
		FromAddress:     m.FromAddress,
		FromName:        m.FromName,
		RateLimitMax:    m.RateLimitMax,
		RateLimitWindow: time.Duration(m.RateLimitWindowSeconds) * time.Second,
		UpdatedAt:       m.UpdatedAt,
	}
}
