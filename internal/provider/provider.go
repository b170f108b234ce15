package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

// Transport is the outbound mail delivery port.
type Transport interface {
	Send(ctx context.Context, msg Message) (*Receipt, error)
}

// Message is a rendered email ready for delivery.
type Message struct {
	From     string
	FromName string
	To       []string
	Subject  string
	HTMLBody string
}

// Receipt stores transport call metadata for the delivery record.
type Receipt struct {
	StatusCode int
	MessageID  string
}

// Factory builds the transport configured for an organization.
type Factory interface {
	ForSettings(settings *domain.MailSettings) (Transport, error)
}

type DefaultFactory struct {
	timeout time.Duration
	http    *resty.Client
}

func NewFactory(timeout time.Duration) *DefaultFactory {
	if timeout <= 0 {
		timeout = defaultTransportTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return &DefaultFactory{timeout: timeout, http: client}
}

func (f *DefaultFactory) ForSettings(settings *domain.MailSettings) (Transport, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	switch settings.Transport {
	case domain.TransportSMTP:
		return NewSMTPTransport(SMTPConfig{
			Host:     settings.SMTPHost,
			Port:     settings.SMTPPort,
			Username: settings.SMTPUsername,
			Password: settings.SMTPPassword,
			TLS:      settings.SMTPTLS,
			Timeout:  f.timeout,
		})
	case domain.TransportWebhook:
		return NewWebhookTransportWithClient(settings.WebhookURL, f.http)
	}

	return nil, &domain.ConfigurationError{
		OrganizationID: settings.OrganizationID,
		Reason:         fmt.Sprintf("unsupported transport %q", settings.Transport),
	}
}
