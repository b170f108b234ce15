package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TransportKind selects how a tenant's mail leaves the system.
type TransportKind string

const (
	TransportSMTP    TransportKind = "smtp"
	TransportWebhook TransportKind = "webhook"
)

func (k TransportKind) String() string { return string(k) }

func (k TransportKind) IsValid() bool {
	return k == TransportSMTP || k == TransportWebhook
}

// TLSPolicy mirrors the SMTP STARTTLS policies supported by the transport.
type TLSPolicy string

const (
	TLSMandatory     TLSPolicy = "mandatory"
	TLSOpportunistic TLSPolicy = "opportunistic"
	TLSNone          TLSPolicy = "none"
)

// MailSettings is the per-organization transport configuration and send budget.
type MailSettings struct {
	OrganizationID  string
	Transport       TransportKind
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPTLS         TLSPolicy
	WebhookURL      string
	FromAddress     string
	FromName        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	UpdatedAt       time.Time
}

// Validate returns a ConfigurationError describing the first problem found.
func (s *MailSettings) Validate() error {
	if s == nil {
		return &ConfigurationError{Reason: "mail settings are missing"}
	}

	fail := func(format string, args ...any) error {
		return &ConfigurationError{OrganizationID: s.OrganizationID, Reason: fmt.Sprintf(format, args...)}
	}

	if err := ValidateAddress(s.FromAddress); err != nil {
		return fail("invalid from address %q", s.FromAddress)
	}

	switch s.Transport {
	case TransportSMTP:
		if strings.TrimSpace(s.SMTPHost) == "" {
			return fail("smtp host is required")
		}
		if s.SMTPPort <= 0 || s.SMTPPort > 65535 {
			return fail("invalid smtp port %d", s.SMTPPort)
		}
		switch s.SMTPTLS {
		case "", TLSMandatory, TLSOpportunistic, TLSNone:
		default:
			return fail("invalid smtp tls policy %q", s.SMTPTLS)
		}
	case TransportWebhook:
		if _, err := url.ParseRequestURI(strings.TrimSpace(s.WebhookURL)); err != nil {
			return fail("invalid webhook url")
		}
	default:
		return fail("unsupported transport %q", s.Transport)
	}

	if s.RateLimitMax < 0 || s.RateLimitWindow < 0 {
		return fail("rate limit must not be negative")
	}
	return nil
}
