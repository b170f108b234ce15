package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/wneessen/go-mail"
)

const defaultTransportTimeout = 30 * time.Second

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      domain.TLSPolicy
	Timeout  time.Duration
}

// SMTPTransport delivers messages through an SMTP relay, one connection per send.
type SMTPTransport struct {
	cfg     SMTPConfig
	options []mail.Option
}

func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid smtp port %d", cfg.Port)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTransportTimeout
	}

	options := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(tlsPolicy(cfg.TLS)),
	}
	if cfg.Username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	return &SMTPTransport{cfg: cfg, options: options}, nil
}

func (t *SMTPTransport) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if t == nil {
		return nil, fmt.Errorf("smtp transport is not initialized")
	}

	m, err := buildMessage(msg)
	if err != nil {
		return nil, &TransportError{Transport: "smtp", Message: "invalid message", Cause: err}
	}

	client, err := mail.NewClient(t.cfg.Host, t.options...)
	if err != nil {
		return nil, &TransportError{Transport: "smtp", Message: "invalid client configuration", Cause: err}
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return nil, &TransportError{
			Transport: "smtp",
			Message:   "send failed",
			Transient: !errors.Is(err, context.Canceled) && IsTransient(err),
			Cause:     err,
		}
	}

	return &Receipt{MessageID: m.GetMessageID()}, nil
}

func buildMessage(msg Message) (*mail.Msg, error) {
	if len(msg.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	m := mail.NewMsg()
	if msg.FromName != "" {
		if err := m.FromFormat(msg.FromName, msg.From); err != nil {
			return nil, fmt.Errorf("invalid from address: %w", err)
		}
	} else if err := m.From(msg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetMessageID()
	m.SetDate()
	m.SetBodyString(mail.TypeTextHTML, msg.HTMLBody)

	return m, nil
}

func tlsPolicy(policy domain.TLSPolicy) mail.TLSPolicy {
	switch policy {
	case domain.TLSMandatory:
		return mail.TLSMandatory
	case domain.TLSNone:
		return mail.NoTLS
	default:
		return mail.TLSOpportunistic
	}
}
