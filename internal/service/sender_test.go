package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	"go.uber.org/zap"
)

func newTestSender(
	t *testing.T,
	transport provider.Transport,
	doser ratelimit.Doser,
	deliveries *fakeDeliveryRepo,
) *Sender {
	t.Helper()

	sender, err := NewSender(&fakeResolver{}, &fakeFactory{transport: transport}, doser, deliveries, SenderOptions{
		Timeout:     time.Second,
		RetryDelay:  5 * time.Minute,
		MaxAttempts: 2,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSender() error = %v", err)
	}
	return sender
}

func testRequest() SendRequest {
	return SendRequest{
		OrganizationID: "org-1",
		Recipients:     []string{"ada@example.com"},
		Subject:        "Hello",
		Body:           "<p>Hi</p>",
		Attempt:        1,
	}
}

func TestSenderSendSuccessRecordsDeliveryAndBudget(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	deliveries := &fakeDeliveryRepo{}
	doser := ratelimit.NewMemoryDoser(1, time.Hour, 0, nil)
	sender := newTestSender(t, transport, doser, deliveries)

	result, err := sender.Send(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.Status != domain.DeliveryStatusSent {
		t.Fatalf("status = %s, want sent", result.Status)
	}
	if result.MessageID != "msg-ada@example.com" {
		t.Fatalf("message id = %q", result.MessageID)
	}

	record, err := deliveries.GetByID(context.Background(), result.DeliveryID)
	if err != nil {
		t.Fatalf("delivery record missing: %v", err)
	}
	if record.Scope != "org_org-1" {
		t.Fatalf("scope = %q, want org_org-1", record.Scope)
	}
	if record.Attempts != 1 || record.Error != nil {
		t.Fatalf("record = %+v", record)
	}
	if transport.sent[0].From != "noreply@example.com" {
		t.Fatalf("from = %q", transport.sent[0].From)
	}

	allowed, err := doser.CanSend(context.Background(), "org_org-1")
	if err != nil {
		t.Fatalf("CanSend() error = %v", err)
	}
	if allowed {
		t.Fatal("successful send should consume the tenant budget")
	}
}

func TestSenderSendRateLimited(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	doser := ratelimit.NewMemoryDoser(1, time.Hour, 0, nil)
	if ok, err := doser.RecordSend(context.Background(), "org_org-1"); err != nil || !ok {
		t.Fatalf("RecordSend() = %v, %v", ok, err)
	}
	sender := newTestSender(t, transport, doser, &fakeDeliveryRepo{})

	_, err := sender.Send(context.Background(), testRequest())
	rateErr, ok := domain.IsRateLimited(err)
	if !ok {
		t.Fatalf("Send() error = %v, want RateLimitError", err)
	}
	if rateErr.RetryAfter <= 0 || rateErr.RetryAfter > time.Hour {
		t.Fatalf("RetryAfter = %s", rateErr.RetryAfter)
	}
	if transport.sentCount() != 0 {
		t.Fatal("transport must not be called when rate limited")
	}
}

func TestSenderSendUsesExplicitScope(t *testing.T) {
	t.Parallel()

	doser := ratelimit.NewMemoryDoser(1, time.Hour, 0, nil)
	sender := newTestSender(t, &fakeTransport{}, doser, &fakeDeliveryRepo{})

	req := testRequest()
	req.Scope = ratelimit.GlobalScope
	if _, err := sender.Send(context.Background(), req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	allowed, _ := doser.CanSend(context.Background(), "org_org-1")
	if !allowed {
		t.Fatal("tenant budget should be untouched by a global-scope send")
	}
	allowed, _ = doser.CanSend(context.Background(), ratelimit.GlobalScope)
	if allowed {
		t.Fatal("global budget should be consumed")
	}
}

func TestSenderSendConfigurationErrors(t *testing.T) {
	t.Parallel()

	t.Run("resolver", func(t *testing.T) {
		t.Parallel()

		transport := &fakeTransport{}
		sender, err := NewSender(&fakeResolver{
			resolveFn: func(ctx context.Context, organizationID string) (*domain.MailSettings, error) {
				return nil, &domain.ConfigurationError{OrganizationID: organizationID, Reason: "missing"}
			},
		}, &fakeFactory{transport: transport}, ratelimit.NewMemoryDoser(10, time.Hour, 0, nil), &fakeDeliveryRepo{}, SenderOptions{}, nil)
		if err != nil {
			t.Fatalf("NewSender() error = %v", err)
		}

		_, err = sender.Send(context.Background(), testRequest())
		if !domain.IsConfigurationError(err) {
			t.Fatalf("Send() error = %v, want ConfigurationError", err)
		}
		if transport.sentCount() != 0 {
			t.Fatal("transport must not be called")
		}
	})

	t.Run("factory", func(t *testing.T) {
		t.Parallel()

		sender, err := NewSender(&fakeResolver{}, &fakeFactory{err: errors.New("no dialer")},
			ratelimit.NewMemoryDoser(10, time.Hour, 0, nil), &fakeDeliveryRepo{}, SenderOptions{}, nil)
		if err != nil {
			t.Fatalf("NewSender() error = %v", err)
		}

		_, err = sender.Send(context.Background(), testRequest())
		if !domain.IsConfigurationError(err) {
			t.Fatalf("Send() error = %v, want ConfigurationError", err)
		}
	})
}

func TestSenderSendTransientFailureAsksForRetry(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			return nil, &provider.TransportError{Transport: "smtp", Message: "421 try later", Transient: true}
		},
	}
	deliveries := &fakeDeliveryRepo{}
	doser := ratelimit.NewMemoryDoser(1, time.Hour, 0, nil)
	sender := newTestSender(t, transport, doser, deliveries)

	result, err := sender.Send(context.Background(), testRequest())
	retryErr, ok := IsRetryLater(err)
	if !ok {
		t.Fatalf("Send() error = %v, want RetryLaterError", err)
	}
	if retryErr.After != 5*time.Minute {
		t.Fatalf("After = %s, want 5m", retryErr.After)
	}
	if retryErr.DeliveryID == "" || retryErr.DeliveryID != result.DeliveryID {
		t.Fatalf("delivery ids differ: %q vs %q", retryErr.DeliveryID, result.DeliveryID)
	}

	record, _ := deliveries.GetByID(context.Background(), retryErr.DeliveryID)
	if record.Status != domain.DeliveryStatusQueued || record.Error == nil {
		t.Fatalf("record = %+v, want queued with error", record)
	}

	allowed, _ := doser.CanSend(context.Background(), "org_org-1")
	if !allowed {
		t.Fatal("failed send must not consume budget")
	}

	// Second attempt re-uses the record and succeeds.
	transport.sendFn = nil
	req := testRequest()
	req.Attempt = 2
	req.DeliveryID = &retryErr.DeliveryID

	result, err = sender.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if result.DeliveryID != retryErr.DeliveryID {
		t.Fatalf("delivery id = %q, want re-used %q", result.DeliveryID, retryErr.DeliveryID)
	}
	record, _ = deliveries.GetByID(context.Background(), result.DeliveryID)
	if record.Status != domain.DeliveryStatusSent || record.Attempts != 2 {
		t.Fatalf("record = %+v, want sent after 2 attempts", record)
	}
}

func TestSenderSendTerminalFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		sendErr       error
		attempt       int
		singleAttempt bool
		wantTransient bool
	}{
		{
			name:          "transient with attempts exhausted",
			sendErr:       &provider.TransportError{Transport: "smtp", Transient: true},
			attempt:       2,
			wantTransient: true,
		},
		{
			name:          "transient on single attempt",
			sendErr:       &provider.TransportError{Transport: "webhook", StatusCode: 503, Transient: true},
			attempt:       1,
			singleAttempt: true,
			wantTransient: true,
		},
		{
			name:    "permanent",
			sendErr: &provider.TransportError{Transport: "webhook", StatusCode: 400},
			attempt: 1,
		},
		{
			name:    "unclassified error",
			sendErr: errors.New("mailbox unavailable"),
			attempt: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			transport := &fakeTransport{
				sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
					return nil, tt.sendErr
				},
			}
			deliveries := &fakeDeliveryRepo{}
			sender := newTestSender(t, transport, ratelimit.NewMemoryDoser(10, time.Hour, 0, nil), deliveries)

			req := testRequest()
			req.Attempt = tt.attempt
			req.SingleAttempt = tt.singleAttempt

			result, err := sender.Send(context.Background(), req)
			var transportErr *provider.TransportError
			if !errors.As(err, &transportErr) {
				t.Fatalf("Send() error = %v, want TransportError", err)
			}
			if transportErr.Transient != tt.wantTransient {
				t.Fatalf("Transient = %v, want %v", transportErr.Transient, tt.wantTransient)
			}
			if result == nil || result.Status != domain.DeliveryStatusFailed {
				t.Fatalf("result = %+v, want failed", result)
			}

			record, _ := deliveries.GetByID(context.Background(), result.DeliveryID)
			if record.Status != domain.DeliveryStatusFailed || record.Attempts != tt.attempt {
				t.Fatalf("record = %+v", record)
			}
		})
	}
}

func TestSenderSendInterruptedByShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	transport := &fakeTransport{
		sendFn: func(sendCtx context.Context, msg provider.Message) (*provider.Receipt, error) {
			cancel()
			return nil, context.Canceled
		},
	}
	deliveries := &fakeDeliveryRepo{}
	sender := newTestSender(t, transport, ratelimit.NewMemoryDoser(10, time.Hour, 0, nil), deliveries)

	_, err := sender.Send(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Send() error = %v, want context.Canceled", err)
	}
	if len(deliveries.records) != 0 {
		t.Fatalf("records = %d, want none", len(deliveries.records))
	}
}

func TestSenderSendValidatesRequest(t *testing.T) {
	t.Parallel()

	sender := newTestSender(t, &fakeTransport{}, ratelimit.NewMemoryDoser(10, time.Hour, 0, nil), &fakeDeliveryRepo{})

	req := testRequest()
	req.Recipients = []string{"not-an-address"}
	if _, err := sender.Send(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Send() error = %v, want ErrValidation", err)
	}

	req = testRequest()
	req.Recipients = nil
	if _, err := sender.Send(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Send() error = %v, want ErrValidation", err)
	}
}

func TestMailSettingsResolver(t *testing.T) {
	t.Parallel()

	stores := newTestStores(t)
	ctx := context.Background()

	fallback := webhookSettings("")
	resolver := NewMailSettingsResolver(stores.settings, fallback)

	got, err := resolver.Resolve(ctx, "org-9")
	if err != nil {
		t.Fatalf("Resolve() fallback error = %v", err)
	}
	if got.OrganizationID != "org-9" || got.Transport != domain.TransportWebhook {
		t.Fatalf("fallback = %+v", got)
	}
	if fallback.OrganizationID != "" {
		t.Fatal("fallback settings must not be mutated")
	}

	tenant := &domain.MailSettings{
		OrganizationID:  "org-9",
		Transport:       domain.TransportSMTP,
		SMTPHost:        "smtp.example.com",
		SMTPPort:        587,
		SMTPTLS:         domain.TLSMandatory,
		FromAddress:     "news@example.com",
		RateLimitMax:    10,
		RateLimitWindow: time.Minute,
	}
	if err := stores.settings.Upsert(ctx, tenant); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err = resolver.Resolve(ctx, "org-9")
	if err != nil {
		t.Fatalf("Resolve() tenant error = %v", err)
	}
	if got.Transport != domain.TransportSMTP || got.RateLimitMax != 10 {
		t.Fatalf("tenant settings = %+v", got)
	}

	_, err = NewMailSettingsResolver(stores.settings, nil).Resolve(ctx, "org-unknown")
	if !domain.IsConfigurationError(err) {
		t.Fatalf("Resolve() error = %v, want ConfigurationError", err)
	}
}
