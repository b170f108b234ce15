package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB() error = %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migrations.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

type testStores struct {
	campaigns  *repository.GormCampaignRepo
	rows       *repository.GormCampaignRowRepo
	deliveries *repository.GormDeliveryRepo
	settings   *repository.GormMailSettingsRepo
}

func newTestStores(t *testing.T) testStores {
	t.Helper()

	db := newTestDB(t)
	return testStores{
		campaigns:  repository.NewGormCampaignRepo(db),
		rows:       repository.NewGormCampaignRowRepo(db),
		deliveries: repository.NewGormDeliveryRepo(db),
		settings:   repository.NewGormMailSettingsRepo(db),
	}
}

func (s testStores) seedCampaign(t *testing.T, status domain.CampaignStatus, subject string) *domain.Campaign {
	t.Helper()

	c := &domain.Campaign{
		ID:             uuid.NewString(),
		OrganizationID: "org-1",
		Name:           "spring sale",
		Subject:        subject,
		Body:           "<p>Hi {{.name}}</p>",
		UseTableData:   true,
		SendType:       domain.SendTypeImmediate,
		Status:         status,
	}
	if err := s.campaigns.Create(context.Background(), c); err != nil {
		t.Fatalf("Create(campaign) error = %v", err)
	}
	return c
}

func (s testStores) seedRows(t *testing.T, campaignID string, status domain.RowStatus, data []map[string]any, recipients ...string) []*domain.CampaignRow {
	t.Helper()

	rows := make([]*domain.CampaignRow, 0, len(recipients))
	for i, recipient := range recipients {
		row := &domain.CampaignRow{
			ID:              uuid.NewString(),
			CampaignID:      campaignID,
			Recipient:       recipient,
			Data:            map[string]any{"name": recipient},
			ScheduledSendAt: baseTime,
			Status:          status,
			CreatedAt:       baseTime.Add(time.Duration(i) * time.Second),
		}
		if i < len(data) && data[i] != nil {
			row.Data = data[i]
		}
		rows = append(rows, row)
	}
	if err := s.rows.CreateBatch(context.Background(), rows); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	return rows
}

func (s testStores) rowStatus(t *testing.T, id string) *domain.CampaignRow {
	t.Helper()

	row, err := s.rows.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(row) error = %v", err)
	}
	return row
}

func webhookSettings(orgID string) *domain.MailSettings {
	return &domain.MailSettings{
		OrganizationID:  orgID,
		Transport:       domain.TransportWebhook,
		WebhookURL:      "https://relay.example.com/send",
		FromAddress:     "noreply@example.com",
		RateLimitMax:    200,
		RateLimitWindow: time.Hour,
	}
}

type fakeTransport struct {
	mu     sync.Mutex
	sendFn func(ctx context.Context, msg provider.Message) (*provider.Receipt, error)
	sent   []provider.Message
}

func (f *fakeTransport) Send(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return &provider.Receipt{StatusCode: 202, MessageID: "msg-" + msg.To[0]}, nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeFactory struct {
	transport provider.Transport
	err       error
}

func (f *fakeFactory) ForSettings(settings *domain.MailSettings) (provider.Transport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.transport, nil
}

type fakeResolver struct {
	resolveFn func(ctx context.Context, organizationID string) (*domain.MailSettings, error)
}

func (f *fakeResolver) Resolve(ctx context.Context, organizationID string) (*domain.MailSettings, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, organizationID)
	}
	return webhookSettings(organizationID), nil
}

type fakeMailSender struct {
	sendFn func(ctx context.Context, req SendRequest) (*SendResult, error)
}

func (f *fakeMailSender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, req)
	}
	return &SendResult{DeliveryID: uuid.NewString(), Status: domain.DeliveryStatusSent}, nil
}

type fakeDeliveryRepo struct {
	mu       sync.Mutex
	records  map[string]domain.DeliveryRecord
	createFn func(ctx context.Context, d *domain.DeliveryRecord) error
}

func (f *fakeDeliveryRepo) Create(ctx context.Context, d *domain.DeliveryRecord) error {
	if f.createFn != nil {
		if err := f.createFn(ctx, d); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string]domain.DeliveryRecord)
	}
	f.records[d.ID] = *d
	return nil
}

func (f *fakeDeliveryRepo) Update(ctx context.Context, d *domain.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[d.ID]; !ok {
		return domain.ErrNotFound
	}
	f.records[d.ID] = *d
	return nil
}

func (f *fakeDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &record, nil
}

func (f *fakeDeliveryRepo) ListUnlinkedTerminal(ctx context.Context, campaignID string) ([]domain.DeliveryRecord, error) {
	return nil, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.CycleMessage
	publishFn func(ctx context.Context, queueName string, msg queue.CycleMessage) error
	closeFn   func() error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.CycleMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

func (f *fakePublisher) messages() []queue.CycleMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.CycleMessage(nil), f.published...)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeProcessor struct {
	processAllFn      func(ctx context.Context) error
	processCampaignFn func(ctx context.Context, campaignID string) (*CycleResult, error)
}

func (f *fakeProcessor) ProcessAll(ctx context.Context) error {
	if f.processAllFn != nil {
		return f.processAllFn(ctx)
	}
	return nil
}

func (f *fakeProcessor) ProcessCampaign(ctx context.Context, campaignID string) (*CycleResult, error) {
	if f.processCampaignFn != nil {
		return f.processCampaignFn(ctx, campaignID)
	}
	return &CycleResult{CampaignID: campaignID}, nil
}
