package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"github.com/kursadbilgin/campaign-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type CampaignService interface {
	Create(ctx context.Context, input service.CreateCampaignInput) (*domain.Campaign, error)
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, params repository.CampaignListParams) ([]domain.Campaign, int64, error)
	ListRows(ctx context.Context, campaignID string, params repository.RowListParams) ([]domain.CampaignRow, int64, error)
	ReplaceRecipients(ctx context.Context, id string, input service.ReplaceRecipientsInput) (*domain.Campaign, error)
	Start(ctx context.Context, id string) (*domain.Campaign, error)
	Pause(ctx context.Context, id string) (*domain.Campaign, error)
	Resume(ctx context.Context, id string) (*domain.Campaign, error)
	Summary(ctx context.Context, id string) (*service.CampaignSummary, error)
	TestSend(ctx context.Context, id string, input service.TestSendInput) (*service.SendResult, error)
	GetMailSettings(ctx context.Context, organizationID string) (*domain.MailSettings, error)
	UpsertMailSettings(ctx context.Context, settings *domain.MailSettings) (*domain.MailSettings, error)
	TriggerCycle(ctx context.Context) error
}

type CampaignHandler struct {
	service CampaignService
}

func NewCampaignHandler(service CampaignService) (*CampaignHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("campaign service is required")
	}
	return &CampaignHandler{service: service}, nil
}

func RegisterCampaignRoutes(router fiber.Router, service CampaignService) error {
	h, err := NewCampaignHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/campaigns", h.CreateCampaign)
	v1.Get("/campaigns", h.ListCampaigns)
	v1.Get("/campaigns/:id", h.GetCampaign)
	v1.Get("/campaigns/:id/rows", h.ListRows)
	v1.Put("/campaigns/:id/recipients", h.ReplaceRecipients)
	v1.Post("/campaigns/:id/start", h.StartCampaign)
	v1.Post("/campaigns/:id/pause", h.PauseCampaign)
	v1.Post("/campaigns/:id/resume", h.ResumeCampaign)
	v1.Get("/campaigns/:id/summary", h.GetSummary)
	v1.Post("/campaigns/:id/test-send", h.TestSend)
	v1.Get("/organizations/:orgId/mail-settings", h.GetMailSettings)
	v1.Put("/organizations/:orgId/mail-settings", h.UpsertMailSettings)
	v1.Post("/cycles", h.TriggerCycle)

	return nil
}

type rowRequest struct {
	Recipient string         `json:"recipient"`
	Data      map[string]any `json:"data"`
}

type createCampaignRequest struct {
	OrganizationID   string       `json:"organizationId"`
	Name             string       `json:"name"`
	Subject          string       `json:"subject"`
	Body             string       `json:"body"`
	UseTableData     bool         `json:"useTableData"`
	ManualRecipients []string     `json:"manualRecipients"`
	Rows             []rowRequest `json:"rows"`
	SendType         string       `json:"sendType"`
	ScheduledAt      string       `json:"scheduledAt"`
}

type replaceRecipientsRequest struct {
	ManualRecipients []string     `json:"manualRecipients"`
	Rows             []rowRequest `json:"rows"`
}

type testSendRequest struct {
	Recipient string         `json:"recipient"`
	Data      map[string]any `json:"data"`
}

type mailSettingsRequest struct {
	Transport              string `json:"transport"`
	SMTPHost               string `json:"smtpHost"`
	SMTPPort               int    `json:"smtpPort"`
	SMTPUsername           string `json:"smtpUsername"`
	SMTPPassword           string `json:"smtpPassword"`
	SMTPTLS                string `json:"smtpTls"`
	WebhookURL             string `json:"webhookUrl"`
	FromAddress            string `json:"fromAddress"`
	FromName               string `json:"fromName"`
	RateLimitMax           int    `json:"rateLimitMax"`
	RateLimitWindowSeconds int    `json:"rateLimitWindowSeconds"`
}

type campaignResponse struct {
	ID               string     `json:"id"`
	OrganizationID   string     `json:"organizationId"`
	Name             string     `json:"name"`
	Subject          string     `json:"subject"`
	Body             string     `json:"body"`
	UseTableData     bool       `json:"useTableData"`
	ManualRecipients []string   `json:"manualRecipients,omitempty"`
	SendType         string     `json:"sendType"`
	ScheduledAt      *time.Time `json:"scheduledAt,omitempty"`
	Status           string     `json:"status"`
	TotalEmails      int        `json:"totalEmails"`
	SentEmails       int        `json:"sentEmails"`
	FailedEmails     int        `json:"failedEmails"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt,omitempty"`
}

type rowResponse struct {
	ID              string         `json:"id"`
	CampaignID      string         `json:"campaignId"`
	Recipient       string         `json:"recipient"`
	Data            map[string]any `json:"data,omitempty"`
	ScheduledSendAt time.Time      `json:"scheduledSendAt"`
	Status          string         `json:"status"`
	DeliveryID      *string        `json:"deliveryId,omitempty"`
	AttemptCount    int            `json:"attemptCount"`
	LastError       *string        `json:"lastError,omitempty"`
	CreatedAt       time.Time      `json:"createdAt,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt,omitempty"`
}

type listCampaignsResponse struct {
	Data []campaignResponse `json:"data"`
	Meta listMeta           `json:"meta"`
}

type listRowsResponse struct {
	Data []rowResponse `json:"data"`
	Meta listMeta      `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type summaryResponse struct {
	Campaign campaignResponse `json:"campaign"`
	Counts   map[string]int64 `json:"counts"`
	Totals   totalsResponse   `json:"totals"`
}

type totalsResponse struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Open   int `json:"open"`
}

type testSendResponse struct {
	DeliveryID string `json:"deliveryId"`
	Status     string `json:"status"`
	Transport  string `json:"transport,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
}

type mailSettingsResponse struct {
	OrganizationID         string    `json:"organizationId"`
	Transport              string    `json:"transport"`
	SMTPHost               string    `json:"smtpHost,omitempty"`
	SMTPPort               int       `json:"smtpPort,omitempty"`
	SMTPUsername           string    `json:"smtpUsername,omitempty"`
	HasSMTPPassword        bool      `json:"hasSmtpPassword"`
	SMTPTLS                string    `json:"smtpTls,omitempty"`
	WebhookURL             string    `json:"webhookUrl,omitempty"`
	FromAddress            string    `json:"fromAddress"`
	FromName               string    `json:"fromName,omitempty"`
	RateLimitMax           int       `json:"rateLimitMax"`
	RateLimitWindowSeconds int       `json:"rateLimitWindowSeconds"`
	UpdatedAt              time.Time `json:"updatedAt,omitempty"`
}

func (h *CampaignHandler) CreateCampaign(c *fiber.Ctx) error {
	var req createCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	input := service.CreateCampaignInput{
		OrganizationID:   req.OrganizationID,
		Name:             req.Name,
		Subject:          req.Subject,
		Body:             req.Body,
		UseTableData:     req.UseTableData,
		ManualRecipients: req.ManualRecipients,
		Rows:             toRowInputs(req.Rows),
	}

	if raw := strings.TrimSpace(req.SendType); raw != "" {
		sendType, err := domain.ParseSendTypeFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		input.SendType = sendType
	}

	scheduledAt, err := parseRFC3339(req.ScheduledAt, "scheduledAt")
	if err != nil {
		return toHTTPError(err)
	}
	input.ScheduledAt = scheduledAt

	created, err := h.service.Create(requestContext(c), input)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toCampaignResponse(created))
}

func (h *CampaignHandler) ListCampaigns(c *fiber.Ctx) error {
	page, pageSize, err := parsePagination(c)
	if err != nil {
		return toHTTPError(err)
	}

	params := repository.CampaignListParams{
		OrganizationID: strings.TrimSpace(c.Query("organizationId")),
		Page:           page,
		PageSize:       pageSize,
	}
	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseCampaignStatusFromString(rawStatus)
		if err != nil {
			return toHTTPError(err)
		}
		params.Status = &status
	}

	campaigns, total, err := h.service.List(requestContext(c), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]campaignResponse, 0, len(campaigns))
	for i := range campaigns {
		data = append(data, toCampaignResponse(&campaigns[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listCampaignsResponse{
		Data: data,
		Meta: listMeta{Page: page, PageSize: pageSize, Total: total},
	})
}

func (h *CampaignHandler) GetCampaign(c *fiber.Ctx) error {
	campaign, err := h.service.Get(requestContext(c), campaignID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *CampaignHandler) ListRows(c *fiber.Ctx) error {
	page, pageSize, err := parsePagination(c)
	if err != nil {
		return toHTTPError(err)
	}

	params := repository.RowListParams{Page: page, PageSize: pageSize}
	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseRowStatusFromString(rawStatus)
		if err != nil {
			return toHTTPError(err)
		}
		params.Status = &status
	}

	rows, total, err := h.service.ListRows(requestContext(c), campaignID(c), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]rowResponse, 0, len(rows))
	for i := range rows {
		data = append(data, toRowResponse(&rows[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listRowsResponse{
		Data: data,
		Meta: listMeta{Page: page, PageSize: pageSize, Total: total},
	})
}

func (h *CampaignHandler) ReplaceRecipients(c *fiber.Ctx) error {
	var req replaceRecipientsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	updated, err := h.service.ReplaceRecipients(requestContext(c), campaignID(c), service.ReplaceRecipientsInput{
		ManualRecipients: req.ManualRecipients,
		Rows:             toRowInputs(req.Rows),
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toCampaignResponse(updated))
}

func (h *CampaignHandler) StartCampaign(c *fiber.Ctx) error {
	return h.applyAction(c, h.service.Start)
}

func (h *CampaignHandler) PauseCampaign(c *fiber.Ctx) error {
	return h.applyAction(c, h.service.Pause)
}

func (h *CampaignHandler) ResumeCampaign(c *fiber.Ctx) error {
	return h.applyAction(c, h.service.Resume)
}

func (h *CampaignHandler) applyAction(c *fiber.Ctx, action func(context.Context, string) (*domain.Campaign, error)) error {
	campaign, err := action(requestContext(c), campaignID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *CampaignHandler) GetSummary(c *fiber.Ctx) error {
	summary, err := h.service.Summary(requestContext(c), campaignID(c))
	if err != nil {
		return toHTTPError(err)
	}

	counts := make(map[string]int64, len(summary.Counts))
	for status, count := range summary.Counts {
		counts[status.String()] = count
	}

	return c.Status(fiber.StatusOK).JSON(summaryResponse{
		Campaign: toCampaignResponse(summary.Campaign),
		Counts:   counts,
		Totals: totalsResponse{
			Total:  summary.Totals.Total,
			Sent:   summary.Totals.Sent,
			Failed: summary.Totals.Failed,
			Open:   summary.Totals.Open,
		},
	})
}

func (h *CampaignHandler) TestSend(c *fiber.Ctx) error {
	var req testSendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.service.TestSend(requestContext(c), campaignID(c), service.TestSendInput{
		Recipient: req.Recipient,
		Data:      req.Data,
	})
	if err != nil {
		if rateErr, ok := domain.IsRateLimited(err); ok {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(rateErr.RetryAfter.Seconds()))))
		}
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(testSendResponse{
		DeliveryID: result.DeliveryID,
		Status:     result.Status.String(),
		Transport:  result.Transport.String(),
		MessageID:  result.MessageID,
	})
}

func (h *CampaignHandler) GetMailSettings(c *fiber.Ctx) error {
	settings, err := h.service.GetMailSettings(requestContext(c), strings.TrimSpace(c.Params("orgId")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toMailSettingsResponse(settings))
}

func (h *CampaignHandler) UpsertMailSettings(c *fiber.Ctx) error {
	var req mailSettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.RateLimitWindowSeconds < 0 {
		return toHTTPError(fmt.Errorf("%w: rateLimitWindowSeconds must be >= 0", domain.ErrValidation))
	}

	saved, err := h.service.UpsertMailSettings(requestContext(c), &domain.MailSettings{
		OrganizationID:  strings.TrimSpace(c.Params("orgId")),
		Transport:       domain.TransportKind(strings.ToLower(strings.TrimSpace(req.Transport))),
		SMTPHost:        strings.TrimSpace(req.SMTPHost),
		SMTPPort:        req.SMTPPort,
		SMTPUsername:    req.SMTPUsername,
		SMTPPassword:    req.SMTPPassword,
		SMTPTLS:         domain.TLSPolicy(strings.ToLower(strings.TrimSpace(req.SMTPTLS))),
		WebhookURL:      strings.TrimSpace(req.WebhookURL),
		FromAddress:     strings.TrimSpace(req.FromAddress),
		FromName:        req.FromName,
		RateLimitMax:    req.RateLimitMax,
		RateLimitWindow: time.Duration(req.RateLimitWindowSeconds) * time.Second,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toMailSettingsResponse(saved))
}

func (h *CampaignHandler) TriggerCycle(c *fiber.Ctx) error {
	if err := h.service.TriggerCycle(requestContext(c)); err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "accepted",
	})
}

func parsePagination(c *fiber.Ctx) (int, int, error) {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)

	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return 0, 0, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}
	return page, pageSize, nil
}

func parseRFC3339(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func campaignID(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Params("id"))
}

// requestContext carries the request correlation id into service calls.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toRowInputs(rows []rowRequest) []service.RowInput {
	if len(rows) == 0 {
		return nil
	}
	inputs := make([]service.RowInput, 0, len(rows))
	for _, row := range rows {
		inputs = append(inputs, service.RowInput{Recipient: row.Recipient, Data: row.Data})
	}
	return inputs
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	if c == nil {
		return campaignResponse{}
	}

	return campaignResponse{
		ID:               c.ID,
		OrganizationID:   c.OrganizationID,
		Name:             c.Name,
		Subject:          c.Subject,
		Body:             c.Body,
		UseTableData:     c.UseTableData,
		ManualRecipients: c.ManualRecipients,
		SendType:         c.SendType.String(),
		ScheduledAt:      c.ScheduledAt,
		Status:           c.Status.String(),
		TotalEmails:      c.TotalEmails,
		SentEmails:       c.SentEmails,
		FailedEmails:     c.FailedEmails,
		CompletedAt:      c.CompletedAt,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func toRowResponse(r *domain.CampaignRow) rowResponse {
	return rowResponse{
		ID:              r.ID,
		CampaignID:      r.CampaignID,
		Recipient:       r.Recipient,
		Data:            r.Data,
		ScheduledSendAt: r.ScheduledSendAt,
		Status:          r.Status.String(),
		DeliveryID:      r.DeliveryID,
		AttemptCount:    r.AttemptCount,
		LastError:       r.LastError,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func toMailSettingsResponse(s *domain.MailSettings) mailSettingsResponse {
	if s == nil {
		return mailSettingsResponse{}
	}

	return mailSettingsResponse{
		OrganizationID:         s.OrganizationID,
		Transport:              s.Transport.String(),
		SMTPHost:               s.SMTPHost,
		SMTPPort:               s.SMTPPort,
		SMTPUsername:           s.SMTPUsername,
		HasSMTPPassword:        s.SMTPPassword != "",
		SMTPTLS:                string(s.SMTPTLS),
		WebhookURL:             s.WebhookURL,
		FromAddress:            s.FromAddress,
		FromName:               s.FromName,
		RateLimitMax:           s.RateLimitMax,
		RateLimitWindowSeconds: int(s.RateLimitWindow / time.Second),
		UpdatedAt:              s.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	var transportErr *provider.TransportError

	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidStateTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case domain.IsConfigurationError(err):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &transportErr):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}

	if _, ok := domain.IsRateLimited(err); ok {
		return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
	}
	return err
}
