package domain

import (
	"fmt"
	"strings"
	"time"
)

// RowStatus represents the per-recipient delivery lifecycle.
type RowStatus string

const (
	RowStatusDraft   RowStatus = "draft"
	RowStatusPending RowStatus = "pending"
	RowStatusQueued  RowStatus = "queued"
	RowStatusSending RowStatus = "sending"
	RowStatusSent    RowStatus = "sent"
	RowStatusFailed  RowStatus = "failed"
)

func (s RowStatus) String() string { return string(s) }

func (s RowStatus) IsValid() bool {
	switch s {
	case RowStatusDraft, RowStatusPending, RowStatusQueued, RowStatusSending, RowStatusSent, RowStatusFailed:
		return true
	}
	return false
}

func (s RowStatus) IsTerminal() bool {
	return s == RowStatusSent || s == RowStatusFailed
}

func ParseRowStatusFromString(s string) (RowStatus, error) {
	st := RowStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid row status %q", ErrValidation, s)
	}
	return st, nil
}

// OpenRowStatuses are the states that keep a campaign from completing.
var OpenRowStatuses = []RowStatus{RowStatusDraft, RowStatusPending, RowStatusQueued, RowStatusSending}

// CampaignRow is one recipient of a campaign with its personalization data.
type CampaignRow struct {
	ID              string
	CampaignID      string
	Recipient       string
	Data            map[string]any
	ScheduledSendAt time.Time
	Status          RowStatus
	DeliveryID      *string
	AttemptCount    int
	LastError       *string
	ClaimedBy       *string
	ClaimedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (r *CampaignRow) Validate() error {
	if strings.TrimSpace(r.CampaignID) == "" {
		return fmt.Errorf("%w: campaign id is required", ErrValidation)
	}
	return ValidateAddress(r.Recipient)
}

// TemplateData merges the personalization payload with the recipient address.
func (r *CampaignRow) TemplateData() map[string]any {
	data := make(map[string]any, len(r.Data)+1)
	for k, v := range r.Data {
		data[k] = v
	}
	if _, ok := data["email"]; !ok {
		data["email"] = r.Recipient
	}
	return data
}
