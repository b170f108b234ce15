package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusQueued    CampaignStatus = "queued"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

func (s CampaignStatus) String() string { return string(s) }

func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusQueued, CampaignStatusSending, CampaignStatusPaused, CampaignStatusCompleted:
		return true
	}
	return false
}

// IsActive reports whether the scheduler should run cycles for the campaign.
func (s CampaignStatus) IsActive() bool {
	return s == CampaignStatusQueued || s == CampaignStatusSending
}

// CanEditRecipients reports whether the recipient list may change in this state.
func (s CampaignStatus) CanEditRecipients() bool {
	return s == CampaignStatusDraft || s == CampaignStatusPaused
}

func ParseCampaignStatusFromString(s string) (CampaignStatus, error) {
	st := CampaignStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid campaign status %q", ErrValidation, s)
	}
	return st, nil
}

// SendType selects between sending on start and sending at ScheduledAt.
type SendType string

const (
	SendTypeImmediate SendType = "immediate"
	SendTypeScheduled SendType = "scheduled"
)

func (t SendType) String() string { return string(t) }

func (t SendType) IsValid() bool {
	return t == SendTypeImmediate || t == SendTypeScheduled
}

func ParseSendTypeFromString(s string) (SendType, error) {
	t := SendType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid send type %q", ErrValidation, s)
	}
	return t, nil
}

// CampaignAction is an administrative state-transition request.
type CampaignAction string

const (
	ActionStart  CampaignAction = "start"
	ActionPause  CampaignAction = "pause"
	ActionResume CampaignAction = "resume"
)

// Campaign is a bulk email send to a recipient list owned by one organization.
type Campaign struct {
	ID               string
	OrganizationID   string
	Name             string
	Subject          string
	Body             string
	UseTableData     bool
	ManualRecipients []string
	SendType         SendType
	ScheduledAt      *time.Time
	Status           CampaignStatus
	TotalEmails      int
	SentEmails       int
	FailedEmails     int
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.OrganizationID) == "" {
		return fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(c.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if !c.SendType.IsValid() {
		return fmt.Errorf("%w: invalid send type %q", ErrValidation, c.SendType)
	}
	if c.SendType == SendTypeScheduled && c.ScheduledAt == nil {
		return fmt.Errorf("%w: scheduledAt is required for scheduled campaigns", ErrValidation)
	}
	if c.UseTableData && len(c.ManualRecipients) > 0 {
		return fmt.Errorf("%w: manual recipients cannot be combined with table data", ErrValidation)
	}
	for _, addr := range c.ManualRecipients {
		if err := ValidateAddress(addr); err != nil {
			return err
		}
	}
	return nil
}

// ResumeStatus is the active state implied by the send mode.
func (c *Campaign) ResumeStatus() CampaignStatus {
	if c.SendType == SendTypeScheduled {
		return CampaignStatusQueued
	}
	return CampaignStatusSending
}

// IsDue reports whether a scheduled campaign should begin sending.
func (c *Campaign) IsDue(now time.Time) bool {
	if c.SendType != SendTypeScheduled || c.ScheduledAt == nil {
		return true
	}
	return !c.ScheduledAt.After(now)
}

// NextStatus validates an administrative action against the current state
// and returns the target status. start is valid from draft or paused, pause
// from queued or sending, resume from paused. Anything else, including a
// repeat of an action that already took effect, is an invalid transition.
func (c *Campaign) NextStatus(action CampaignAction) (CampaignStatus, error) {
	current := c.Status

	switch action {
	case ActionStart:
		if current == CampaignStatusDraft || current == CampaignStatusPaused {
			return c.ResumeStatus(), nil
		}
	case ActionPause:
		if current == CampaignStatusQueued || current == CampaignStatusSending {
			return CampaignStatusPaused, nil
		}
	case ActionResume:
		if current == CampaignStatusPaused {
			return c.ResumeStatus(), nil
		}
	default:
		return current, fmt.Errorf("%w: unknown action %q", ErrValidation, action)
	}

	return current, fmt.Errorf("%w: cannot %s campaign in %s state", ErrInvalidStateTransition, action, current)
}

// CampaignTotals are the aggregate counters recomputed from row state.
type CampaignTotals struct {
	Total  int
	Sent   int
	Failed int
	Open   int
}

// TotalsFromCounts folds row status counts into campaign aggregates.
func TotalsFromCounts(counts map[RowStatus]int64) CampaignTotals {
	var totals CampaignTotals
	for status, count := range counts {
		n := int(count)
		totals.Total += n
		switch status {
		case RowStatusSent:
			totals.Sent += n
		case RowStatusFailed:
			totals.Failed += n
		default:
			totals.Open += n
		}
	}
	return totals
}

// IsComplete reports whether every row has reached a terminal state.
// An empty campaign is complete.
func (t CampaignTotals) IsComplete() bool {
	if t.Total == 0 {
		return true
	}
	return t.Open == 0 && t.Sent+t.Failed >= t.Total
}

func ValidateAddress(addr string) error {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed {
		return fmt.Errorf("%w: invalid recipient %q", ErrValidation, addr)
	}
	return nil
}

// NormalizeAddress lowercases and trims an address for comparison.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
