package domain

import "time"

// DeliveryStatus is the outcome recorded for one outbound email.
type DeliveryStatus string

const (
	DeliveryStatusQueued  DeliveryStatus = "queued"
	DeliveryStatusSending DeliveryStatus = "sending"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSent || s == DeliveryStatusFailed
}

// RowStatus maps a terminal delivery outcome onto the row lifecycle.
func (s DeliveryStatus) RowStatus() (RowStatus, bool) {
	switch s {
	case DeliveryStatusSent:
		return RowStatusSent, true
	case DeliveryStatusFailed:
		return RowStatusFailed, true
	}
	return "", false
}

// DeliveryRecord is written by the sender for every outbound attempt,
// independent of campaigns. CampaignID and RowKey link it back when the send
// originated from a campaign row.
type DeliveryRecord struct {
	ID             string
	OrganizationID string
	Recipients     []string
	Subject        string
	Body           string
	Scope          string
	Status         DeliveryStatus
	Error          *string
	Attempts       int
	CampaignID     *string
	RowKey         *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PrimaryRecipient is the address used for reconciliation matching.
func (d *DeliveryRecord) PrimaryRecipient() string {
	if d == nil || len(d.Recipients) == 0 {
		return ""
	}
	return d.Recipients[0]
}
