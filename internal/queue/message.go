package queue

import (
	"fmt"
	"strings"
	"time"
)

// TriggerReason records why a cycle was requested.
type TriggerReason string

const (
	ReasonStart    TriggerReason = "start"
	ReasonResume   TriggerReason = "resume"
	ReasonManual   TriggerReason = "manual"
	ReasonSchedule TriggerReason = "schedule"
)

func (r TriggerReason) IsValid() bool {
	switch r {
	case ReasonStart, ReasonResume, ReasonManual, ReasonSchedule:
		return true
	}
	return false
}

// CycleMessage is the broker payload asking a worker to run a processing
// cycle. An empty CampaignID means every active campaign.
type CycleMessage struct {
	CampaignID    string        `json:"campaignId,omitempty"`
	Reason        TriggerReason `json:"reason"`
	RequestedAt   time.Time     `json:"requestedAt"`
	CorrelationID string        `json:"correlationId,omitempty"`
}

func (m CycleMessage) Validate() error {
	if !m.Reason.IsValid() {
		return fmt.Errorf("invalid reason %q", m.Reason)
	}
	if (m.Reason == ReasonStart || m.Reason == ReasonResume) && strings.TrimSpace(m.CampaignID) == "" {
		return fmt.Errorf("campaignId is required for %s triggers", m.Reason)
	}
	return nil
}

// MessageID identifies the publishing for broker-side tracing.
func (m CycleMessage) MessageID() string {
	target := m.CampaignID
	if target == "" {
		target = "all"
	}
	return fmt.Sprintf("%s:%s:%d", m.Reason, target, m.RequestedAt.UnixNano())
}
