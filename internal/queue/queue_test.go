package queue

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestQueueNames(t *testing.T) {
	work := WorkQueueNames()
	if len(work) != 1 || work[0] != "campaign.cycle" {
		t.Fatalf("WorkQueueNames = %v, want [campaign.cycle]", work)
	}

	if got := DLQName(CycleQueue); got != "dlq.campaign.cycle" {
		t.Fatalf("DLQName = %s, want dlq.campaign.cycle", got)
	}
}

func TestPriorityValue(t *testing.T) {
	tests := []struct {
		name   string
		reason TriggerReason
		want   uint8
	}{
		{name: "start", reason: ReasonStart, want: 2},
		{name: "resume", reason: ReasonResume, want: 2},
		{name: "manual", reason: ReasonManual, want: 1},
		{name: "schedule", reason: ReasonSchedule, want: 1},
		{name: "invalid", reason: TriggerReason("invalid"), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriorityValue(tt.reason)
			if got != tt.want {
				t.Fatalf("PriorityValue(%q) = %d, want %d", tt.reason, got, tt.want)
			}
		})
	}
}

func TestCycleMessageValidate(t *testing.T) {
	msg := CycleMessage{CampaignID: "c1", Reason: ReasonStart}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	msg.CampaignID = ""
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for start trigger without campaign")
	}

	msg.Reason = ReasonManual
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error for process-all trigger: %v", err)
	}

	msg.Reason = TriggerReason("invalid")
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for invalid reason")
	}
}

func TestCycleMessageJSON(t *testing.T) {
	requestedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	payload, err := json.Marshal(CycleMessage{Reason: ReasonManual, RequestedAt: requestedAt})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(payload), "campaignId") {
		t.Fatalf("payload %s should omit an empty campaignId", payload)
	}

	msg := CycleMessage{CampaignID: "c1", Reason: ReasonResume, RequestedAt: requestedAt}
	if !strings.HasPrefix(msg.MessageID(), "resume:c1:") {
		t.Fatalf("MessageID() = %s, want resume:c1: prefix", msg.MessageID())
	}
	all := CycleMessage{Reason: ReasonSchedule, RequestedAt: requestedAt}
	if !strings.HasPrefix(all.MessageID(), "schedule:all:") {
		t.Fatalf("MessageID() = %s, want schedule:all: prefix", all.MessageID())
	}
}

func TestBuildPublishing(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	publishing, err := buildPublishing(CycleMessage{
		CampaignID:    "c1",
		Reason:        ReasonStart,
		CorrelationID: "req-1",
	}, now, 5*time.Minute)
	if err != nil {
		t.Fatalf("buildPublishing() error = %v", err)
	}
	if publishing.Priority != 2 || publishing.Expiration != "300000" {
		t.Fatalf("priority/expiration = %d/%q, want 2/300000", publishing.Priority, publishing.Expiration)
	}
	if publishing.CorrelationId != "req-1" || publishing.Type != "start" {
		t.Fatalf("publishing = %+v", publishing)
	}

	var decoded CycleMessage
	if err := json.Unmarshal(publishing.Body, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if !decoded.RequestedAt.Equal(now) {
		t.Fatalf("RequestedAt = %v, want defaulted to %v", decoded.RequestedAt, now)
	}

	noTTL, err := buildPublishing(CycleMessage{Reason: ReasonManual}, now, 0)
	if err != nil {
		t.Fatalf("buildPublishing() error = %v", err)
	}
	if noTTL.Expiration != "" {
		t.Fatalf("Expiration = %q, want none", noTTL.Expiration)
	}

	if _, err := buildPublishing(CycleMessage{Reason: ReasonResume}, now, 0); err == nil {
		t.Fatal("expected error for resume trigger without campaign")
	}
}

func TestDecodeCycleMessage(t *testing.T) {
	msg, err := decodeCycleMessage([]byte(`{"campaignId":" c1 ","reason":"resume","requestedAt":"2026-03-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("decodeCycleMessage() error = %v", err)
	}
	if msg.CampaignID != "c1" || msg.Reason != ReasonResume {
		t.Fatalf("decoded = %+v", msg)
	}

	for _, body := range []string{`{`, `{"reason":"later"}`, `{"reason":"start"}`} {
		if _, err := decodeCycleMessage([]byte(body)); err == nil {
			t.Fatalf("decodeCycleMessage(%s) should fail", body)
		}
	}
}
