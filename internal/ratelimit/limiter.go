package ratelimit

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultMaxCount = 200
	DefaultWindow   = time.Hour
)

// ErrLockTimeout is returned when the limiter state could not be locked in time.
// Callers must treat it as a denial.
var ErrLockTimeout = errors.New("rate limiter lock timeout")

// Limits is the send budget for a scope: at most MaxCount sends in any trailing Window.
type Limits struct {
	MaxCount int
	Window   time.Duration
}

func (l Limits) withDefaults(fallback Limits) Limits {
	if l.MaxCount <= 0 {
		l.MaxCount = fallback.MaxCount
	}
	if l.Window <= 0 {
		l.Window = fallback.Window
	}
	return l
}

// Doser gates outbound sends per scope with a sliding time window.
type Doser interface {
	CanSend(ctx context.Context, scope string) (bool, error)
	RecordSend(ctx context.Context, scope string) (bool, error)
	NextAvailableIn(ctx context.Context, scope string) (time.Duration, error)
	UpdateLimits(maxCount int, window time.Duration)
	SetScopeLimits(scope string, maxCount int, window time.Duration)
	Sweep(ctx context.Context) (int, error)
}

// TenantScope is the limiter scope shared by every send path of an organization.
func TenantScope(organizationID string) string {
	return "org_" + organizationID
}

// CampaignScope limits a single campaign independently of its tenant.
func CampaignScope(campaignID string) string {
	return "campaign_" + campaignID
}

const GlobalScope = "global"
