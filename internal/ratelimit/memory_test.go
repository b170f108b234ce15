package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryDoserSlidingWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	doser := newMemoryDoser(3, 60*time.Second, 0, func() time.Time { return now }, nil)
	ctx := context.Background()

	accepted := 0
	for i := 0; i < 5; i++ {
		ok, err := doser.RecordSend(ctx, "org_1")
		if err != nil {
			t.Fatalf("RecordSend() error = %v", err)
		}
		if ok {
			accepted++
		}
	}
	if accepted != 3 {
		t.Fatalf("accepted = %d, want 3", accepted)
	}

	allowed, err := doser.CanSend(ctx, "org_1")
	if err != nil {
		t.Fatalf("CanSend() error = %v", err)
	}
	if allowed {
		t.Fatal("CanSend() should deny a full window")
	}

	wait, err := doser.NextAvailableIn(ctx, "org_1")
	if err != nil {
		t.Fatalf("NextAvailableIn() error = %v", err)
	}
	if wait != 60*time.Second {
		t.Fatalf("NextAvailableIn() = %s, want 60s", wait)
	}

	now = now.Add(60 * time.Second)
	allowed, err = doser.CanSend(ctx, "org_1")
	if err != nil {
		t.Fatalf("CanSend() error = %v", err)
	}
	if !allowed {
		t.Fatal("CanSend() should allow once the window has elapsed")
	}
}

func TestMemoryDoserNextAvailableInUsesOldestBlockingSend(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	doser := newMemoryDoser(2, time.Minute, 0, func() time.Time { return now }, nil)
	ctx := context.Background()

	mustRecord(t, doser, "org_1")
	now = now.Add(20 * time.Second)
	mustRecord(t, doser, "org_1")
	now = now.Add(10 * time.Second)

	wait, err := doser.NextAvailableIn(ctx, "org_1")
	if err != nil {
		t.Fatalf("NextAvailableIn() error = %v", err)
	}
	if wait != 30*time.Second {
		t.Fatalf("NextAvailableIn() = %s, want 30s", wait)
	}

	wait, err = doser.NextAvailableIn(ctx, "org_2")
	if err != nil {
		t.Fatalf("NextAvailableIn() error = %v", err)
	}
	if wait != 0 {
		t.Fatalf("NextAvailableIn() for idle scope = %s, want 0", wait)
	}
}

func TestMemoryDoserScopesAreIndependent(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	doser := newMemoryDoser(1, time.Minute, 0, func() time.Time { return now }, nil)
	ctx := context.Background()

	mustRecord(t, doser, "org_1")

	allowed, err := doser.CanSend(ctx, "org_2")
	if err != nil {
		t.Fatalf("CanSend() error = %v", err)
	}
	if !allowed {
		t.Fatal("a different scope should have its own budget")
	}

	allowed, err = doser.CanSend(ctx, " ORG_1 ")
	if err != nil {
		t.Fatalf("CanSend() error = %v", err)
	}
	if allowed {
		t.Fatal("scope names should be normalized")
	}
}

func TestMemoryDoserUpdateLimitsKeepsHistory(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	doser := newMemoryDoser(5, time.Hour, 0, func() time.Time { return now }, nil)
	ctx := context.Background()

	mustRecord(t, doser, "org_1")
	mustRecord(t, doser, "org_1")

	doser.UpdateLimits(2, 0)

	allowed, err := doser.CanSend(ctx, "org_1")
	if err != nil {
		t.Fatalf("CanSend() error = %v", err)
	}
	if allowed {
		t.Fatal("lowered limit should apply to sends already recorded")
	}

	doser.UpdateLimits(3, 0)
	allowed, err = doser.CanSend(ctx, "org_1")
	if err != nil {
		t.Fatalf("CanSend() error = %v", err)
	}
	if !allowed {
		t.Fatal("raised limit should allow another send")
	}
}

func TestMemoryDoserSetScopeLimits(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	doser := newMemoryDoser(10, time.Hour, 0, func() time.Time { return now }, nil)
	ctx := context.Background()

	doser.SetScopeLimits("org_1", 1, time.Minute)
	mustRecord(t, doser, "org_1")

	ok, err := doser.RecordSend(ctx, "org_1")
	if err != nil {
		t.Fatalf("RecordSend() error = %v", err)
	}
	if ok {
		t.Fatal("scope override should cap org_1 at one send")
	}

	ok, err = doser.RecordSend(ctx, "org_2")
	if err != nil {
		t.Fatalf("RecordSend() error = %v", err)
	}
	if !ok {
		t.Fatal("other scopes should keep the default budget")
	}

	doser.SetScopeLimits("org_1", 0, 0)
	ok, err = doser.RecordSend(ctx, "org_1")
	if err != nil {
		t.Fatalf("RecordSend() error = %v", err)
	}
	if !ok {
		t.Fatal("clearing the override should restore the default budget")
	}
}

func TestMemoryDoserSweep(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	doser := newMemoryDoser(10, time.Minute, 0, func() time.Time { return now }, nil)
	ctx := context.Background()

	mustRecord(t, doser, "org_1")
	now = now.Add(30 * time.Second)
	mustRecord(t, doser, "org_2")
	now = now.Add(45 * time.Second)

	removed, err := doser.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("Sweep() removed = %d, want 1", removed)
	}
	if got := doser.scopeCount(); got != 1 {
		t.Fatalf("scopeCount() = %d, want 1", got)
	}

	removed, err = doser.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 0 {
		t.Fatalf("second Sweep() removed = %d, want 0", removed)
	}
}

func TestMemoryDoserLockTimeoutDenies(t *testing.T) {
	t.Parallel()

	doser := newMemoryDoser(10, time.Minute, 20*time.Millisecond, nil, nil)
	doser.mu.Lock()
	defer doser.mu.Unlock()

	allowed, err := doser.CanSend(context.Background(), "org_1")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("CanSend() error = %v, want ErrLockTimeout", err)
	}
	if allowed {
		t.Fatal("CanSend() must deny when the lock cannot be acquired")
	}

	ok, err := doser.RecordSend(context.Background(), "org_1")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("RecordSend() error = %v, want ErrLockTimeout", err)
	}
	if ok {
		t.Fatal("RecordSend() must deny when the lock cannot be acquired")
	}
}

func TestMemoryDoserRejectsEmptyScope(t *testing.T) {
	t.Parallel()

	doser := NewMemoryDoser(1, time.Minute, 0, nil)
	if _, err := doser.CanSend(context.Background(), "  "); err == nil {
		t.Fatal("CanSend() expected error for empty scope")
	}
}

func TestMemoryDoserConcurrentRecordSendRespectsLimit(t *testing.T) {
	t.Parallel()

	doser := NewMemoryDoser(25, time.Hour, time.Second, nil)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := doser.RecordSend(ctx, "org_1")
			if err != nil || !ok {
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if accepted != 25 {
		t.Fatalf("accepted = %d, want 25", accepted)
	}
}

func mustRecord(t *testing.T, doser *MemoryDoser, scope string) {
	t.Helper()

	ok, err := doser.RecordSend(context.Background(), scope)
	if err != nil {
		t.Fatalf("RecordSend(%s) error = %v", scope, err)
	}
	if !ok {
		t.Fatalf("RecordSend(%s) denied", scope)
	}
}
