package synthesis

import (
	"strings"
	"testing"

	"github.com/go-logr/logr"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter(3, logr.Discard())

	for i := 0; i < 3; i++ {
		if err := rl.Allow("team-a"); err != nil {
			t.Fatalf("call %d should be allowed: %v", i+1, err)
		}
	}
	if err := rl.Allow("team-a"); err == nil {
		t.Fatal("fourth call should be rate limited")
	}
}

func TestRateLimiterIsPerNamespace(t *testing.T) {
	rl := NewRateLimiter(1, logr.Discard())

	if err := rl.Allow("team-a"); err != nil {
		t.Fatalf("team-a first call: %v", err)
	}
	if err := rl.Allow("team-b"); err != nil {
		t.Fatalf("team-b must have its own bucket: %v", err)
	}
	if err := rl.Allow("team-a"); err == nil {
		t.Fatal("team-a should be exhausted")
	}
}

func TestRateLimitErrorNamesRetryDelay(t *testing.T) {
	rl := NewRateLimiter(1, logr.Discard())
	_ = rl.Allow("team-a")

	err := rl.Allow("team-a")
	if err == nil {
		t.Fatal("expected a rate limit error")
	}
	if !strings.Contains(err.Error(), "retry in") {
		t.Errorf("error should tell the caller when to retry: %v", err)
	}
}

func TestQuotaManagerAttemptCeiling(t *testing.T) {
	qm := NewQuotaManager(0, 2, logr.Discard())

	if err := qm.Check("team-a", 0); err != nil {
		t.Fatalf("first check: %v", err)
	}
	qm.Record("team-a", Usage{})
	qm.Record("team-a", Usage{})

	if err := qm.Check("team-a", 0); err == nil {
		t.Fatal("attempt quota should be exhausted")
	}
	if err := qm.Check("team-b", 0); err != nil {
		t.Fatalf("quota must be per-namespace: %v", err)
	}
}

func TestQuotaManagerCostCeiling(t *testing.T) {
	qm := NewQuotaManager(1.0, 0, logr.Discard())

	qm.Record("team-a", Usage{Cost: 0.9})
	if err := qm.Check("team-a", 0.05); err != nil {
		t.Fatalf("under budget: %v", err)
	}
	if err := qm.Check("team-a", 0.2); err == nil {
		t.Fatal("an attempt that would exceed the cost ceiling must be refused")
	}
}
