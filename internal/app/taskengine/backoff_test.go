package taskengine

import (
	"testing"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

func TestComputeBackoffMsExponentialDoubles(t *testing.T) {
	cfg := model.Backoff{Strategy: model.BackoffExponential, BaseMs: 1000, MaxMs: 1_000_000, Jitter: model.JitterNone}
	want := []int64{1000, 2000, 4000, 8000}
	for i, w := range want {
		got := ComputeBackoffMs(i+1, cfg)
		if got != w {
			t.Fatalf("attempt %d: expected %d, got %d", i+1, w, got)
		}
	}
}

func TestComputeBackoffMsFixedStaysFlat(t *testing.T) {
	cfg := model.Backoff{Strategy: model.BackoffFixed, BaseMs: 5000, MaxMs: 60_000, Jitter: model.JitterNone}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := ComputeBackoffMs(attempt, cfg); got != 5000 {
			t.Fatalf("attempt %d: expected fixed delay 5000, got %d", attempt, got)
		}
	}
}

func TestComputeBackoffMsRespectsCap(t *testing.T) {
	cfg := model.Backoff{Strategy: model.BackoffExponential, BaseMs: 1000, MaxMs: 5000, Jitter: model.JitterNone}
	for attempt := 1; attempt <= 20; attempt++ {
		if got := ComputeBackoffMs(attempt, cfg); got > cfg.MaxMs {
			t.Fatalf("attempt %d: delay %d exceeds cap %d", attempt, got, cfg.MaxMs)
		}
	}
	// High attempts should saturate at the cap exactly.
	if got := ComputeBackoffMs(20, cfg); got != cfg.MaxMs {
		t.Fatalf("expected saturated delay %d, got %d", cfg.MaxMs, got)
	}
}

func TestComputeBackoffMsIsMonotoneUnderNoJitter(t *testing.T) {
	cfg := model.Backoff{Strategy: model.BackoffExponential, BaseMs: 1000, MaxMs: 30_000, Jitter: model.JitterNone}
	prev := ComputeBackoffMs(1, cfg)
	for attempt := 2; attempt <= 10; attempt++ {
		cur := ComputeBackoffMs(attempt, cfg)
		if cur < prev {
			t.Fatalf("attempt %d: delay %d is less than previous attempt's %d", attempt, cur, prev)
		}
		prev = cur
	}
}

func TestComputeBackoffMsFullJitterStaysWithinBounds(t *testing.T) {
	cfg := model.Backoff{Strategy: model.BackoffExponential, BaseMs: 1000, MaxMs: 8000, Jitter: model.JitterFull}
	for i := 0; i < 100; i++ {
		got := ComputeBackoffMs(4, cfg)
		if got < 0 || got > cfg.MaxMs {
			t.Fatalf("jittered delay %d out of bounds [0,%d]", got, cfg.MaxMs)
		}
	}
}

func TestComputeBackoffMsHandlesNonPositiveAttempt(t *testing.T) {
	cfg := model.Backoff{Strategy: model.BackoffExponential, BaseMs: 1000, MaxMs: 60_000, Jitter: model.JitterNone}
	// attempt 0 or negative should not panic and should behave as attempt 1.
	if got := ComputeBackoffMs(0, cfg); got != 1000 {
		t.Fatalf("expected 1000 for non-positive attempt, got %d", got)
	}
}
