package reflow

import (
	"testing"
	"time"
)

// Ensure non-positive maxAttempts is normalized to 1.
func TestRetry_NonPositiveMaxAttemptsDefaultsToOne(t *testing.T) {
	p := Retry(0).Policy()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts=1 for Retry(0), got %d", p.MaxAttempts)
	}

	p = Retry(-5).Policy()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts=1 for Retry(-5), got %d", p.MaxAttempts)
	}
}

// Ensure WithExponentialBackoff wires fields correctly and default multiplier is applied.
func TestRetry_WithExponentialBackoff_UsesDefaults(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 2 * time.Second

	// multiplier <= 0 should default to 2.0
	p := Retry(3).
		WithExponentialBackoff(initial, 0, max).
		Policy()

	if p.MaxAttempts != 3 {
		t.Fatalf("expected MaxAttempts=3, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff != initial {
		t.Fatalf("expected InitialBackoff=%v, got %v", initial, p.InitialBackoff)
	}
	if p.MaxBackoff != max {
		t.Fatalf("expected MaxBackoff=%v, got %v", max, p.MaxBackoff)
	}
	if p.BackoffMultiplier != 2.0 {
		t.Fatalf("expected BackoffMultiplier=2.0 (default), got %v", p.BackoffMultiplier)
	}
}

// Ensure WithExponentialBackoff respects an explicit multiplier.
func TestRetry_WithExponentialBackoff_ExplicitMultiplier(t *testing.T) {
	initial := 50 * time.Millisecond
	mult := 3.0

	p := Retry(4).
		WithExponentialBackoff(initial, mult, 500*time.Millisecond).
		Policy()

	if p.InitialBackoff != initial {
		t.Fatalf("expected InitialBackoff=%v, got %v", initial, p.InitialBackoff)
	}
	if p.BackoffMultiplier != mult {
		t.Fatalf("expected BackoffMultiplier=%v, got %v", mult, p.BackoffMultiplier)
	}
}

func TestRetry_WithConstantBackoff(t *testing.T) {
	p := Retry(3).WithConstantBackoff(75 * time.Millisecond).Policy()

	if p.InitialBackoff != 75*time.Millisecond {
		t.Fatalf("expected InitialBackoff=75ms, got %v", p.InitialBackoff)
	}
	if p.BackoffMultiplier != 1.0 {
		t.Fatalf("expected BackoffMultiplier=1.0, got %v", p.BackoffMultiplier)
	}
	// Constant backoff never grows.
	if d := p.Delay(3); d != 75*time.Millisecond {
		t.Fatalf("expected constant 75ms delay, got %v", d)
	}
}

func TestRetry_Immediate(t *testing.T) {
	p := Retry(5).WithConstantBackoff(time.Second).Immediate().Policy()

	if p.InitialBackoff != 0 || p.MaxBackoff != 0 {
		t.Fatalf("Immediate must clear backoff, got %+v", p)
	}
	if d := p.Delay(2); d != 0 {
		t.Fatalf("expected zero delay, got %v", d)
	}
}
