package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gitwithintent/gwi/core"
)

func testBreaker(t *testing.T, mutate func(*BreakerConfig)) *Breaker {
	t.Helper()
	config := DefaultBreakerConfig("test")
	config.VolumeThreshold = 4
	config.SleepWindow = 20 * time.Millisecond
	config.HalfOpenRequests = 2
	if mutate != nil {
		mutate(config)
	}
	b, err := NewBreaker(config)
	if err != nil {
		t.Fatalf("NewBreaker: %v", err)
	}
	return b
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), func() error {
			return errors.New("downstream failure")
		})
	}
}

func TestBreakerOpensAtErrorThreshold(t *testing.T) {
	b := testBreaker(t, nil)

	failN(b, 4)

	if got := b.GetState(); got != "open" {
		t.Fatalf("expected open after threshold, got %s", got)
	}

	err := b.Execute(context.Background(), func() error { return nil })
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestBreakerStaysClosedBelowVolume(t *testing.T) {
	b := testBreaker(t, nil)

	failN(b, 3)

	if got := b.GetState(); got != "closed" {
		t.Errorf("expected closed below volume threshold, got %s", got)
	}
}

func TestBreakerIgnoresValidationErrors(t *testing.T) {
	b := testBreaker(t, nil)

	validationErr := core.NewError("test.op", core.KindValidation, errors.New("bad input"))
	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), func() error { return validationErr })
	}

	if got := b.GetState(); got != "closed" {
		t.Errorf("validation errors must not trip the breaker, state=%s", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := testBreaker(t, nil)

	failN(b, 4)
	if got := b.GetState(); got != "open" {
		t.Fatalf("expected open, got %s", got)
	}

	time.Sleep(30 * time.Millisecond)

	// Two successful probes close the circuit.
	for i := 0; i < 2; i++ {
		if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}

	if got := b.GetState(); got != "closed" {
		t.Errorf("expected closed after successful probes, got %s", got)
	}
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	b := testBreaker(t, nil)

	failN(b, 4)
	time.Sleep(30 * time.Millisecond)

	failN(b, 2)

	if got := b.GetState(); got != "open" {
		t.Errorf("expected reopen after failed probes, got %s", got)
	}
}

func TestBreakerRecoversFromPanic(t *testing.T) {
	b := testBreaker(t, nil)

	err := b.Execute(context.Background(), func() error {
		panic("agent exploded")
	})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic error, got %v", err)
	}

	// Breaker still usable afterwards.
	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("breaker unusable after panic: %v", err)
	}
}

func TestBreakerExecuteWithTimeout(t *testing.T) {
	b := testBreaker(t, nil)

	err := b.ExecuteWithTimeout(context.Background(), 10*time.Millisecond, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestBreakerReset(t *testing.T) {
	b := testBreaker(t, nil)

	failN(b, 4)
	b.Reset()

	if got := b.GetState(); got != "closed" {
		t.Errorf("expected closed after reset, got %s", got)
	}
	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("execute after reset: %v", err)
	}
}

func TestBreakerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BreakerConfig)
	}{
		{"empty name", func(c *BreakerConfig) { c.Name = "" }},
		{"error threshold above 1", func(c *BreakerConfig) { c.ErrorThreshold = 1.5 }},
		{"negative success threshold", func(c *BreakerConfig) { c.SuccessThreshold = -0.1 }},
		{"zero half-open requests", func(c *BreakerConfig) { c.HalfOpenRequests = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultBreakerConfig("test")
			tt.mutate(config)
			if _, err := NewBreaker(config); !errors.Is(err, core.ErrInvalidConfiguration) {
				t.Errorf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}
