package transport

import (
	"testing"
	"time"
)

func TestFixedBackoff(t *testing.T) {
	b := FixedBackoff{Delay: 5 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := b.Next(attempt); got != 5*time.Second {
			t.Errorf("Next(%d) = %v, want 5s", attempt, got)
		}
	}
	if got := (FixedBackoff{}).Next(1); got != DefaultReconnectDelay {
		t.Errorf("zero delay should fall back to default, got %v", got)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Initial: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := b.Next(tt.attempt); got != tt.want {
			t.Errorf("Next(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateDisconnected.String() != "disconnected" || State(99).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
