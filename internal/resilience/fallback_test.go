package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := newGroup()
	got, name, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		return v + "!", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "primary!" || name != "primary" {
		t.Fatalf("got %q from %q, want primary", got, name)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	fg := newGroup()
	var tried []string
	got, name, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		tried = append(tried, v)
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary" || name != "secondary" {
		t.Fatalf("got %q from %q, want secondary", got, name)
	}
	if !slices.Equal(tried, []string{"primary", "secondary"}) {
		t.Errorf("tried = %v", tried)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newGroup()
	_, _, err := ExecuteWithResult(context.Background(), fg, func(string) (int, error) {
		return 0, errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want the last failure wrapped", err)
	}
}

func TestFallbackGroup_OpenPrimarySkipped(t *testing.T) {
	fg := newGroup()
	failPrimary := func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	}
	for range 2 {
		_, _, _ = ExecuteWithResult(context.Background(), fg, failPrimary)
	}
	if s, _ := fg.BreakerState("primary"); s != StateOpen {
		t.Fatalf("primary breaker = %v, want open", s)
	}

	var tried []string
	_, name, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		tried = append(tried, v)
		return v, nil
	})
	if err != nil || name != "secondary" {
		t.Fatalf("ExecuteWithResult = %q, %v", name, err)
	}
	if !slices.Equal(tried, []string{"secondary"}) {
		t.Errorf("tried = %v, want only secondary", tried)
	}
}

func TestFallbackGroup_StopsOnContext(t *testing.T) {
	fg := newGroup()
	ctx, cancel := context.WithCancel(context.Background())
	var tried []string
	_, _, err := ExecuteWithResult(ctx, fg, func(v string) (string, error) {
		tried = append(tried, v)
		cancel()
		return "", errTest
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("cancellation reported as ErrAllFailed")
	}
	if len(tried) != 1 {
		t.Errorf("tried = %v, want only the primary", tried)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	fg := newGroup()
	if got := fg.Names(); !slices.Equal(got, []string{"primary", "secondary"}) {
		t.Errorf("Names = %v", got)
	}
	if fg.Primary() != "primary" {
		t.Errorf("Primary = %q", fg.Primary())
	}
	if _, ok := fg.BreakerState("missing"); ok {
		t.Error("BreakerState found a missing entry")
	}
}
