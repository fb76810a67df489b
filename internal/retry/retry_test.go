package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errFlaky = errors.New("connection reset by peer")

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})

	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Value != "ok" {
		t.Errorf("Value = %q, want %q", res.Value, "ok")
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var retried []int
	p := fastPolicy(2)
	p.OnRetry = func(attempt int, err error) {
		if !errors.Is(err, errFlaky) {
			t.Errorf("OnRetry got err %v, want %v", err, errFlaky)
		}
		retried = append(retried, attempt)
	}

	res := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		return 0, errFlaky
	})

	if res.OK() {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, errFlaky) {
		t.Errorf("Err = %v, want wrapped %v", res.Err, errFlaky)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if len(retried) != 1 || retried[0] != 2 {
		t.Errorf("OnRetry calls = %v, want [2]", retried)
	}
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	fatal := errors.New("boom")
	p := fastPolicy(5)
	p.Classify = func(err error) Category { return Fatal }

	res := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		return 0, fatal
	})

	if !errors.Is(res.Err, fatal) {
		t.Errorf("Err = %v, want %v", res.Err, fatal)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestDefaultClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Category
	}{
		{nil, Fatal},
		{context.Canceled, Fatal},
		{fmt.Errorf("launch: %w", context.Canceled), Fatal},
		{errors.New("chrome binary not found"), Fatal},
		{errors.New("invalid url"), Fatal},
		{errFlaky, Retryable},
		{context.DeadlineExceeded, Retryable},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := DefaultClassify(tt.err); got != tt.want {
				t.Errorf("DefaultClassify() = %v, want %v", got, tt.want)
			}
		})
	}
}
