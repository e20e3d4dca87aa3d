package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	poolerrors "github.com/bardlex/pplnspool/pkg/errors"
)

var errBoom = errors.New("boom")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures, successRequired int) (*Breaker, *fakeClock, *[]State) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	var transitions []State
	cb := New(&Config{
		Name:            "node",
		MaxFailures:     maxFailures,
		SuccessRequired: successRequired,
		Timeout:         10 * time.Second,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})
	cb.now = clock.Now
	return cb, clock, &transitions
}

func TestNew_NilConfig(t *testing.T) {
	breaker := New(nil)

	if breaker.config == nil {
		t.Fatal("Expected default config when nil is passed")
	}
	if breaker.State() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", breaker.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _, transitions := newTestBreaker(3, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected errBoom, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("Expected Open after 3 failures, got %s", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if called {
		t.Error("Expected fn not to run while open")
	}
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got %v", err)
	}
	if !poolerrors.IsType(err, poolerrors.ErrorTypeNetwork) {
		t.Errorf("Expected network error type, got %v", err)
	}
	if len(*transitions) != 1 || (*transitions)[0] != StateOpen {
		t.Errorf("Expected a single transition to open, got %v", *transitions)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _, _ := newTestBreaker(2, 1)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errBoom })

	if cb.State() != StateClosed {
		t.Errorf("Expected Closed when failures are not consecutive, got %s", cb.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock, transitions := newTestBreaker(1, 2)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	clock.Advance(11 * time.Second)

	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("Expected trial call to run, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected HalfOpen after one trial call, got %s", cb.State())
	}

	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("Expected trial call to run, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("Expected Closed after required trial calls, got %s", cb.State())
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(*transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", *transitions, want)
	}
	for i := range want {
		if (*transitions)[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, (*transitions)[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(1, 1)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	clock.Advance(11 * time.Second)
	_ = cb.Execute(ctx, func() error { return errBoom })

	if cb.State() != StateOpen {
		t.Errorf("Expected Open after failed trial call, got %s", cb.State())
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb, _, _ := newTestBreaker(1, 1)

	got, err := ExecuteWithResult(context.Background(), cb, func() (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Errorf("ExecuteWithResult() = %d, %v; want 42, nil", got, err)
	}
}

func TestExecute_CancelledContextDoesNotTrip(t *testing.T) {
	cb, _, _ := newTestBreaker(1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.Execute(ctx, func() error {
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected cancellation not to open the breaker, got %s", cb.State())
	}
}

func TestReset(t *testing.T) {
	cb, _, _ := newTestBreaker(1, 1)
	_ = cb.Execute(context.Background(), func() error { return errBoom })

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed after Reset, got %s", cb.State())
	}
}
