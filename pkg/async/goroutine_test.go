package async

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sandwichcloud/deli-counter/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestSafeGoRunsTask(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), time.Second, "test", testLogger(), func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestSafeGoSurvivesRequestCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	SafeGo(parent, time.Second, "test", testLogger(), func(ctx context.Context) error {
		done <- ctx.Err()
		return nil
	})

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("task context should not inherit the parent's cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), time.Second, "test", testLogger(), func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	// The panic must not crash the test process; reaching here is the
	// assertion.
}

func TestSafeGoEnforcesTimeout(t *testing.T) {
	done := make(chan error, 1)
	SafeGo(context.Background(), 10*time.Millisecond, "test", testLogger(), func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return nil
	})

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("ctx.Err() = %v, want deadline exceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout was not enforced")
	}
}
