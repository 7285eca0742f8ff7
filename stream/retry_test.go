package stream

import (
	"errors"
	"testing"
)

func TestEndBeforeOpenExitPolicyReattaches(t *testing.T) {
	var f FailureCounter
	if got := EndBeforeOpen(ReasonExitPolicy, "example.com", &f); got != OutcomeReattach {
		t.Fatalf("got %v, want OutcomeReattach", got)
	}
}

func TestEndBeforeOpenExhaustsAfterThreeFailures(t *testing.T) {
	var f FailureCounter
	addr := "example.com"
	for i := 0; i < maxRetriesPerAddress-1; i++ {
		if got := EndBeforeOpen(ReasonTimeout, addr, &f); got != OutcomeReattach {
			t.Fatalf("attempt %d: got %v, want OutcomeReattach", i, got)
		}
	}
	if got := EndBeforeOpen(ReasonTimeout, addr, &f); got != OutcomeClose {
		t.Fatalf("final attempt: got %v, want OutcomeClose", got)
	}
}

func TestEndBeforeOpenUnknownReasonCloses(t *testing.T) {
	var f FailureCounter
	if got := EndBeforeOpen(0xEE, "x", &f); got != OutcomeClose {
		t.Fatalf("got %v, want OutcomeClose", got)
	}
}

func TestBeginWithRetryRetriesThenSucceeds(t *testing.T) {
	var f FailureCounter
	attempts := 0
	want := &Stream{ID: 42}

	got, err := BeginWithRetry(func() (*Stream, error) {
		attempts++
		if attempts < 3 {
			return nil, &EndBeforeOpenError{Reason: ReasonTimeout}
		}
		return want, nil
	}, "example.com", &f)

	if err != nil {
		t.Fatalf("BeginWithRetry: %v", err)
	}
	if got != want {
		t.Fatal("expected the eventual successful stream to be returned")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestBeginWithRetryGivesUpAfterExhaustion(t *testing.T) {
	var f FailureCounter
	attempts := 0

	_, err := BeginWithRetry(func() (*Stream, error) {
		attempts++
		return nil, &EndBeforeOpenError{Reason: ReasonMisc}
	}, "example.com", &f)

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != maxRetriesPerAddress {
		t.Fatalf("expected %d attempts, got %d", maxRetriesPerAddress, attempts)
	}
}

func TestBeginWithRetryPropagatesNonEndError(t *testing.T) {
	var f FailureCounter
	wantErr := errors.New("connection reset")

	_, err := BeginWithRetry(func() (*Stream, error) {
		return nil, wantErr
	}, "example.com", &f)

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped non-END error, got %v", err)
	}
}

func TestFailureCounterClear(t *testing.T) {
	var f FailureCounter
	f.Increment("a")
	f.Increment("a")
	f.Clear("a")
	if f.Increment("a") {
		t.Fatal("counter should have reset after Clear")
	}
}
