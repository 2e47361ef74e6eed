package utils

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	transient := NewTransientInfraError("load rule set", inner)

	if !IsTransient(transient) {
		t.Fatal("infra failure should classify as transient")
	}
	if !errors.Is(transient, inner) {
		t.Fatal("transient error must unwrap to its cause")
	}
	if IsTransient(NewConflictError("session already open")) {
		t.Fatal("conflicts are not transient")
	}
	if IsConflict(transient) || IsGuardViolation(transient) {
		t.Fatal("transient error must not cross-classify")
	}
}

func TestExhaustedRetriesError_WrapsLastFailure(t *testing.T) {
	last := NewTransientInfraError("fetch page", errors.New("timeout"))
	exhausted := &ExhaustedRetriesError{Attempts: 3, LastErr: last}

	if !strings.Contains(exhausted.Error(), "3 attempts") {
		t.Fatalf("message should carry the attempt count: %s", exhausted.Error())
	}
	// The terminal error keeps the transient cause reachable for callers
	// deciding whether a manual requeue is worth it.
	if !IsTransient(exhausted) {
		t.Fatal("exhausted error must unwrap to the last transient cause")
	}
}
