package workflow

import (
	"errors"
	"sync"
	"testing"
)

// NOTE: DB-free. The fake mirrors the enqueue key lifecycle: STARTED commits
// before the run insert, a failed insert reopens the key via FAILED, and a
// SUCCEEDED key makes later deliveries return the existing run.
type fakeEnqueueLedger struct {
	mu     sync.Mutex
	status map[string]string
	runs   int
}

func (l *fakeEnqueueLedger) enqueue(messageId string, insertFails bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.status[messageId] {
	case "SUCCEEDED":
		return nil
	case "STARTED":
		return ErrIdempotencyInProgress
	}
	l.status[messageId] = "STARTED"
	if insertFails {
		l.status[messageId] = "FAILED"
		return errors.New("insert run")
	}
	l.runs++
	l.status[messageId] = "SUCCEEDED"
	return nil
}

func TestEnqueue_DuplicateDeliveryReturnsExistingRun(t *testing.T) {
	ledger := &fakeEnqueueLedger{status: map[string]string{}}

	if err := ledger.enqueue("msg-1", false); err != nil {
		t.Fatalf("first delivery should enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ledger.enqueue("msg-1", false); err != nil {
			t.Fatalf("duplicate delivery %d should be a no-op: %v", i, err)
		}
	}
	if ledger.runs != 1 {
		t.Fatalf("expected a single run for one message id, got %d", ledger.runs)
	}
}

func TestEnqueue_FailedInsertReopensKey(t *testing.T) {
	ledger := &fakeEnqueueLedger{status: map[string]string{}}

	if err := ledger.enqueue("msg-2", true); err == nil {
		t.Fatal("failed insert must surface an error")
	}
	if ledger.status["msg-2"] != "FAILED" {
		t.Fatalf("failed attempt must not leave the key STARTED, got %s", ledger.status["msg-2"])
	}

	// The redelivery takes over the FAILED key instead of waiting out a
	// stale STARTED marker.
	if err := ledger.enqueue("msg-2", false); err != nil {
		t.Fatalf("redelivery after failure should enqueue: %v", err)
	}
	if ledger.runs != 1 {
		t.Fatalf("expected one run after retry, got %d", ledger.runs)
	}
}
