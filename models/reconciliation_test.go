package models

import (
	"sync"
	"sync/atomic"
	"testing"

	"bitbucket.org/mmdatafocus/banking_backend/utils"
	"github.com/shopspring/decimal"
)

func TestComputeDifference(t *testing.T) {
	got := ComputeDifference(decimal.NewFromFloat(1500.00), decimal.NewFromFloat(1450.25))
	if !got.Equal(decimal.NewFromFloat(49.75)) {
		t.Fatalf("expected 49.75, got %s", got)
	}

	// Over-reconciled sessions go negative, they are not clamped.
	got = ComputeDifference(decimal.NewFromFloat(100), decimal.NewFromFloat(150))
	if !got.Equal(decimal.NewFromInt(-50)) {
		t.Fatalf("expected -50, got %s", got)
	}
}

func TestIsBalanced_ToleranceBoundary(t *testing.T) {
	if !IsBalanced(decimal.Zero) {
		t.Fatal("zero difference is balanced")
	}
	if !IsBalanced(decimal.NewFromFloat(0.009)) {
		t.Fatal("difference inside the tolerance is balanced")
	}
	if !IsBalanced(decimal.NewFromFloat(-0.009)) {
		t.Fatal("tolerance applies to the absolute value")
	}
	if IsBalanced(decimal.NewFromFloat(0.01)) {
		t.Fatal("the tolerance bound itself is not balanced")
	}
	if IsBalanced(decimal.NewFromFloat(-5)) {
		t.Fatal("a real difference is not balanced")
	}
}

func TestCanComplete(t *testing.T) {
	balanced := ReconciliationSession{
		ID:         7,
		Status:     SessionStatusInProgress,
		Difference: decimal.Zero,
	}
	if err := balanced.CanComplete(); err != nil {
		t.Fatalf("balanced in-progress session should complete, got %v", err)
	}

	unbalanced := balanced
	unbalanced.Difference = decimal.NewFromFloat(12.50)
	err := unbalanced.CanComplete()
	if err == nil {
		t.Fatal("unbalanced session must not complete")
	}
	if !utils.IsGuardViolation(err) {
		t.Fatalf("expected guard violation, got %T: %v", err, err)
	}

	for _, status := range []SessionStatus{SessionStatusCompleted, SessionStatusCancelled} {
		terminal := balanced
		terminal.Status = status
		err := terminal.CanComplete()
		if err == nil {
			t.Fatalf("%s session must not complete again", status)
		}
		if !utils.IsConflict(err) {
			t.Fatalf("expected conflict for %s session, got %T: %v", status, err, err)
		}
	}
}

func TestClassifySessionToggle(t *testing.T) {
	sessionId := 7
	otherId := 9

	fresh := BankTransaction{ID: 1}
	if got := classifySessionToggle(&fresh, sessionId); got != toggleLink {
		t.Fatalf("unreconciled row should link, got %d", got)
	}

	// Rule runs outside any session reconcile rows without linking them.
	// A session opened afterwards must be able to claim those rows, or the
	// statement can never balance.
	autoMatched := BankTransaction{ID: 2, IsReconciled: true}
	if got := classifySessionToggle(&autoMatched, sessionId); got != toggleLink {
		t.Fatalf("reconciled row without a session link must be adoptable, got %d", got)
	}

	linked := BankTransaction{ID: 3, IsReconciled: true, ReconciliationId: &sessionId}
	if got := classifySessionToggle(&linked, sessionId); got != toggleUnlink {
		t.Fatalf("row linked to this session should unlink, got %d", got)
	}

	foreign := BankTransaction{ID: 4, IsReconciled: true, ReconciliationId: &otherId}
	if got := classifySessionToggle(&foreign, sessionId); got != toggleConflict {
		t.Fatalf("row linked to another session must conflict, got %d", got)
	}
}

// fakeSessionLedger mirrors StartReconciliationSession's guard: the account
// row lock serializes the in-progress check with the insert, so two starts
// with different statement dates cannot both slip past the count.
type fakeSessionLedger struct {
	mu   sync.Mutex
	open map[int]bool
}

func (l *fakeSessionLedger) start(accountId int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open[accountId] {
		return utils.NewConflictError("account %d already has a reconciliation in progress", accountId)
	}
	l.open[accountId] = true
	return nil
}

func TestStartSession_ConcurrentStartsYieldOneSession(t *testing.T) {
	for round := 0; round < 50; round++ {
		ledger := &fakeSessionLedger{open: map[int]bool{}}
		var started int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ledger.start(42) == nil {
					atomic.AddInt32(&started, 1)
				}
			}()
		}
		wg.Wait()
		if started != 1 {
			t.Fatalf("round %d: expected exactly one open session, got %d", round, started)
		}
	}
}

func TestSessionStatusIsTerminal(t *testing.T) {
	if SessionStatusInProgress.IsTerminal() {
		t.Fatal("in_progress is not terminal")
	}
	if !SessionStatusCompleted.IsTerminal() || !SessionStatusCancelled.IsTerminal() {
		t.Fatal("completed and cancelled are terminal")
	}
}
