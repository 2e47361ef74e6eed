package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/banking_backend/config"
	"bitbucket.org/mmdatafocus/banking_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DifferenceTolerance is the completion gate: a session may complete only
// when |statement_ending_balance - reconciled_balance| falls below one cent.
var DifferenceTolerance = decimal.NewFromFloat(0.01)

// ReconciliationSession tracks one attempt to balance a bank statement
// against internal records. Unique per (company, account, statement date).
type ReconciliationSession struct {
	ID                     int             `gorm:"primary_key" json:"id"`
	CompanyId              string          `gorm:"size:64;not null;index;index:uniq_session,unique" json:"company_id"`
	BankAccountId          int             `gorm:"not null;index:uniq_session,unique" json:"bank_account_id"`
	StatementDate          time.Time       `gorm:"not null;index:uniq_session,unique" json:"statement_date"`
	StatementEndingBalance decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"statement_ending_balance"`
	OpeningBalance         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_balance"`
	BookBalance            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"book_balance"`
	ReconciledBalance      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reconciled_balance"`
	Difference             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"difference"`
	Status                 SessionStatus   `gorm:"size:20;not null;default:'in_progress';index;type:enum('in_progress','completed','cancelled')" json:"status"`
	StartedBy              int             `json:"started_by"`
	StartedAt              time.Time       `json:"started_at"`
	CompletedBy            *int            `json:"completed_by"`
	CompletedAt            *time.Time      `json:"completed_at"`
	CancelledBy            *int            `json:"cancelled_by"`
	CancelledAt            *time.Time      `json:"cancelled_at"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s ReconciliationSession) GetId() int {
	return s.ID
}

// ComputeDifference derives the completion-gate value. It is recomputed from
// the current reconciled balance on every mutation, never read back stale.
func ComputeDifference(statementEnding, reconciledBalance decimal.Decimal) decimal.Decimal {
	return statementEnding.Sub(reconciledBalance)
}

// IsBalanced reports whether the difference clears the completion tolerance.
func IsBalanced(difference decimal.Decimal) bool {
	return difference.Abs().LessThan(DifferenceTolerance)
}

// CanComplete is the completion guard: only an in-progress session whose
// difference is zero (within tolerance) may complete.
func (s ReconciliationSession) CanComplete() error {
	if s.Status != SessionStatusInProgress {
		return utils.NewConflictError("session %d is %s and cannot transition", s.ID, s.Status)
	}
	if !IsBalanced(s.Difference) {
		return utils.NewGuardViolationError("session %d difference is %s, must be zero to complete", s.ID, s.Difference)
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

type NewReconciliationSession struct {
	BankAccountId          int             `json:"bank_account_id" validate:"required"`
	StatementDate          time.Time       `json:"statement_date" validate:"required"`
	StatementEndingBalance decimal.Decimal `json:"statement_ending_balance"`
}

// StartReconciliationSession opens a new in-progress session. At most one
// active session per account; one session per (account, statement date) ever.
func StartReconciliationSession(ctx context.Context, input *NewReconciliationSession) (*ReconciliationSession, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	if err := utils.ValidateInput(input); err != nil {
		return nil, utils.NewValidationError("invalid session input: %v", err)
	}

	db := config.GetDB()
	var session ReconciliationSession
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the account row so concurrent starts for the same account
		// serialize on the one-in-progress check. The unique session index
		// only covers identical statement dates.
		var account BankAccount
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("company_id = ?", companyId).
			First(&account, input.BankAccountId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if account.IsActive != nil && !*account.IsActive {
			return utils.NewConflictError("account %d is deactivated", account.ID)
		}

		var open int64
		if err := tx.WithContext(ctx).Model(&ReconciliationSession{}).
			Where("company_id = ? AND bank_account_id = ? AND status = ?", companyId, input.BankAccountId, SessionStatusInProgress).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return utils.NewConflictError("account %d already has a reconciliation in progress", input.BankAccountId)
		}

		bookBalance, err := computeBookBalance(tx, ctx, companyId, input.BankAccountId, account.OpeningBalance, input.StatementDate)
		if err != nil {
			return err
		}

		userId, _ := utils.GetUserIdFromContext(ctx)
		session = ReconciliationSession{
			CompanyId:              companyId,
			BankAccountId:          input.BankAccountId,
			StatementDate:          input.StatementDate,
			StatementEndingBalance: input.StatementEndingBalance,
			OpeningBalance:         account.OpeningBalance,
			BookBalance:            bookBalance,
			ReconciledBalance:      account.OpeningBalance,
			Difference:             ComputeDifference(input.StatementEndingBalance, account.OpeningBalance),
			Status:                 SessionStatusInProgress,
			StartedBy:              userId,
			StartedAt:              time.Now().UTC(),
		}
		if err := tx.WithContext(ctx).Create(&session).Error; err != nil {
			if isDuplicateKeyError(err) {
				return utils.NewConflictError("a session already exists for account %d on %s",
					input.BankAccountId, input.StatementDate.Format("2006-01-02"))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// book balance = opening balance + sum of active transactions dated on or
// before the statement date.
func computeBookBalance(db *gorm.DB, ctx context.Context, companyId string, accountId int, opening decimal.Decimal, statementDate time.Time) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := db.WithContext(ctx).Model(&BankTransaction{}).
		Where("company_id = ? AND bank_account_id = ? AND is_active = 1 AND transaction_date <= ?", companyId, accountId, statementDate).
		Select("SUM(amount)").Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return opening, nil
	}
	return opening.Add(sum.Decimal), nil
}

// RecomputeSessionBalances re-derives reconciled_balance and difference from
// source rows inside the caller's transaction and persists them. Callers must
// hold the session row lock (or the account advisory lock) to avoid lost
// updates from concurrent finishers.
func RecomputeSessionBalances(tx *gorm.DB, ctx context.Context, session *ReconciliationSession) error {
	var sum decimal.NullDecimal
	err := tx.WithContext(ctx).Model(&BankTransaction{}).
		Where("company_id = ? AND reconciliation_id = ? AND is_reconciled = 1", session.CompanyId, session.ID).
		Select("SUM(amount)").Scan(&sum).Error
	if err != nil {
		return err
	}
	reconciled := session.OpeningBalance
	if sum.Valid {
		reconciled = reconciled.Add(sum.Decimal)
	}
	difference := ComputeDifference(session.StatementEndingBalance, reconciled)

	err = tx.WithContext(ctx).Model(&ReconciliationSession{}).
		Where("id = ?", session.ID).
		Updates(map[string]interface{}{
			"ReconciledBalance": reconciled,
			"Difference":        difference,
		}).Error
	if err != nil {
		return err
	}
	session.ReconciledBalance = reconciled
	session.Difference = difference
	return nil
}

func fetchSessionForUpdate(tx *gorm.DB, ctx context.Context, companyId string, id int) (*ReconciliationSession, error) {
	var session ReconciliationSession
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("company_id = ?", companyId).
		First(&session, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &session, nil
}

type sessionToggle int

const (
	toggleLink sessionToggle = iota
	toggleUnlink
	toggleConflict
)

// classifySessionToggle decides what toggling does to the transaction. Rows
// matched by a rule run outside any session are reconciled with a nil
// reconciliation_id; a later session adopts them like any unreconciled row.
// Only rows linked to a different session are off limits.
func classifySessionToggle(txn *BankTransaction, sessionId int) sessionToggle {
	if txn.ReconciliationId != nil {
		if *txn.ReconciliationId == sessionId {
			return toggleUnlink
		}
		return toggleConflict
	}
	return toggleLink
}

// ToggleReconciliationTransaction links or unlinks one transaction on the
// in-progress session and recomputes balances atomically.
func ToggleReconciliationTransaction(ctx context.Context, sessionId int, transactionId int) (*ReconciliationSession, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	db := config.GetDB()
	var result *ReconciliationSession
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := fetchSessionForUpdate(tx, ctx, companyId, sessionId)
		if err != nil {
			return err
		}
		if session.Status != SessionStatusInProgress {
			return utils.NewConflictError("session %d is %s; transactions can only be toggled while in progress", session.ID, session.Status)
		}

		var txn BankTransaction
		if err := tx.WithContext(ctx).
			Where("company_id = ? AND bank_account_id = ?", companyId, session.BankAccountId).
			First(&txn, transactionId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}

		switch classifySessionToggle(&txn, session.ID) {
		case toggleUnlink:
			err := tx.WithContext(ctx).Model(&BankTransaction{}).
				Where("id = ? AND reconciliation_id = ?", txn.ID, session.ID).
				Updates(map[string]interface{}{
					"IsReconciled":     false,
					"ReconciliationId": nil,
					"ReconciledAt":     nil,
				}).Error
			if err != nil {
				return err
			}
		case toggleConflict:
			return utils.NewConflictError("transaction %d is reconciled under another session", txn.ID)
		default:
			now := time.Now().UTC()
			// Unlinked rows are claimable whether or not a rule run already
			// marked them reconciled.
			res := tx.WithContext(ctx).Model(&BankTransaction{}).
				Where("id = ? AND (is_reconciled = 0 OR reconciliation_id IS NULL)", txn.ID).
				Updates(map[string]interface{}{
					"IsReconciled":     true,
					"ReconciliationId": session.ID,
					"ReconciledAt":     &now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return utils.NewConflictError("transaction %d was reconciled concurrently", txn.ID)
			}
		}

		if err := RecomputeSessionBalances(tx, ctx, session); err != nil {
			return err
		}
		result = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteReconciliationSession closes the session when the difference is
// zero. On success the account's last-reconciled markers move forward.
func CompleteReconciliationSession(ctx context.Context, sessionId int) (*ReconciliationSession, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	db := config.GetDB()
	var result *ReconciliationSession
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := fetchSessionForUpdate(tx, ctx, companyId, sessionId)
		if err != nil {
			return err
		}
		// Recompute before gating; a stale difference must never decide completion.
		if session.Status == SessionStatusInProgress {
			if err := RecomputeSessionBalances(tx, ctx, session); err != nil {
				return err
			}
		}
		if err := session.CanComplete(); err != nil {
			return err
		}

		now := time.Now().UTC()
		userId, _ := utils.GetUserIdFromContext(ctx)
		err = tx.WithContext(ctx).Model(&ReconciliationSession{}).
			Where("id = ? AND status = ?", session.ID, SessionStatusInProgress).
			Updates(map[string]interface{}{
				"Status":      SessionStatusCompleted,
				"CompletedBy": userId,
				"CompletedAt": &now,
			}).Error
		if err != nil {
			return err
		}
		err = tx.WithContext(ctx).Model(&BankAccount{}).
			Where("company_id = ? AND id = ?", companyId, session.BankAccountId).
			Updates(map[string]interface{}{
				"LastReconciledDate":    session.StatementDate,
				"LastReconciledBalance": session.StatementEndingBalance,
			}).Error
		if err != nil {
			return err
		}

		session.Status = SessionStatusCompleted
		session.CompletedBy = &userId
		session.CompletedAt = &now
		result = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelReconciliationSession abandons an in-progress session. The session's
// own linked transactions are unreconciled; transactions completed under
// earlier sessions are untouched.
func CancelReconciliationSession(ctx context.Context, sessionId int) (*ReconciliationSession, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	db := config.GetDB()
	var result *ReconciliationSession
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := fetchSessionForUpdate(tx, ctx, companyId, sessionId)
		if err != nil {
			return err
		}
		if session.Status != SessionStatusInProgress {
			return utils.NewConflictError("session %d is %s and cannot be cancelled", session.ID, session.Status)
		}

		err = tx.WithContext(ctx).Model(&BankTransaction{}).
			Where("company_id = ? AND reconciliation_id = ?", companyId, session.ID).
			Updates(map[string]interface{}{
				"IsReconciled":     false,
				"ReconciliationId": nil,
				"ReconciledAt":     nil,
			}).Error
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		userId, _ := utils.GetUserIdFromContext(ctx)
		err = tx.WithContext(ctx).Model(&ReconciliationSession{}).
			Where("id = ? AND status = ?", session.ID, SessionStatusInProgress).
			Updates(map[string]interface{}{
				"Status":      SessionStatusCancelled,
				"CancelledBy": userId,
				"CancelledAt": &now,
			}).Error
		if err != nil {
			return err
		}

		session.Status = SessionStatusCancelled
		session.CancelledBy = &userId
		session.CancelledAt = &now
		result = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func GetReconciliationSession(ctx context.Context, id int) (*ReconciliationSession, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	return utils.FetchModel[ReconciliationSession](ctx, companyId, id)
}

func ListReconciliationSessions(ctx context.Context, accountId int) ([]*ReconciliationSession, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	db := config.GetDB()
	var sessions []*ReconciliationSession
	err := db.WithContext(ctx).
		Where("company_id = ? AND bank_account_id = ?", companyId, accountId).
		Order("statement_date DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ActiveSessionForAccount returns the in-progress session, or nil if none.
func ActiveSessionForAccount(tx *gorm.DB, ctx context.Context, companyId string, accountId int) (*ReconciliationSession, error) {
	var session ReconciliationSession
	err := tx.WithContext(ctx).
		Where("company_id = ? AND bank_account_id = ? AND status = ?", companyId, accountId, SessionStatusInProgress).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}
