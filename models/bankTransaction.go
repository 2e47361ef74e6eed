package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/banking_backend/config"
	"bitbucket.org/mmdatafocus/banking_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type BankTransaction struct {
	ID               int               `gorm:"primary_key;index:idx_txn_order,priority:2" json:"id"`
	CompanyId        string            `gorm:"size:64;not null;index" json:"company_id"`
	BankAccountId    int               `gorm:"not null;index" json:"bank_account_id"`
	TransactionDate  time.Time         `gorm:"not null;index:idx_txn_order,priority:1" json:"transaction_date"`
	ValueDate        *time.Time        `json:"value_date"`
	Amount           decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"amount"`
	TransactionType  TransactionType   `gorm:"size:20;not null;type:enum('deposit','withdrawal','transfer_in','transfer_out','fee','interest','adjustment','opening')" json:"transaction_type"`
	Description      string            `gorm:"type:text" json:"description"`
	PayeeName        string            `gorm:"size:255" json:"payee_name"`
	Category         string            `gorm:"size:100;index" json:"category"`
	ReferenceNumber  string            `gorm:"size:255" json:"reference_number"`
	Source           TransactionSource `gorm:"size:20;not null;default:'manual';type:enum('manual','imported','feed','system')" json:"source"`
	ReconciliationId *int              `gorm:"index" json:"reconciliation_id"`
	IsReconciled     bool              `gorm:"not null;default:false;index" json:"is_reconciled"`
	ReconciledAt     *time.Time        `json:"reconciled_at"`
	MatchedRuleId    *int              `gorm:"index" json:"matched_rule_id"`
	PaymentId        *int              `json:"payment_id"`
	GlAccountId      *int              `json:"gl_account_id"`
	IsActive         *bool             `gorm:"not null;default:true" json:"is_active"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t BankTransaction) GetId() int {
	return t.ID
}

// FieldValue resolves a rule condition field against this transaction.
// Amount is exposed by AbsAmount; callers needing numeric comparison use that.
func (t BankTransaction) FieldValue(field ConditionField) (string, bool) {
	switch field {
	case ConditionFieldDescription:
		return t.Description, true
	case ConditionFieldPayeeName:
		return t.PayeeName, true
	case ConditionFieldAmount:
		return t.Amount.Abs().String(), true
	case ConditionFieldReferenceNumber:
		return t.ReferenceNumber, true
	case ConditionFieldCategory:
		return t.Category, true
	case ConditionFieldTransactionType:
		return string(t.TransactionType), true
	default:
		return "", false
	}
}

// AbsAmount is the comparison value for amount conditions. Withdrawals carry
// negative signed amounts; rules always compare magnitude.
func (t BankTransaction) AbsAmount() decimal.Decimal {
	return t.Amount.Abs()
}

type NewBankTransaction struct {
	BankAccountId   int               `json:"bank_account_id" validate:"required"`
	TransactionDate time.Time         `json:"transaction_date" validate:"required"`
	ValueDate       *time.Time        `json:"value_date"`
	Amount          decimal.Decimal   `json:"amount"`
	TransactionType TransactionType   `json:"transaction_type" validate:"required"`
	Description     string            `json:"description"`
	PayeeName       string            `json:"payee_name"`
	Category        string            `json:"category"`
	ReferenceNumber string            `json:"reference_number"`
	Source          TransactionSource `json:"source"`
}

func (input NewBankTransaction) validate(ctx context.Context, companyId string) error {
	if err := utils.ValidateInput(&input); err != nil {
		return utils.NewValidationError("invalid bank transaction input: %v", err)
	}
	if !input.TransactionType.IsValid() {
		return utils.NewValidationError("invalid transaction type %q", input.TransactionType)
	}
	if err := utils.ValidateResourceId[BankAccount](ctx, companyId, input.BankAccountId); err != nil {
		return errors.New("bank account id not found")
	}
	return nil
}

// CreateBankTransaction is the entry point used by the ingestion collaborator
// (imports, feeds, manual entry). The running account balance moves with it.
func CreateBankTransaction(ctx context.Context, input *NewBankTransaction) (*BankTransaction, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	if err := input.validate(ctx, companyId); err != nil {
		return nil, err
	}

	source := input.Source
	if source == "" {
		source = TransactionSourceManual
	}

	transaction := BankTransaction{
		CompanyId:       companyId,
		BankAccountId:   input.BankAccountId,
		TransactionDate: input.TransactionDate,
		ValueDate:       input.ValueDate,
		Amount:          input.Amount,
		TransactionType: input.TransactionType,
		Description:     input.Description,
		PayeeName:       input.PayeeName,
		Category:        input.Category,
		ReferenceNumber: input.ReferenceNumber,
		Source:          source,
		IsActive:        utils.NewTrue(),
	}

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Create(&transaction).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&BankAccount{}).
		Where("company_id = ? AND id = ?", companyId, input.BankAccountId).
		Update("current_balance", gorm.Expr("current_balance + ?", input.Amount)).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &transaction, nil
}

func UpdateBankTransaction(ctx context.Context, id int, input *NewBankTransaction) (*BankTransaction, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	if err := input.validate(ctx, companyId); err != nil {
		return nil, err
	}

	old, err := utils.FetchModel[BankTransaction](ctx, companyId, id)
	if err != nil {
		return nil, err
	}
	// Reconciled rows are immutable until an explicit correction workflow exists.
	if old.IsReconciled {
		return nil, utils.NewConflictError("transaction %d is reconciled and cannot be edited", id)
	}

	db := config.GetDB()
	tx := db.Begin()
	err = tx.WithContext(ctx).Model(&BankTransaction{ID: id, CompanyId: companyId}).Updates(map[string]interface{}{
		"TransactionDate": input.TransactionDate,
		"ValueDate":       input.ValueDate,
		"Amount":          input.Amount,
		"TransactionType": input.TransactionType,
		"Description":     input.Description,
		"PayeeName":       input.PayeeName,
		"Category":        input.Category,
		"ReferenceNumber": input.ReferenceNumber,
	}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !old.Amount.Equal(input.Amount) {
		delta := input.Amount.Sub(old.Amount)
		if err := tx.WithContext(ctx).Model(&BankAccount{}).
			Where("company_id = ? AND id = ?", companyId, old.BankAccountId).
			Update("current_balance", gorm.Expr("current_balance + ?", delta)).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return utils.FetchModel[BankTransaction](ctx, companyId, id)
}

// RetireBankTransaction soft-retires a row. Transactions are never hard-deleted
// and reconciled ones cannot be retired at all.
func RetireBankTransaction(ctx context.Context, id int) (*BankTransaction, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	transaction, err := utils.FetchModel[BankTransaction](ctx, companyId, id)
	if err != nil {
		return nil, err
	}
	if transaction.IsReconciled {
		return nil, utils.NewConflictError("transaction %d is reconciled and cannot be retired", id)
	}

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Model(transaction).Update("IsActive", false).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&BankAccount{}).
		Where("company_id = ? AND id = ?", companyId, transaction.BankAccountId).
		Update("current_balance", gorm.Expr("current_balance - ?", transaction.Amount)).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	transaction.IsActive = utils.NewFalse()
	return transaction, nil
}

func GetBankTransaction(ctx context.Context, id int) (*BankTransaction, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	return utils.FetchModel[BankTransaction](ctx, companyId, id)
}

// FetchUnreconciledPage streams one page of unreconciled, active transactions
// for an account in deterministic (transaction_date, id) order. Keyset cursor:
// pass the previous page's last row to continue.
func FetchUnreconciledPage(tx *gorm.DB, ctx context.Context, companyId string, accountId int, after *BankTransaction, limit int) ([]BankTransaction, error) {
	q := tx.WithContext(ctx).
		Where("company_id = ? AND bank_account_id = ? AND is_reconciled = 0 AND is_active = 1", companyId, accountId).
		Order("transaction_date ASC, id ASC").
		Limit(limit)
	if after != nil {
		q = q.Where("(transaction_date > ?) OR (transaction_date = ? AND id > ?)",
			after.TransactionDate, after.TransactionDate, after.ID)
	}
	var page []BankTransaction
	if err := q.Find(&page).Error; err != nil {
		return nil, err
	}
	return page, nil
}

// MarkTransactionMatched persists a rule match as a compare-and-set: the write
// only lands if the row is still unreconciled, so a losing concurrent run
// skips the row instead of double-applying. Returns false when the CAS lost.
func MarkTransactionMatched(tx *gorm.DB, ctx context.Context, txn *BankTransaction, ruleId int, sessionId *int, mutations map[string]interface{}) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"MatchedRuleId": ruleId,
		"IsReconciled":  true,
		"ReconciledAt":  &now,
	}
	if sessionId != nil {
		updates["ReconciliationId"] = sessionId
	}
	for k, v := range mutations {
		updates[k] = v
	}
	res := tx.WithContext(ctx).Model(&BankTransaction{}).
		Where("id = ? AND company_id = ? AND is_reconciled = 0", txn.ID, txn.CompanyId).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
