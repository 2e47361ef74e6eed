package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/banking_backend/config"
	"bitbucket.org/mmdatafocus/banking_backend/utils"
	"github.com/shopspring/decimal"
)

type BankAccount struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	CompanyId             string          `gorm:"size:64;not null;index" json:"company_id"`
	Name                  string          `gorm:"size:255;not null" json:"name"`
	AccountNumber         string          `gorm:"size:64" json:"account_number"`
	LedgerAccountId       int             `gorm:"index" json:"ledger_account_id"`
	Currency              string          `gorm:"size:3;not null;default:'USD'" json:"currency"`
	OpeningBalance        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_balance"`
	OpeningBalanceDate    *time.Time      `json:"opening_balance_date"`
	CurrentBalance        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_balance"`
	IsActive              *bool           `gorm:"not null;default:true" json:"is_active"`
	IsPrimary             *bool           `gorm:"not null;default:false" json:"is_primary"`
	LastReconciledDate    *time.Time      `json:"last_reconciled_date"`
	LastReconciledBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"last_reconciled_balance"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a BankAccount) GetId() int {
	return a.ID
}

type NewBankAccount struct {
	Name               string          `json:"name" validate:"required,max=255"`
	AccountNumber      string          `json:"account_number" validate:"max=64"`
	LedgerAccountId    int             `json:"ledger_account_id"`
	Currency           string          `json:"currency" validate:"required,len=3"`
	OpeningBalance     decimal.Decimal `json:"opening_balance"`
	OpeningBalanceDate *time.Time      `json:"opening_balance_date"`
	IsPrimary          *bool           `json:"is_primary"`
}

func CreateBankAccount(ctx context.Context, input *NewBankAccount) (*BankAccount, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	if err := utils.ValidateInput(input); err != nil {
		return nil, utils.NewValidationError("invalid bank account input: %v", err)
	}
	if input.AccountNumber != "" {
		if err := utils.ValidateUnique[BankAccount](ctx, companyId, "account_number", input.AccountNumber, 0); err != nil {
			return nil, err
		}
	}

	account := BankAccount{
		CompanyId:          companyId,
		Name:               input.Name,
		AccountNumber:      input.AccountNumber,
		LedgerAccountId:    input.LedgerAccountId,
		Currency:           input.Currency,
		OpeningBalance:     input.OpeningBalance,
		OpeningBalanceDate: input.OpeningBalanceDate,
		CurrentBalance:     input.OpeningBalance,
		IsActive:           utils.NewTrue(),
		IsPrimary:          input.IsPrimary,
	}
	if account.IsPrimary == nil {
		account.IsPrimary = utils.NewFalse()
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func UpdateBankAccount(ctx context.Context, id int, input *NewBankAccount) (*BankAccount, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	if err := utils.ValidateInput(input); err != nil {
		return nil, utils.NewValidationError("invalid bank account input: %v", err)
	}

	account, err := utils.FetchModel[BankAccount](ctx, companyId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(account).Updates(map[string]interface{}{
		"Name":               input.Name,
		"AccountNumber":      input.AccountNumber,
		"LedgerAccountId":    input.LedgerAccountId,
		"Currency":           input.Currency,
		"OpeningBalance":     input.OpeningBalance,
		"OpeningBalanceDate": input.OpeningBalanceDate,
	}).Error
	if err != nil {
		return nil, err
	}
	return account, nil
}

// DeactivateBankAccount soft-retires the account. Accounts are never hard-deleted.
func DeactivateBankAccount(ctx context.Context, id int) (*BankAccount, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	account, err := utils.FetchModel[BankAccount](ctx, companyId, id)
	if err != nil {
		return nil, err
	}

	var open int64
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&ReconciliationSession{}).
		Where("company_id = ? AND bank_account_id = ? AND status = ?", companyId, id, SessionStatusInProgress).
		Count(&open).Error; err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, utils.NewConflictError("cannot deactivate account %d with a reconciliation in progress", id)
	}

	if err := db.WithContext(ctx).Model(account).Update("IsActive", false).Error; err != nil {
		return nil, err
	}
	account.IsActive = utils.NewFalse()
	return account, nil
}

func GetBankAccount(ctx context.Context, id int) (*BankAccount, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	return utils.FetchModel[BankAccount](ctx, companyId, id)
}

func ListBankAccounts(ctx context.Context) ([]*BankAccount, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	return utils.FetchAllModels[BankAccount](ctx, companyId)
}
