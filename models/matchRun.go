package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/banking_backend/config"
	"bitbucket.org/mmdatafocus/banking_backend/utils"
	"github.com/google/uuid"
)

// MatchRun is the durable unit of work for the background matcher: one run
// classifies one account's unreconciled transactions. The runner claims rows,
// bumps attempts, and records the outcome here.
type MatchRun struct {
	ID             int        `gorm:"primary_key" json:"id"`
	CompanyId      string     `gorm:"size:64;not null;index" json:"company_id"`
	BankAccountId  int        `gorm:"not null;index" json:"bank_account_id"`
	RunKey         string     `gorm:"size:64;not null;uniqueIndex" json:"run_key"`
	Status         RunStatus  `gorm:"size:20;not null;default:'PENDING';index:idx_run_claim,priority:1" json:"status"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt  *time.Time `gorm:"index;index:idx_run_claim,priority:2" json:"next_attempt_at"`
	LockedAt       *time.Time `gorm:"index" json:"locked_at"`
	LockedBy       *string    `gorm:"size:100" json:"locked_by"`
	MatchedCount   int        `gorm:"not null;default:0" json:"matched_count"`
	UnmatchedCount int        `gorm:"not null;default:0" json:"unmatched_count"`
	ErroredCount   int        `gorm:"not null;default:0" json:"errored_count"`
	LastError      *string    `gorm:"type:text" json:"last_error"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	CorrelationId  string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r MatchRun) GetId() int {
	return r.ID
}

// MatchSummary is the per-run aggregate returned by the orchestrator and
// carried on RunCompleted notifications.
type MatchSummary struct {
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Errored   int `json:"errored"`
}

// EnqueueMatchRun schedules a background matching run for one account.
// Delivery is at-least-once; re-running is safe because already-reconciled
// transactions are skipped by the orchestrator.
func EnqueueMatchRun(ctx context.Context, accountId int) (*MatchRun, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	if err := utils.ValidateResourceId[BankAccount](ctx, companyId, accountId); err != nil {
		return nil, errors.New("bank account id not found")
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}

	run := MatchRun{
		CompanyId:     companyId,
		BankAccountId: accountId,
		RunKey:        uuid.NewString(),
		Status:        RunStatusPending,
		CorrelationId: correlationId,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func GetMatchRun(ctx context.Context, id int) (*MatchRun, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	return utils.FetchModel[MatchRun](ctx, companyId, id)
}
