package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/banking_backend/models"
	"bitbucket.org/mmdatafocus/banking_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const enqueueMatchRunHandler = "ENQUEUE_MATCH_RUN"

// EnqueueMatchRunIdempotent schedules a match run exactly once per messageId.
// Callers that retry (client resubmits, at-least-once delivery) pass the same
// messageId and get the already-enqueued run back instead of a duplicate.
func EnqueueMatchRunIdempotent(ctx context.Context, db *gorm.DB, accountId int, messageId string) (*models.MatchRun, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	if messageId == "" {
		return nil, utils.NewValidationError("message id is required")
	}
	if err := utils.ValidateResourceId[models.BankAccount](ctx, companyId, accountId); err != nil {
		return nil, errors.New("bank account id not found")
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}

	// The STARTED marker commits on its own so a crash or failure between it
	// and the run insert is observable, not silently rolled back.
	var skip bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var berr error
		skip, berr = BeginIdempotency(tx, companyId, enqueueMatchRunHandler, messageId)
		return berr
	})
	if err != nil {
		return nil, err
	}
	if skip {
		// Already enqueued by an earlier delivery; return the existing run.
		return fetchRunByKey(ctx, db, companyId, messageId)
	}

	created := models.MatchRun{
		CompanyId:     companyId,
		BankAccountId: accountId,
		RunKey:        messageId,
		Status:        models.RunStatusPending,
		CorrelationId: correlationId,
	}
	if err := db.WithContext(ctx).Create(&created).Error; err != nil {
		_ = MarkIdempotencyFailed(db.WithContext(ctx), companyId, enqueueMatchRunHandler, messageId, err)
		if isDuplicateKeyErr(err) {
			// The run row survived an earlier attempt whose key write was lost.
			if existing, ferr := fetchRunByKey(ctx, db, companyId, messageId); ferr == nil {
				_ = MarkIdempotencySucceeded(db.WithContext(ctx), companyId, enqueueMatchRunHandler, messageId)
				return existing, nil
			}
		}
		return nil, err
	}
	if err := MarkIdempotencySucceeded(db.WithContext(ctx), companyId, enqueueMatchRunHandler, messageId); err != nil {
		return nil, err
	}
	return &created, nil
}

func fetchRunByKey(ctx context.Context, db *gorm.DB, companyId, runKey string) (*models.MatchRun, error) {
	var run models.MatchRun
	if err := db.WithContext(ctx).
		Where("company_id = ? AND run_key = ?", companyId, runKey).
		First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}
