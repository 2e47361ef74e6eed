package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/banking_backend/appctx"
	"bitbucket.org/mmdatafocus/banking_backend/models"
	"bitbucket.org/mmdatafocus/banking_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MatchRunner polls the match_runs table and executes due runs. Claiming uses
// SKIP LOCKED so multiple instances cooperate without double-processing, and
// a per-account Redis lock keeps two runs for the same account from
// interleaving even across claim boundaries.
type MatchRunner struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	RunnerID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration

	Collab   Collaborators
	Notifier Notifier
}

func NewMatchRunner(db *gorm.DB, logger *logrus.Logger, collab Collaborators) *MatchRunner {
	return &MatchRunner{
		DB:             db,
		Logger:         logger,
		RunnerID:       uuid.NewString(),
		BatchSize:      10,
		PollInterval:   time.Second,
		LockTimeout:    10 * time.Minute,
		MaxAttempts:    3,
		AttemptTimeout: 5 * time.Minute,
		InitialBackoff: 30 * time.Second,
		Collab:         collab,
		Notifier:       OutboxNotifier{},
	}
}

func (r *MatchRunner) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.PollInterval):
		}
	}
}

func (r *MatchRunner) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-r.LockTimeout)
	db := r.DB
	if db == nil {
		return
	}

	// Claims span every tenant; rows are scoped by run id, not company.
	claimCtx := utils.SetSkipTenantScopeInContext(ctx, true)

	var claimed []models.MatchRun
	err := db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING but lock is stale (runner crashed mid-run), reclaim after LockTimeout
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{string(models.RunStatusPending), string(models.RunStatusFailed)}, now, string(models.RunStatusProcessing), staleBefore).
			Order("id ASC").
			Limit(r.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].Status = models.RunStatusProcessing
			claimed[i].Attempts = claimed[i].Attempts + 1
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &r.RunnerID
			if err := tx.Model(&models.MatchRun{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          models.RunStatusProcessing,
				"attempts":        gorm.Expr("attempts + 1"),
				"locked_at":       claimed[i].LockedAt,
				"locked_by":       claimed[i].LockedBy,
				"started_at":      &now,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for i := range claimed {
		r.executeRun(ctx, &claimed[i])
	}
}

func (r *MatchRunner) executeRun(ctx context.Context, run *models.MatchRun) {
	runCtx := appctx.Set(ctx, appctx.ContextKeyCompanyId, run.CompanyId)
	runCtx = appctx.Set(runCtx, appctx.ContextKeyCorrelationId, run.CorrelationId)

	// One account, one run at a time across the fleet.
	lock, err := utils.AcquireAccountRunLock(runCtx, run.CompanyId, run.BankAccountId, r.AttemptTimeout)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			// Another instance is working this account; requeue with a short delay
			// without burning an attempt.
			r.requeueWithoutAttempt(ctx, run)
			return
		}
		r.markRunFailed(ctx, run, utils.NewTransientInfraError("acquire account run lock", err))
		return
	}
	defer func() { _ = lock.Release(runCtx) }()

	attemptCtx, cancel := context.WithTimeout(runCtx, r.AttemptTimeout)
	defer cancel()

	summary, err := ProcessMatchRun(attemptCtx, r.DB, r.Logger, run, r.Collab)
	if err != nil {
		r.markRunFailed(ctx, run, err)
		return
	}
	r.markRunSucceeded(ctx, run, summary)
}

func (r *MatchRunner) requeueWithoutAttempt(ctx context.Context, run *models.MatchRun) {
	now := time.Now().UTC()
	next := now.Add(r.PollInterval * 5)
	_ = r.DB.WithContext(ctx).Model(&models.MatchRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":          models.RunStatusPending,
			"attempts":        gorm.Expr("attempts - 1"),
			"next_attempt_at": &next,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

func (r *MatchRunner) markRunSucceeded(ctx context.Context, run *models.MatchRun, summary models.MatchSummary) {
	now := time.Now().UTC()
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.MatchRun{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
			"status":          models.RunStatusSucceeded,
			"matched_count":   summary.Matched,
			"unmatched_count": summary.Unmatched,
			"errored_count":   summary.Errored,
			"last_error":      nil,
			"finished_at":     &now,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error; err != nil {
			return err
		}
		if r.Notifier == nil {
			return nil
		}
		// The notification commits with the run state or not at all.
		return r.Notifier.Notify(ctx, tx, run.CompanyId, models.NotificationEventRunCompleted, run.ID, map[string]interface{}{
			"run_key":         run.RunKey,
			"bank_account_id": run.BankAccountId,
			"summary":         summary,
		})
	})
	if err != nil && r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":      "MatchRunner",
			"company_id": run.CompanyId,
			"run_id":     run.ID,
		}).Error("failed to finalize succeeded run: " + fmt.Sprintf("%v", err))
	}
}

func (r *MatchRunner) markRunFailed(ctx context.Context, run *models.MatchRun, runErr error) {
	now := time.Now().UTC()
	msg := runErr.Error()

	if run.Attempts >= r.MaxAttempts {
		exhausted := &utils.ExhaustedRetriesError{Attempts: run.Attempts, LastErr: runErr}
		deadMsg := exhausted.Error()
		err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.MatchRun{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
				"status":          models.RunStatusDead,
				"last_error":      &deadMsg,
				"finished_at":     &now,
				"locked_at":       nil,
				"locked_by":       nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
			if r.Notifier == nil {
				return nil
			}
			return r.Notifier.Notify(ctx, tx, run.CompanyId, models.NotificationEventRunFailed, run.ID, map[string]interface{}{
				"run_key":         run.RunKey,
				"bank_account_id": run.BankAccountId,
				"attempts":        run.Attempts,
				"error":           deadMsg,
			})
		})
		if err == nil && r.Logger != nil {
			r.Logger.WithFields(logrus.Fields{
				"field":      "MatchRunner",
				"company_id": run.CompanyId,
				"run_id":     run.ID,
				"attempts":   run.Attempts,
			}).Error("match run moved to DEAD after max attempts: " + msg)
		}
		return
	}

	backoff := r.InitialBackoff
	for i := 1; i < run.Attempts; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			backoff = time.Minute * 10
			break
		}
	}
	next := now.Add(backoff)
	_ = r.DB.WithContext(ctx).Model(&models.MatchRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":          models.RunStatusFailed,
			"last_error":      &msg,
			"next_attempt_at": &next,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error

	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":           "MatchRunner",
			"company_id":      run.CompanyId,
			"run_id":          run.ID,
			"attempt":         run.Attempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("match run attempt failed: " + msg)
	}
}
