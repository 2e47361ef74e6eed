package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/banking_backend/config"
	"bitbucket.org/mmdatafocus/banking_backend/models"
	"bitbucket.org/mmdatafocus/banking_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const matchBatchSize = 200

// ProcessMatchRun classifies one account's unreconciled transactions against
// the company's rule set. One run is one logical unit of work: transactions
// are processed sequentially in (transaction_date, id) order, per-transaction
// failures are counted and skipped, and run-level failures (account or rule
// set unavailable) abort the attempt for the runner to retry.
func ProcessMatchRun(ctx context.Context, db *gorm.DB, logger *logrus.Logger, run *models.MatchRun, collab Collaborators) (models.MatchSummary, error) {
	summary := models.MatchSummary{}
	funcName := "ProcessMatchRun"

	var account models.BankAccount
	err := db.WithContext(ctx).
		Where("company_id = ?", run.CompanyId).
		First(&account, run.BankAccountId).Error
	if err != nil {
		return summary, utils.NewTransientInfraError("load bank account", err)
	}

	// Load the ordered rule set once per run, not per transaction.
	rules, err := models.ActiveRulesForAccount(ctx, run.CompanyId, run.BankAccountId)
	if err != nil {
		return summary, utils.NewTransientInfraError("load rule set", err)
	}

	session, err := models.ActiveSessionForAccount(db, ctx, run.CompanyId, run.BankAccountId)
	if err != nil {
		return summary, utils.NewTransientInfraError("load active session", err)
	}
	var sessionId *int
	if session != nil {
		sessionId = &session.ID
	}

	var cursor *models.BankTransaction
	for {
		select {
		case <-ctx.Done():
			return summary, utils.NewTransientInfraError("run cancelled", ctx.Err())
		default:
		}

		page, err := models.FetchUnreconciledPage(db, ctx, run.CompanyId, run.BankAccountId, cursor, matchBatchSize)
		if err != nil {
			return summary, utils.NewTransientInfraError("load transaction page", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			// Copy before mutation; the cursor must reflect the stored order key.
			cursorCopy := page[i]
			txn := page[i]

			rule := models.MatchTransaction(&txn, rules)
			if rule == nil {
				summary.Unmatched++
				cursor = &cursorCopy
				continue
			}

			matched, perr := applyMatchedRule(ctx, db, &txn, rule, sessionId, collab)
			if perr != nil {
				// Per-transaction failure: count, log, continue with the next row.
				summary.Errored++
				config.LogError(logger, "workflow", funcName, "transaction match failed", map[string]interface{}{
					"company_id":     run.CompanyId,
					"transaction_id": txn.ID,
					"rule_id":        rule.ID,
				}, perr)
			} else if matched {
				summary.Matched++
			}
			cursor = &cursorCopy
		}

		if len(page) < matchBatchSize {
			break
		}
	}

	if session != nil {
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if lerr := AcquireAccountReconcileLock(tx, run.CompanyId, run.BankAccountId); lerr != nil {
				return lerr
			}
			defer ReleaseAccountReconcileLock(tx, run.CompanyId, run.BankAccountId)
			return models.RecomputeSessionBalances(tx, ctx, session)
		})
		if err != nil {
			return summary, utils.NewTransientInfraError("recompute session balances", err)
		}
	}

	return summary, nil
}

// applyMatchedRule applies the rule's actions to one transaction: direct
// field actions mutate in memory, delegating actions call collaborators, and
// the result lands with a compare-and-set so a concurrently reconciled row is
// skipped instead of double-applied. Returns false when the CAS lost.
func applyMatchedRule(ctx context.Context, db *gorm.DB, txn *models.BankTransaction, rule *models.BankRule, sessionId *int, collab Collaborators) (bool, error) {
	results := models.ApplyActions(txn, rule.Actions)

	mutations := models.FieldMutations(results)
	for i := range results {
		r := &results[i]
		if !r.Delegated {
			continue
		}
		switch r.Type {
		case models.ActionTypeAutoMatchCustomer, models.ActionTypeAutoMatchVendor:
			if collab.Identity == nil {
				r.Note = "no identity resolver configured"
				continue
			}
			kind := "customer"
			if r.Type == models.ActionTypeAutoMatchVendor {
				kind = "vendor"
			}
			ref, err := collab.Identity.Resolve(ctx, kind, r.Hint, txn.BankAccountId)
			if err != nil {
				return false, utils.NewTransientInfraError("identity resolution", err)
			}
			if ref == nil {
				r.Note = "no " + kind + " matched"
				continue
			}
			r.NewValue = ref.Name
			r.Applied = true
		case models.ActionTypeSetGlAccountId:
			if collab.Ledger == nil {
				r.Note = "no ledger linker configured"
				continue
			}
			link, err := collab.Ledger.LinkAccount(ctx, txn, r.Hint)
			if err != nil {
				return false, utils.NewTransientInfraError("ledger linking", err)
			}
			if link == nil || !link.Linked {
				r.Note = "ledger account not linked"
				continue
			}
			glId := link.GlAccountId
			mutations["GlAccountId"] = &glId
			r.Applied = true
		}
	}

	won, err := models.MarkTransactionMatched(db, ctx, txn, rule.ID, sessionId, mutations)
	if err != nil {
		return false, utils.NewTransientInfraError("persist transaction match", err)
	}
	if !won {
		// A concurrent run reconciled this row first; skipping keeps both runs correct.
		return false, nil
	}

	if collab.Auditor != nil {
		// Audit emission is best-effort; the match itself already committed.
		_ = collab.Auditor.RecordActions(ctx, txn, rule.ID, results)
	}
	return true, nil
}
