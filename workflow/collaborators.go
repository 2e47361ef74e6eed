package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/banking_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Boundary collaborators consumed by the matching core. The core emits
// requests through these interfaces; ingestion, identity resolution, ledger
// posting and audit storage all live outside this module.

// EntityReference identifies a resolved customer or vendor.
type EntityReference struct {
	Kind string `json:"kind"` // customer|vendor
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// IdentityResolver resolves auto_match_customer / auto_match_vendor hints.
// A nil reference with nil error means "not found" (not an error).
type IdentityResolver interface {
	Resolve(ctx context.Context, kind string, hint string, accountId int) (*EntityReference, error)
}

// LinkResult is the outcome of a set_gl_account_id delegation.
type LinkResult struct {
	GlAccountId int  `json:"gl_account_id"`
	Linked      bool `json:"linked"`
}

// LedgerLinker links a transaction to a general-ledger account.
type LedgerLinker interface {
	LinkAccount(ctx context.Context, txn *models.BankTransaction, glAccountHint string) (*LinkResult, error)
}

// Auditor receives before/after values for every applied action. The core
// emits events; audit storage is not owned here.
type Auditor interface {
	RecordActions(ctx context.Context, txn *models.BankTransaction, ruleId int, results []models.ActionResult) error
}

// Notifier delivers run lifecycle events. The outbox implementation writes
// inside the caller's DB transaction so the event commits with the run state.
type Notifier interface {
	Notify(ctx context.Context, tx *gorm.DB, companyId string, event models.NotificationEventType, runId int, payload any) error
}

// Collaborators bundles the external dependencies an orchestrator run needs.
type Collaborators struct {
	Identity IdentityResolver
	Ledger   LedgerLinker
	Auditor  Auditor
}

// OutboxNotifier is the default Notifier: transactional outbox + Pub/Sub.
type OutboxNotifier struct{}

func (OutboxNotifier) Notify(ctx context.Context, tx *gorm.DB, companyId string, event models.NotificationEventType, runId int, payload any) error {
	return models.PublishRunNotification(ctx, tx, companyId, event, runId, payload)
}

// LogAuditor is the default Auditor: it logs applied actions as structured
// records. Deployments with a compliance store replace it.
type LogAuditor struct {
	Logger *logrus.Logger
}

func (a LogAuditor) RecordActions(ctx context.Context, txn *models.BankTransaction, ruleId int, results []models.ActionResult) error {
	if a.Logger == nil {
		return nil
	}
	for _, r := range results {
		if !r.Applied && !r.Delegated {
			continue
		}
		a.Logger.WithFields(logrus.Fields{
			"module":         "workflow",
			"company_id":     txn.CompanyId,
			"transaction_id": txn.ID,
			"rule_id":        ruleId,
			"action":         string(r.Type),
			"old_value":      r.OldValue,
			"new_value":      r.NewValue,
			"delegated":      r.Delegated,
		}).Info("rule action applied")
	}
	return nil
}
