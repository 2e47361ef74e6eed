package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireAccountReconcileLock serializes reconciliation writes per bank account across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the reconciliation transaction.
func AcquireAccountReconcileLock(tx *gorm.DB, companyId string, accountId int) error {
	lockName := fmt.Sprintf("reconcile:%s:%d", companyId, accountId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire reconcile lock for account_id=%d", accountId)
	}
	return nil
}

func ReleaseAccountReconcileLock(tx *gorm.DB, companyId string, accountId int) {
	lockName := fmt.Sprintf("reconcile:%s:%d", companyId, accountId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
