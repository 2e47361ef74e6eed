package models

import (
	"log"

	"bitbucket.org/mmdatafocus/banking_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&BankAccount{}, &BankTransaction{},
		&BankRule{},
		&ReconciliationSession{},
		&MatchRun{},
		&NotificationRecord{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
