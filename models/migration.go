package models

import (
	"log"

	"bitbucket.org/govdigital/venues_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&FeeDocument{},
		&ReconciliationRun{}, &ReconciliationPaymentRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
